package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
)

// MemoryStore is an in-process Store for development and tests.
//
// Writes are staged per transaction and applied at commit. A short link
// touched by an uncommitted create, update or delete is claimed by that
// transaction; other writers see apperrors.ErrConflict instead of blocking,
// which matches what a version-checked UPDATE reports once the row lock is
// released.
type MemoryStore struct {
	mu       sync.Mutex
	links    map[string]models.ShortLink
	counters map[string]models.DailyCreationCounter
	events   map[string][]time.Time
	users    map[string]models.User
	claims   map[string]*memTx
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:    make(map[string]models.ShortLink),
		counters: make(map[string]models.DailyCreationCounter),
		events:   make(map[string][]time.Time),
		users:    make(map[string]models.User),
		claims:   make(map[string]*memTx),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    m,
		links:    make(map[string]*models.ShortLink),
		created:  make(map[string]bool),
		counters: make(map[string]models.DailyCreationCounter),
	}

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

func autocommit[T any](ctx context.Context, m *MemoryStore, fn func(tx *memTx) (T, error)) (T, error) {
	var out T
	err := m.WithTx(ctx, func(s Store) error {
		var err error
		out, err = fn(s.(*memTx))
		return err
	})
	return out, err
}

func (m *MemoryStore) GetDailyCounter(ctx context.Context, ownerID string) (*models.DailyCreationCounter, error) {
	return autocommit(ctx, m, func(tx *memTx) (*models.DailyCreationCounter, error) {
		return tx.GetDailyCounter(ctx, ownerID)
	})
}

func (m *MemoryStore) UpsertDailyCounter(ctx context.Context, counter *models.DailyCreationCounter) error {
	_, err := autocommit(ctx, m, func(tx *memTx) (struct{}, error) {
		return struct{}{}, tx.UpsertDailyCounter(ctx, counter)
	})
	return err
}

func (m *MemoryStore) CountAccessEvents(ctx context.Context, subjectKey string, since time.Time) (int64, error) {
	return autocommit(ctx, m, func(tx *memTx) (int64, error) {
		return tx.CountAccessEvents(ctx, subjectKey, since)
	})
}

func (m *MemoryStore) AppendAccessEvent(ctx context.Context, subjectKey string, ts time.Time) error {
	_, err := autocommit(ctx, m, func(tx *memTx) (struct{}, error) {
		return struct{}{}, tx.AppendAccessEvent(ctx, subjectKey, ts)
	})
	return err
}

func (m *MemoryStore) PruneAccessEvents(ctx context.Context, before time.Time) (int64, error) {
	return autocommit(ctx, m, func(tx *memTx) (int64, error) {
		return tx.PruneAccessEvents(ctx, before)
	})
}

func (m *MemoryStore) GetShortLink(ctx context.Context, code string) (*models.ShortLink, error) {
	return autocommit(ctx, m, func(tx *memTx) (*models.ShortLink, error) {
		return tx.GetShortLink(ctx, code)
	})
}

func (m *MemoryStore) CreateShortLink(ctx context.Context, link *models.ShortLink) error {
	_, err := autocommit(ctx, m, func(tx *memTx) (struct{}, error) {
		return struct{}{}, tx.CreateShortLink(ctx, link)
	})
	return err
}

func (m *MemoryStore) ConditionalUpdateShortLink(ctx context.Context, code string, expectedVersion int64, mutate func(*models.ShortLink)) (*models.ShortLink, error) {
	return autocommit(ctx, m, func(tx *memTx) (*models.ShortLink, error) {
		return tx.ConditionalUpdateShortLink(ctx, code, expectedVersion, mutate)
	})
}

func (m *MemoryStore) DeleteShortLink(ctx context.Context, code string) error {
	_, err := autocommit(ctx, m, func(tx *memTx) (struct{}, error) {
		return struct{}{}, tx.DeleteShortLink(ctx, code)
	})
	return err
}

func (m *MemoryStore) ListShortLinks(ctx context.Context, ownerID string) ([]models.ShortLink, error) {
	return autocommit(ctx, m, func(tx *memTx) ([]models.ShortLink, error) {
		return tx.ListShortLinks(ctx, ownerID)
	})
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == user.Email {
			return fmt.Errorf("user %s: %w", user.Email, apperrors.ErrAlreadyExists)
		}
	}
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, apperrors.ErrNotFound)
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperrors.ErrNotFound)
	}
	return &u, nil
}

// memTx stages writes until commit. All fields are guarded by store.mu.
type memTx struct {
	store    *MemoryStore
	links    map[string]*models.ShortLink // nil marks a delete
	created  map[string]bool
	counters map[string]models.DailyCreationCounter
	events   []models.AccessEvent
	prune    time.Time
	claimed  []string
}

// WithTx on an open transaction scopes a savepoint: a failing fn discards
// only what it staged.
func (tx *memTx) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.store.mu.Lock()
	saved := tx.snapshotLocked()
	tx.store.mu.Unlock()

	if err := fn(tx); err != nil {
		tx.store.mu.Lock()
		tx.restoreLocked(saved)
		tx.store.mu.Unlock()
		return err
	}
	return nil
}

func (tx *memTx) GetDailyCounter(ctx context.Context, ownerID string) (*models.DailyCreationCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if c, ok := tx.counters[ownerID]; ok {
		return &c, nil
	}
	if c, ok := tx.store.counters[ownerID]; ok {
		return &c, nil
	}
	return nil, fmt.Errorf("daily counter %s: %w", ownerID, apperrors.ErrNotFound)
}

func (tx *memTx) UpsertDailyCounter(ctx context.Context, counter *models.DailyCreationCounter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	tx.counters[counter.OwnerID] = *counter
	return nil
}

func (tx *memTx) CountAccessEvents(ctx context.Context, subjectKey string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	// committed events behind a pending prune are already gone for this tx
	committedSince := since
	if tx.prune.After(committedSince) {
		committedSince = tx.prune
	}

	var n int64
	for _, ts := range tx.store.events[subjectKey] {
		if !ts.Before(committedSince) {
			n++
		}
	}
	for _, ev := range tx.events {
		if ev.SubjectKey == subjectKey && !ev.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) AppendAccessEvent(ctx context.Context, subjectKey string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	tx.events = append(tx.events, models.AccessEvent{SubjectKey: subjectKey, Timestamp: ts})
	return nil
}

func (tx *memTx) PruneAccessEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	// Only committed events are pruned; events staged by tx are kept.
	var n int64
	for _, stamps := range tx.store.events {
		for _, ts := range stamps {
			if ts.Before(before) && !ts.Before(tx.prune) {
				n++
			}
		}
	}

	if before.After(tx.prune) {
		tx.prune = before
	}
	return n, nil
}

func (tx *memTx) GetShortLink(ctx context.Context, code string) (*models.ShortLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	link, ok := tx.lookupLocked(code)
	if !ok {
		return nil, fmt.Errorf("short link %s: %w", code, apperrors.ErrNotFound)
	}
	return &link, nil
}

func (tx *memTx) CreateShortLink(ctx context.Context, link *models.ShortLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if _, ok := tx.lookupLocked(link.Code); ok || tx.claimedByOtherLocked(link.Code) {
		return fmt.Errorf("short link %s: %w", link.Code, apperrors.ErrAlreadyExists)
	}

	staged := *link
	if staged.Version == 0 {
		staged.Version = 1
	}
	link.Version = staged.Version
	tx.links[link.Code] = &staged
	tx.created[link.Code] = true
	tx.claimLocked(link.Code)
	return nil
}

func (tx *memTx) ConditionalUpdateShortLink(ctx context.Context, code string, expectedVersion int64, mutate func(*models.ShortLink)) (*models.ShortLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.claimedByOtherLocked(code) {
		return nil, fmt.Errorf("short link %s: %w", code, apperrors.ErrConflict)
	}

	current, ok := tx.lookupLocked(code)
	if !ok {
		return nil, fmt.Errorf("short link %s: %w", code, apperrors.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("short link %s at version %d: %w", code, expectedVersion, apperrors.ErrConflict)
	}

	next := current
	mutate(&next)

	updated := current
	updated.Target = next.Target
	updated.HitCount = next.HitCount
	updated.Version = expectedVersion + 1

	tx.links[code] = &updated
	tx.claimLocked(code)

	out := updated
	return &out, nil
}

func (tx *memTx) DeleteShortLink(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.claimedByOtherLocked(code) {
		return fmt.Errorf("short link %s: %w", code, apperrors.ErrConflict)
	}
	if _, ok := tx.lookupLocked(code); !ok {
		return fmt.Errorf("short link %s: %w", code, apperrors.ErrNotFound)
	}

	tx.links[code] = nil
	delete(tx.created, code)
	tx.claimLocked(code)
	return nil
}

func (tx *memTx) ListShortLinks(ctx context.Context, ownerID string) ([]models.ShortLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	links := make([]models.ShortLink, 0)
	for code, link := range tx.store.links {
		if _, staged := tx.links[code]; staged {
			continue
		}
		if link.OwnerID == ownerID {
			links = append(links, link)
		}
	}
	for _, link := range tx.links {
		if link != nil && link.OwnerID == ownerID {
			links = append(links, *link)
		}
	}

	sortByHits(links)
	return links, nil
}

func sortByHits(links []models.ShortLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].HitCount != links[j].HitCount {
			return links[i].HitCount > links[j].HitCount
		}
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.After(links[j].CreatedAt)
		}
		return links[i].Code < links[j].Code
	})
}

func (tx *memTx) lookupLocked(code string) (models.ShortLink, bool) {
	if staged, ok := tx.links[code]; ok {
		if staged == nil {
			return models.ShortLink{}, false
		}
		return *staged, true
	}
	link, ok := tx.store.links[code]
	return link, ok
}

func (tx *memTx) claimedByOtherLocked(code string) bool {
	owner, ok := tx.store.claims[code]
	return ok && owner != tx
}

func (tx *memTx) claimLocked(code string) {
	if tx.store.claims[code] == tx {
		return
	}
	tx.store.claims[code] = tx
	tx.claimed = append(tx.claimed, code)
}

func (tx *memTx) releaseLocked(from int) {
	for _, code := range tx.claimed[from:] {
		if tx.store.claims[code] == tx {
			delete(tx.store.claims, code)
		}
	}
	tx.claimed = tx.claimed[:from]
}

func (tx *memTx) commit() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	defer tx.releaseLocked(0)

	for code := range tx.created {
		if _, exists := tx.store.links[code]; exists {
			return fmt.Errorf("short link %s: %w", code, apperrors.ErrAlreadyExists)
		}
	}

	for code, link := range tx.links {
		if link == nil {
			delete(tx.store.links, code)
			continue
		}
		tx.store.links[code] = *link
	}
	for owner, c := range tx.counters {
		tx.store.counters[owner] = c
	}
	if !tx.prune.IsZero() {
		for key, stamps := range tx.store.events {
			kept := stamps[:0]
			for _, ts := range stamps {
				if !ts.Before(tx.prune) {
					kept = append(kept, ts)
				}
			}
			if len(kept) == 0 {
				delete(tx.store.events, key)
				continue
			}
			tx.store.events[key] = kept
		}
	}
	for _, ev := range tx.events {
		tx.store.events[ev.SubjectKey] = append(tx.store.events[ev.SubjectKey], ev.Timestamp)
	}
	return nil
}

func (tx *memTx) rollback() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.releaseLocked(0)
}

type memSnapshot struct {
	links    map[string]*models.ShortLink
	created  map[string]bool
	counters map[string]models.DailyCreationCounter
	events   int
	prune    time.Time
	claimed  int
}

func (tx *memTx) snapshotLocked() memSnapshot {
	s := memSnapshot{
		links:    make(map[string]*models.ShortLink, len(tx.links)),
		created:  make(map[string]bool, len(tx.created)),
		counters: make(map[string]models.DailyCreationCounter, len(tx.counters)),
		events:   len(tx.events),
		prune:    tx.prune,
		claimed:  len(tx.claimed),
	}
	for k, v := range tx.links {
		s.links[k] = v
	}
	for k, v := range tx.created {
		s.created[k] = v
	}
	for k, v := range tx.counters {
		s.counters[k] = v
	}
	return s
}

func (tx *memTx) restoreLocked(s memSnapshot) {
	tx.links = s.links
	tx.created = s.created
	tx.counters = s.counters
	tx.events = tx.events[:s.events]
	tx.prune = s.prune
	tx.releaseLocked(s.claimed)
}
