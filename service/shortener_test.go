package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-shortener/db"
	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
	"quota-shortener/ratelimit"
	"quota-shortener/registry"
	"quota-shortener/testutil"
)

var start = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store db.Store
	clock *testutil.Clock
	svc   *Shortener
}

func newFixture(t *testing.T, store db.Store, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewClock(start)
	opts = append([]Option{WithClock(clock.Now), WithCodeGenerator(sequentialCodes())}, opts...)
	return &fixture{
		store: store,
		clock: clock,
		svc:   New(store, ratelimit.New(ratelimit.DefaultConfig()), registry.New(), zerolog.Nop(), opts...),
	}
}

func sequentialCodes() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("c%05d", n)
	}
}

func backends() map[string]func(t *testing.T) db.Store {
	return map[string]func(t *testing.T) db.Store{
		"memory": func(t *testing.T) db.Store { return db.NewMemoryStore() },
		"sqlite": func(t *testing.T) db.Store { return testutil.NewSQLiteStore(t) },
	}
}

func TestCreateLink_DailyQuota(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore(t))

			for i := 0; i < 5; i++ {
				link, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
				require.NoError(t, err, "creation %d", i+1)
				assert.Equal(t, "https://example.com", link.Target)
				assert.Len(t, link.Code, 6)
			}

			_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
			assert.ErrorIs(t, err, apperrors.ErrRateLimited)

			links, err := f.svc.ListLinks(ctx, "owner-1")
			require.NoError(t, err)
			assert.Len(t, links, 5, "the rejected attempt left nothing behind")

			counter, err := f.store.GetDailyCounter(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, 5, counter.Count)

			// next UTC day
			f.clock.Advance(12 * time.Hour)
			_, err = f.svc.CreateLink(ctx, "owner-1", "https://example.com")
			assert.NoError(t, err)
		})
	}
}

func TestCreateLink_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.NewMemoryStore())

	cases := map[string]string{
		"empty":       "",
		"no scheme":   "example.com/path",
		"ftp":         "ftp://example.com/file",
		"no host":     "https:///path",
		"relative":    "/just/a/path",
		"javascript":  "javascript:alert(1)",
		"too long":    "https://example.com/" + strings.Repeat("a", models.MaxTargetLength),
		"whitespace":  "https://exa mple.com",
		"bare scheme": "https://",
		"mailto":      "mailto:ada@example.com",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateLink(ctx, "owner-1", target)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}

	_, err := f.svc.CreateLink(ctx, "", "https://example.com")
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)

	_, err = f.store.GetDailyCounter(ctx, "owner-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "rejected input never touches the quota")
}

func TestCreateLink_RegeneratesOnCollision(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			codes := []string{"dup001", "dup001", "dup001", "new002"}
			next := 0
			gen := func() string {
				c := codes[next]
				next++
				return c
			}
			f := newFixture(t, newStore(t), WithCodeGenerator(gen))

			first, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com/a")
			require.NoError(t, err)
			assert.Equal(t, "dup001", first.Code)

			second, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com/b")
			require.NoError(t, err)
			assert.Equal(t, "new002", second.Code)

			counter, err := f.store.GetDailyCounter(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, 2, counter.Count)
		})
	}
}

func TestCreateLink_CollisionExhaustionRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.NewMemoryStore(), WithCodeGenerator(func() string { return "same01" }))

	_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com/a")
	require.NoError(t, err)

	_, err = f.svc.CreateLink(ctx, "owner-1", "https://example.com/b")
	assert.ErrorIs(t, err, apperrors.ErrCodesExhausted)
	assert.Equal(t, 503, apperrors.FromError(err).Code)

	counter, err := f.store.GetDailyCounter(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Count, "the failed creation is not counted")
}

// failingStore fails every counter write that records a creation.
type failingStore struct {
	db.Store
}

func (s failingStore) UpsertDailyCounter(ctx context.Context, c *models.DailyCreationCounter) error {
	if c.Count > 0 {
		return apperrors.ErrStoreUnavailable
	}
	return s.Store.UpsertDailyCounter(ctx, c)
}

func (s failingStore) WithTx(ctx context.Context, fn func(tx db.Store) error) error {
	return s.Store.WithTx(ctx, func(tx db.Store) error {
		return fn(failingStore{Store: tx})
	})
}

func TestCreateLink_FailureAfterInsertRollsBackEverything(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := newStore(t)
			f := newFixture(t, failingStore{Store: base})

			_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
			assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

			_, err = base.GetShortLink(ctx, "c00001")
			assert.ErrorIs(t, err, apperrors.ErrNotFound, "insert rolled back")

			_, err = base.GetDailyCounter(ctx, "owner-1")
			assert.ErrorIs(t, err, apperrors.ErrNotFound, "lazy reset rolled back")
		})
	}
}

func TestResolve_AccessWindow(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore(t), WithCodeGenerator(func() string { return "abc123" }))

			_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
			require.NoError(t, err)

			// ten visits in 30 seconds
			for i := 0; i < 10; i++ {
				hit, err := f.svc.Resolve(ctx, "abc123")
				require.NoError(t, err, "visit %d", i+1)
				assert.Equal(t, registry.Hit{Target: "https://example.com", Counted: true}, hit)
				f.clock.Advance(3 * time.Second)
			}

			_, err = f.svc.Resolve(ctx, "abc123")
			assert.ErrorIs(t, err, apperrors.ErrRateLimited)

			link, err := f.svc.LinkStats(ctx, "owner-1", "abc123")
			require.NoError(t, err)
			assert.Equal(t, int64(10), link.HitCount, "the rejected visit is not counted")

			f.clock.Advance(61 * time.Second)
			hit, err := f.svc.Resolve(ctx, "abc123")
			require.NoError(t, err)
			assert.Equal(t, "https://example.com", hit.Target)

			link, err = f.svc.LinkStats(ctx, "owner-1", "abc123")
			require.NoError(t, err)
			assert.Equal(t, int64(11), link.HitCount)
		})
	}
}

func TestResolve_NotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.NewMemoryStore())

	_, err := f.svc.Resolve(ctx, "nope42")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.Resolve(ctx, strings.Repeat("x", models.MaxCodeLength+1))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	n, err := f.store.CountAccessEvents(ctx, db.AccessSubjectKey("nope42"), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n, "unknown codes are not recorded")
}

func TestResolve_ConcurrentVisitorsAllRedirect(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	clock := testutil.NewClock(start)
	svc := New(store,
		ratelimit.New(ratelimit.Config{MaxCreationsPerWindow: 5, MaxAccessesPerWindow: 1000, AccessWindow: time.Minute}),
		registry.New(), zerolog.Nop(),
		WithClock(clock.Now), WithCodeGenerator(func() string { return "abc123" }))

	_, err := svc.CreateLink(ctx, "owner-1", "https://example.com")
	require.NoError(t, err)

	const visitors = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counted int64
	)
	for i := 0; i < visitors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hit, err := svc.Resolve(ctx, "abc123")
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, "https://example.com", hit.Target)
			if hit.Counted {
				mu.Lock()
				counted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	link, err := store.GetShortLink(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, counted, link.HitCount, "every counted hit is persisted exactly once")
	assert.LessOrEqual(t, link.HitCount, int64(visitors))

	n, err := store.CountAccessEvents(ctx, db.AccessSubjectKey("abc123"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(visitors), n, "every redirect is recorded")
}

func TestResolve_LogsDegradedHit(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	base := db.NewMemoryStore()
	store := &conflictingStore{Store: base}
	clock := testutil.NewClock(start)
	svc := New(store, ratelimit.New(ratelimit.DefaultConfig()), registry.New(), zerolog.New(&buf),
		WithClock(clock.Now), WithCodeGenerator(func() string { return "abc123" }))

	_, err := svc.CreateLink(ctx, "owner-1", "https://example.com")
	require.NoError(t, err)

	hit, err := svc.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, registry.Hit{Target: "https://example.com", Counted: false}, hit)
	assert.Contains(t, buf.String(), "hit count not updated")

	n, err := base.CountAccessEvents(ctx, db.AccessSubjectKey("abc123"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the degraded redirect is still recorded")
}

// conflictingStore rejects every conditional update as stale.
type conflictingStore struct {
	db.Store
}

func (s *conflictingStore) ConditionalUpdateShortLink(context.Context, string, int64, func(*models.ShortLink)) (*models.ShortLink, error) {
	return nil, apperrors.ErrConflict
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(tx db.Store) error) error {
	return s.Store.WithTx(ctx, func(tx db.Store) error {
		return fn(&conflictingStore{Store: tx})
	})
}

func TestDeleteLink_OwnerOnly(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, newStore(t), WithCodeGenerator(func() string { return "abc123" }))

			_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
			require.NoError(t, err)

			assert.ErrorIs(t, f.svc.DeleteLink(ctx, "intruder", "abc123"), apperrors.ErrNotFound)
			_, err = f.svc.LinkStats(ctx, "intruder", "abc123")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			require.NoError(t, f.svc.DeleteLink(ctx, "owner-1", "abc123"))
			assert.ErrorIs(t, f.svc.DeleteLink(ctx, "owner-1", "abc123"), apperrors.ErrNotFound)

			_, err = f.svc.Resolve(ctx, "abc123")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestDeleteLink_DuringHitIsRetryableConflict(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	f := newFixture(t, store, WithCodeGenerator(func() string { return "abc123" }))

	_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx db.Store) error {
		_, err := tx.ConditionalUpdateShortLink(ctx, "abc123", 1, func(l *models.ShortLink) { l.HitCount++ })
		require.NoError(t, err)

		delErr := f.svc.DeleteLink(ctx, "owner-1", "abc123")
		assert.ErrorIs(t, delErr, apperrors.ErrConflict)
		assert.Equal(t, 409, apperrors.FromError(delErr).Code)
		return nil
	})
	require.NoError(t, err)

	link, err := store.GetShortLink(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), link.HitCount, "the concurrent hit still commits")

	require.NoError(t, f.svc.DeleteLink(ctx, "owner-1", "abc123"), "retrying after the hit succeeds")
}

func TestListLinks_OrderedByHits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.NewMemoryStore())

	a, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com/a")
	require.NoError(t, err)
	b, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com/b")
	require.NoError(t, err)
	_, err = f.svc.CreateLink(ctx, "owner-2", "https://example.com/c")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Resolve(ctx, b.Code)
		require.NoError(t, err)
	}
	_, err = f.svc.Resolve(ctx, a.Code)
	require.NoError(t, err)

	links, err := f.svc.ListLinks(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, b.Code, links[0].Code)
	assert.Equal(t, int64(3), links[0].HitCount)
	assert.Equal(t, a.Code, links[1].Code)

	_, err = f.svc.ListLinks(ctx, "")
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func TestCancelledRequestLeavesNoTrace(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.CreateLink(ctx, "owner-1", "https://example.com")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.store.GetDailyCounter(context.Background(), "owner-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		assert.Regexp(t, `^[0-9a-f]{6}$`, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90)
}
