package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// newSQLiteStore opens a private in-memory database. One connection keeps
// every statement of a transaction on the same SQLite handle.
func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, AutoMigrate(gdb))
	return NewGormStore(gdb)
}

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
}

func newLink(code, owner string, hits int64) *models.ShortLink {
	return &models.ShortLink{
		Code:      code,
		Target:    "https://example.com/" + code,
		OwnerID:   owner,
		HitCount:  hits,
		CreatedAt: t0,
	}
}

func TestStore_DailyCounter(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.GetDailyCounter(ctx, "owner-1")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.UpsertDailyCounter(ctx, &models.DailyCreationCounter{OwnerID: "owner-1", Count: 1, WindowStart: day}))
			require.NoError(t, s.UpsertDailyCounter(ctx, &models.DailyCreationCounter{OwnerID: "owner-1", Count: 3, WindowStart: day}))

			got, err := s.GetDailyCounter(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, 3, got.Count)
			assert.True(t, day.Equal(got.WindowStart))
		})
	}
}

func TestStore_AccessEvents(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			key := AccessSubjectKey("abc123")

			require.NoError(t, s.AppendAccessEvent(ctx, key, t0))
			require.NoError(t, s.AppendAccessEvent(ctx, key, t0.Add(10*time.Second)))
			require.NoError(t, s.AppendAccessEvent(ctx, key, t0.Add(70*time.Second)))
			require.NoError(t, s.AppendAccessEvent(ctx, AccessSubjectKey("other"), t0.Add(70*time.Second)))

			n, err := s.CountAccessEvents(ctx, key, t0.Add(10*time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(2), n, "lower bound is inclusive")

			pruned, err := s.PruneAccessEvents(ctx, t0.Add(5*time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(1), pruned)

			n, err = s.CountAccessEvents(ctx, key, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestStore_ShortLinkLifecycle(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			link := newLink("abc123", "owner-1", 0)
			require.NoError(t, s.CreateShortLink(ctx, link))
			assert.Equal(t, int64(1), link.Version)

			err := s.CreateShortLink(ctx, newLink("abc123", "owner-2", 0))
			assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

			got, err := s.GetShortLink(ctx, "abc123")
			require.NoError(t, err)
			assert.Equal(t, "owner-1", got.OwnerID)
			assert.Equal(t, int64(0), got.HitCount)

			incr := func(l *models.ShortLink) { l.HitCount++ }

			updated, err := s.ConditionalUpdateShortLink(ctx, "abc123", got.Version, incr)
			require.NoError(t, err)
			assert.Equal(t, int64(1), updated.HitCount)
			assert.Equal(t, got.Version+1, updated.Version)

			_, err = s.ConditionalUpdateShortLink(ctx, "abc123", got.Version, incr)
			assert.ErrorIs(t, err, apperrors.ErrConflict, "stale version must be rejected")

			_, err = s.ConditionalUpdateShortLink(ctx, "missing", 1, incr)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			got, err = s.GetShortLink(ctx, "abc123")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.HitCount)

			require.NoError(t, s.DeleteShortLink(ctx, "abc123"))
			assert.ErrorIs(t, s.DeleteShortLink(ctx, "abc123"), apperrors.ErrNotFound)

			_, err = s.GetShortLink(ctx, "abc123")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestStore_ListShortLinksOrderedByHits(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.CreateShortLink(ctx, newLink("low", "owner-1", 1)))
			require.NoError(t, s.CreateShortLink(ctx, newLink("high", "owner-1", 9)))
			require.NoError(t, s.CreateShortLink(ctx, newLink("mid", "owner-1", 4)))
			require.NoError(t, s.CreateShortLink(ctx, newLink("theirs", "owner-2", 50)))

			links, err := s.ListShortLinks(ctx, "owner-1")
			require.NoError(t, err)

			codes := make([]string, 0, len(links))
			for _, l := range links {
				codes = append(codes, l.Code)
			}
			assert.Equal(t, []string{"high", "mid", "low"}, codes)

			links, err = s.ListShortLinks(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, links)
		})
	}
}

func TestStore_WithTxRollsBackEveryWrite(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			boom := errors.New("boom")

			err := s.WithTx(ctx, func(tx Store) error {
				require.NoError(t, tx.CreateShortLink(ctx, newLink("abc123", "owner-1", 0)))
				require.NoError(t, tx.UpsertDailyCounter(ctx, &models.DailyCreationCounter{OwnerID: "owner-1", Count: 1, WindowStart: t0}))
				require.NoError(t, tx.AppendAccessEvent(ctx, AccessSubjectKey("abc123"), t0))

				// reads inside the transaction see its own writes
				_, err := tx.GetShortLink(ctx, "abc123")
				require.NoError(t, err)
				return boom
			})
			assert.ErrorIs(t, err, boom)

			_, err = s.GetShortLink(ctx, "abc123")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
			_, err = s.GetDailyCounter(ctx, "owner-1")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
			n, err := s.CountAccessEvents(ctx, AccessSubjectKey("abc123"), time.Time{})
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStore_NestedTxFailureKeepsOuterWrites(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			err := s.WithTx(ctx, func(tx Store) error {
				if err := tx.CreateShortLink(ctx, newLink("first", "owner-1", 0)); err != nil {
					return err
				}

				inner := tx.WithTx(ctx, func(sp Store) error {
					return sp.CreateShortLink(ctx, newLink("first", "owner-1", 0))
				})
				assert.ErrorIs(t, inner, apperrors.ErrAlreadyExists)

				return tx.CreateShortLink(ctx, newLink("second", "owner-1", 0))
			})
			require.NoError(t, err)

			links, err := s.ListShortLinks(ctx, "owner-1")
			require.NoError(t, err)
			assert.Len(t, links, 2)
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := s.WithTx(ctx, func(tx Store) error {
				return tx.CreateShortLink(ctx, newLink("abc123", "owner-1", 0))
			})
			assert.ErrorIs(t, err, context.Canceled)

			_, err = s.GetShortLink(context.Background(), "abc123")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestStore_Users(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			users := factory(t).(UserStore)

			u := &models.User{ID: "u-1", Email: "ada@example.com", PasswordHash: "x", CreatedAt: t0}
			require.NoError(t, users.CreateUser(ctx, u))

			dup := &models.User{ID: "u-2", Email: "ada@example.com", PasswordHash: "y", CreatedAt: t0}
			assert.ErrorIs(t, users.CreateUser(ctx, dup), apperrors.ErrAlreadyExists)

			got, err := users.GetUserByEmail(ctx, "ada@example.com")
			require.NoError(t, err)
			assert.Equal(t, "u-1", got.ID)

			got, err = users.GetUserByID(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, "ada@example.com", got.Email)

			_, err = users.GetUserByID(ctx, "u-404")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}
