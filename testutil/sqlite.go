// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quota-shortener/db"
)

// NewSQLiteStore returns a GormStore over a private in-memory SQLite
// database that is closed when the test ends.
func NewSQLiteStore(t testing.TB) *db.GormStore {
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
	// SQLite allows one writer; a single connection keeps nested
	// transactions on the same handle.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(gdb))
	return db.NewGormStore(gdb)
}

// Clock is a settable time source for code that takes func() time.Time.
type Clock struct {
	t time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}
