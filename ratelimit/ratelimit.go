// Package ratelimit decides whether a creation or an access may proceed and
// records the ones that did. Counters live in the db.Store passed to each
// call, so the checks and writes join the caller's transaction.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quota-shortener/db"
	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
)

// Config holds the thresholds. It is copied into the Limiter at
// construction and never read from globals afterwards.
type Config struct {
	// MaxCreationsPerWindow caps creations per owner per UTC calendar day.
	MaxCreationsPerWindow int
	// MaxAccessesPerWindow caps accesses per short code per rolling AccessWindow.
	MaxAccessesPerWindow int
	AccessWindow         time.Duration
}

// DefaultConfig returns 5 creations per day and 10 accesses per minute
func DefaultConfig() Config {
	return Config{
		MaxCreationsPerWindow: 5,
		MaxAccessesPerWindow:  10,
		AccessWindow:          time.Minute,
	}
}

type Limiter struct {
	cfg Config
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg}
}

// Config returns the thresholds the limiter was built with
func (l *Limiter) Config() Config {
	return l.cfg
}

// CanCreate reports whether ownerID may create another link today.
//
// CanCreate is not a pure read: when the owner has no counter yet, or the
// stored window started on an earlier UTC day, the counter is reset to zero
// for today's date and written through s. Callers must run it inside the
// same transaction as the creation it guards.
func (l *Limiter) CanCreate(ctx context.Context, s db.Store, ownerID string, now time.Time) (bool, error) {
	today := utcDate(now)

	counter, err := s.GetDailyCounter(ctx, ownerID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		counter = nil
	case err != nil:
		return false, fmt.Errorf("load creation counter: %w", err)
	}

	if counter == nil || today.After(utcDate(counter.WindowStart)) {
		counter = &models.DailyCreationCounter{OwnerID: ownerID, Count: 0, WindowStart: today}
		if err := s.UpsertDailyCounter(ctx, counter); err != nil {
			return false, fmt.Errorf("reset creation counter: %w", err)
		}
	}

	return counter.Count < l.cfg.MaxCreationsPerWindow, nil
}

// RecordCreation adds one to the owner's counter. It does nothing when the
// owner has no counter row, so CanCreate must have run first in the same
// transaction or the creation goes uncounted.
func (l *Limiter) RecordCreation(ctx context.Context, s db.Store, ownerID string) error {
	counter, err := s.GetDailyCounter(ctx, ownerID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load creation counter: %w", err)
	}

	counter.Count++
	if err := s.UpsertDailyCounter(ctx, counter); err != nil {
		return fmt.Errorf("record creation: %w", err)
	}
	return nil
}

// CanAccess reports whether code has been accessed fewer than
// MaxAccessesPerWindow times in [now-AccessWindow, now]. It only reads.
//
// Check and record are separate calls, so concurrent requests can both pass
// CanAccess before either records: the access cap is advisory.
func (l *Limiter) CanAccess(ctx context.Context, s db.Store, code string, now time.Time) (bool, error) {
	since := now.UTC().Add(-l.cfg.AccessWindow)

	n, err := s.CountAccessEvents(ctx, db.AccessSubjectKey(code), since)
	if err != nil {
		return false, fmt.Errorf("count accesses: %w", err)
	}
	return n < int64(l.cfg.MaxAccessesPerWindow), nil
}

// RecordAccess appends one access event for code at now
func (l *Limiter) RecordAccess(ctx context.Context, s db.Store, code string, now time.Time) error {
	if err := s.AppendAccessEvent(ctx, db.AccessSubjectKey(code), now.UTC()); err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
