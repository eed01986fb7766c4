// Package service composes the rate limiter and the short-link registry
// into the request flows. Every flow runs in one store transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quota-shortener/db"
	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
	"quota-shortener/ratelimit"
	"quota-shortener/registry"
)

const (
	codeLength      = 6
	maxCodeAttempts = 5
)

// targetRule is the validator tag every shortened target must satisfy
var targetRule = fmt.Sprintf("required,http_url,max=%d", models.MaxTargetLength)

var validate = validator.New()

type Shortener struct {
	store    db.Store
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	logger   zerolog.Logger
	now      func() time.Time
	newCode  func() string
}

type Option func(*Shortener)

// WithClock replaces time.Now as the source of request timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Shortener) { s.now = now }
}

// WithCodeGenerator replaces the random short-code generator
func WithCodeGenerator(gen func() string) Option {
	return func(s *Shortener) { s.newCode = gen }
}

func New(store db.Store, limiter *ratelimit.Limiter, reg *registry.Registry, logger zerolog.Logger, opts ...Option) *Shortener {
	s := &Shortener{
		store:    store,
		limiter:  limiter,
		registry: reg,
		logger:   logger,
		now:      time.Now,
		newCode:  GenerateCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateCode returns six lowercase hex characters taken from a random
// UUID. Codes are not guaranteed unique; CreateLink retries on collision.
func GenerateCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength]
}

// CreateLink shortens target for ownerID.
//
// The quota check, the insert and the quota increment commit together.
// When the daily quota is spent the call fails with apperrors.ErrRateLimited
// and nothing is written.
func (s *Shortener) CreateLink(ctx context.Context, ownerID, target string) (*models.ShortLink, error) {
	if ownerID == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}

	now := s.now().UTC()

	var link *models.ShortLink
	err := s.store.WithTx(ctx, func(tx db.Store) error {
		ok, err := s.limiter.CanCreate(ctx, tx, ownerID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("daily creation quota for %s: %w", ownerID, apperrors.ErrRateLimited)
		}

		link, err = s.insertWithFreshCode(ctx, tx, target, ownerID, now)
		if err != nil {
			return err
		}

		return s.limiter.RecordCreation(ctx, tx, ownerID)
	})
	if err != nil {
		s.logFailure(err, "create short link", ownerID)
		return nil, err
	}

	s.logger.Info().Str("code", link.Code).Str("owner_id", ownerID).Msg("short link created")
	return link, nil
}

// insertWithFreshCode tries new codes until one is free. Each attempt runs
// in a nested transaction so a duplicate key does not abort tx.
func (s *Shortener) insertWithFreshCode(ctx context.Context, tx db.Store, target, ownerID string, now time.Time) (*models.ShortLink, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code := s.newCode()

		var link *models.ShortLink
		err := tx.WithTx(ctx, func(sp db.Store) error {
			var err error
			link, err = s.registry.Create(ctx, sp, code, target, ownerID, now)
			return err
		})
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, err
		}
		s.logger.Debug().Str("code", code).Int("attempt", attempt).Msg("short code collision")
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxCodeAttempts, apperrors.ErrCodesExhausted)
}

// Resolve returns the target for code and counts the visit.
//
// A code the access limiter rejects fails with apperrors.ErrRateLimited and
// is neither counted nor recorded. The limiter check and the access record
// are separate steps, so concurrent visitors may overshoot the cap.
func (s *Shortener) Resolve(ctx context.Context, code string) (registry.Hit, error) {
	if code == "" || len(code) > models.MaxCodeLength {
		return registry.Hit{}, fmt.Errorf("short link %q: %w", code, apperrors.ErrNotFound)
	}

	now := s.now().UTC()

	var hit registry.Hit
	err := s.store.WithTx(ctx, func(tx db.Store) error {
		if _, err := s.registry.Get(ctx, tx, code); err != nil {
			return err
		}

		ok, err := s.limiter.CanAccess(ctx, tx, code, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("access quota for %s: %w", code, apperrors.ErrRateLimited)
		}

		hit, err = s.registry.RecordHit(ctx, tx, code)
		if err != nil {
			return err
		}

		return s.limiter.RecordAccess(ctx, tx, code, now)
	})
	if err != nil {
		s.logFailure(err, "resolve short link", code)
		return registry.Hit{}, err
	}

	if !hit.Counted {
		s.logger.Warn().Str("code", code).Msg("hit count not updated after version conflict")
	}
	return hit, nil
}

// ListLinks returns the owner's links, most visited first
func (s *Shortener) ListLinks(ctx context.Context, ownerID string) ([]models.ShortLink, error) {
	if ownerID == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	return s.registry.ListByOwner(ctx, s.store, ownerID)
}

// LinkStats returns one of the owner's links. Links owned by someone else
// are reported as not found.
func (s *Shortener) LinkStats(ctx context.Context, ownerID, code string) (*models.ShortLink, error) {
	if ownerID == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	return s.registry.GetOwned(ctx, s.store, code, ownerID)
}

// DeleteLink removes one of the owner's links
func (s *Shortener) DeleteLink(ctx context.Context, ownerID, code string) error {
	if ownerID == "" {
		return apperrors.ErrUnauthenticated
	}

	err := s.store.WithTx(ctx, func(tx db.Store) error {
		return s.registry.Delete(ctx, tx, code, ownerID)
	})
	if err != nil {
		s.logFailure(err, "delete short link", code)
		return err
	}

	s.logger.Info().Str("code", code).Str("owner_id", ownerID).Msg("short link deleted")
	return nil
}

// ValidateTarget accepts absolute http and https URLs with a host
func ValidateTarget(target string) error {
	if err := validate.Var(target, targetRule); err != nil {
		return fmt.Errorf("%w: target must be an absolute http or https URL of at most %d characters",
			apperrors.ErrValidation, models.MaxTargetLength)
	}
	return nil
}

// logFailure logs expected rejections at debug level and the rest as errors
func (s *Shortener) logFailure(err error, action, subject string) {
	switch {
	case errors.Is(err, apperrors.ErrRateLimited),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrValidation):
		s.logger.Debug().Err(err).Str("subject", subject).Msg(action)
	case errors.Is(err, apperrors.ErrConflict):
		s.logger.Warn().Err(err).Str("subject", subject).Msg(action + " hit a concurrent update")
	default:
		s.logger.Error().Err(err).Str("subject", subject).Msg(action + " failed")
	}
}
