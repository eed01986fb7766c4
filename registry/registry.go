// Package registry owns short links: creation, lookup, ownership-checked
// deletion and the optimistic hit counter.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quota-shortener/db"
	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
)

// Hit is the outcome of RecordHit. Counted is false when the target was
// resolved but the hit count could not be advanced.
type Hit struct {
	Target  string
	Counted bool
}

type Registry struct{}

func New() *Registry {
	return &Registry{}
}

// Create inserts a new link with zero hits. A taken code yields
// apperrors.ErrAlreadyExists; picking another code is up to the caller.
func (r *Registry) Create(ctx context.Context, s db.Store, code, target, ownerID string, now time.Time) (*models.ShortLink, error) {
	switch {
	case code == "" || len(code) > models.MaxCodeLength:
		return nil, fmt.Errorf("%w: code must be 1-%d characters", apperrors.ErrValidation, models.MaxCodeLength)
	case target == "" || len(target) > models.MaxTargetLength:
		return nil, fmt.Errorf("%w: target must be 1-%d characters", apperrors.ErrValidation, models.MaxTargetLength)
	case ownerID == "":
		return nil, fmt.Errorf("%w: owner is required", apperrors.ErrValidation)
	}

	link := &models.ShortLink{
		Code:      code,
		Target:    target,
		OwnerID:   ownerID,
		HitCount:  0,
		CreatedAt: now.UTC(),
	}
	if err := s.CreateShortLink(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

func (r *Registry) Get(ctx context.Context, s db.Store, code string) (*models.ShortLink, error) {
	return s.GetShortLink(ctx, code)
}

// GetOwned returns the link only if ownerID owns it; otherwise NotFound.
func (r *Registry) GetOwned(ctx context.Context, s db.Store, code, ownerID string) (*models.ShortLink, error) {
	link, err := s.GetShortLink(ctx, code)
	if err != nil {
		return nil, err
	}
	if link.OwnerID != ownerID {
		return nil, fmt.Errorf("short link %s: %w", code, apperrors.ErrNotFound)
	}
	return link, nil
}

func (r *Registry) ListByOwner(ctx context.Context, s db.Store, ownerID string) ([]models.ShortLink, error) {
	return s.ListShortLinks(ctx, ownerID)
}

// RecordHit resolves code and advances its hit count by one.
//
// The increment is a compare-and-swap on the version read just before it.
// On a conflict the row is reloaded and the increment tried exactly once
// more, inside a nested transaction so a failed retry leaves s usable. If
// the retry fails too, the target is still returned with Counted false:
// the redirect never fails because of the counter. A missing link is
// apperrors.ErrNotFound.
func (r *Registry) RecordHit(ctx context.Context, s db.Store, code string) (Hit, error) {
	link, err := s.GetShortLink(ctx, code)
	if err != nil {
		return Hit{}, err
	}

	updated, err := s.ConditionalUpdateShortLink(ctx, code, link.Version, incrementHits)
	if err == nil {
		return Hit{Target: updated.Target, Counted: true}, nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return Hit{}, err
	}

	hit := Hit{Target: link.Target}
	err = s.WithTx(ctx, func(tx db.Store) error {
		latest, err := tx.GetShortLink(ctx, code)
		if err != nil {
			return err
		}
		updated, err := tx.ConditionalUpdateShortLink(ctx, code, latest.Version, incrementHits)
		if err != nil {
			return err
		}
		hit = Hit{Target: updated.Target, Counted: true}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return Hit{}, ctx.Err()
	}
	return hit, nil
}

// Delete removes code if ownerID owns it. Links owned by someone else are
// reported as apperrors.ErrNotFound, the same as missing ones.
func (r *Registry) Delete(ctx context.Context, s db.Store, code, ownerID string) error {
	if _, err := r.GetOwned(ctx, s, code, ownerID); err != nil {
		return err
	}
	return s.DeleteShortLink(ctx, code)
}

func incrementHits(l *models.ShortLink) {
	l.HitCount++
}
