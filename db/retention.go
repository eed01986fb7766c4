package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Retention prunes access events that have fallen out of the access window,
// keeping the append-only table bounded.
type Retention struct {
	store    Store
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRetention creates a retention job; interval <= 0 disables Start.
func NewRetention(store Store, window, interval time.Duration, logger zerolog.Logger) *Retention {
	return &Retention{
		store:    store,
		window:   window,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// RunOnce deletes every event older than now - window
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.window)

	var pruned int64
	err := r.store.WithTx(ctx, func(tx Store) error {
		var err error
		pruned, err = tx.PruneAccessEvents(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	event := r.logger.Debug()
	if pruned > 0 {
		event = r.logger.Info()
	}
	event.Int64("pruned", pruned).Time("cutoff", cutoff).Msg("access events pruned")

	return pruned, nil
}

// Start runs RunOnce on every tick until ctx is cancelled
func (r *Retention) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error().Err(err).Msg("access event retention failed")
				}
			}
		}
	}()
}
