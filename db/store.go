package db

import (
	"context"
	"time"

	"quota-shortener/models"
)

// Store is the transactional substrate shared by the rate limiter and the
// short-link registry. Lookups of absent rows return apperrors.ErrNotFound.
type Store interface {
	GetDailyCounter(ctx context.Context, ownerID string) (*models.DailyCreationCounter, error)
	// UpsertDailyCounter is last-writer-wins on ownerID.
	UpsertDailyCounter(ctx context.Context, counter *models.DailyCreationCounter) error

	// CountAccessEvents counts events for subjectKey with timestamp >= since.
	CountAccessEvents(ctx context.Context, subjectKey string, since time.Time) (int64, error)
	AppendAccessEvent(ctx context.Context, subjectKey string, ts time.Time) error
	// PruneAccessEvents deletes every event older than before.
	PruneAccessEvents(ctx context.Context, before time.Time) (int64, error)

	GetShortLink(ctx context.Context, code string) (*models.ShortLink, error)
	// CreateShortLink fails with apperrors.ErrAlreadyExists on a code collision.
	CreateShortLink(ctx context.Context, link *models.ShortLink) error
	// ConditionalUpdateShortLink applies mutate to the stored row only if its
	// version still equals expectedVersion, and advances the version. A stale
	// version yields apperrors.ErrConflict. Only Target and HitCount are persisted.
	ConditionalUpdateShortLink(ctx context.Context, code string, expectedVersion int64, mutate func(*models.ShortLink)) (*models.ShortLink, error)
	DeleteShortLink(ctx context.Context, code string) error
	// ListShortLinks returns the owner's links, highest hit count first.
	ListShortLinks(ctx context.Context, ownerID string) ([]models.ShortLink, error)

	// WithTx runs fn inside one transaction: every write commits together or
	// none does. Calling WithTx on a transactional Store opens a nested scope
	// (a savepoint where the backend supports one) whose failure only rolls
	// back the writes made inside it.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// UserStore backs the built-in identity provider.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// AccessSubjectKey namespaces access events for a short code.
func AccessSubjectKey(code string) string {
	return "url:" + code
}
