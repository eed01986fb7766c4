package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
)

// GormStore implements Store and UserStore on top of gorm. It is used with
// PostgreSQL in production and SQLite in tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened gorm handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the tables from the model definitions. Production
// PostgreSQL uses the embedded SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.ShortLink{},
		&models.DailyCreationCounter{},
		&models.AccessEvent{},
	)
}

// WithTx runs fn in a transaction. On a transactional store gorm turns the
// nested call into a SAVEPOINT.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&GormStore{db: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return translate(err)
}

func (s *GormStore) GetDailyCounter(ctx context.Context, ownerID string) (*models.DailyCreationCounter, error) {
	var counter models.DailyCreationCounter
	if err := s.db.WithContext(ctx).First(&counter, "owner_id = ?", ownerID).Error; err != nil {
		return nil, fmt.Errorf("daily counter %s: %w", ownerID, translate(err))
	}
	counter.WindowStart = counter.WindowStart.UTC()
	return &counter, nil
}

func (s *GormStore) UpsertDailyCounter(ctx context.Context, counter *models.DailyCreationCounter) error {
	row := *counter
	row.WindowStart = row.WindowStart.UTC()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "window_start"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert daily counter %s: %w", counter.OwnerID, translate(err))
	}
	return nil
}

func (s *GormStore) CountAccessEvents(ctx context.Context, subjectKey string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.AccessEvent{}).
		Where("subject_key = ? AND occurred_at >= ?", subjectKey, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count access events %s: %w", subjectKey, translate(err))
	}
	return n, nil
}

func (s *GormStore) AppendAccessEvent(ctx context.Context, subjectKey string, ts time.Time) error {
	ev := models.AccessEvent{SubjectKey: subjectKey, Timestamp: ts.UTC()}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("append access event %s: %w", subjectKey, translate(err))
	}
	return nil
}

func (s *GormStore) PruneAccessEvents(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("occurred_at < ?", before.UTC()).
		Delete(&models.AccessEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune access events: %w", translate(result.Error))
	}
	return result.RowsAffected, nil
}

func (s *GormStore) GetShortLink(ctx context.Context, code string) (*models.ShortLink, error) {
	var link models.ShortLink
	if err := s.db.WithContext(ctx).First(&link, "code = ?", code).Error; err != nil {
		return nil, fmt.Errorf("short link %s: %w", code, translate(err))
	}
	link.CreatedAt = link.CreatedAt.UTC()
	return &link, nil
}

func (s *GormStore) CreateShortLink(ctx context.Context, link *models.ShortLink) error {
	if link.Version == 0 {
		link.Version = 1
	}
	link.CreatedAt = link.CreatedAt.UTC()

	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("create short link %s: %w", link.Code, translate(err))
	}
	return nil
}

func (s *GormStore) ConditionalUpdateShortLink(ctx context.Context, code string, expectedVersion int64, mutate func(*models.ShortLink)) (*models.ShortLink, error) {
	current, err := s.GetShortLink(ctx, code)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("short link %s at version %d: %w", code, expectedVersion, apperrors.ErrConflict)
	}

	next := *current
	mutate(&next)

	// The version predicate makes the write a compare-and-swap: a concurrent
	// writer that committed first leaves zero matching rows.
	result := s.db.WithContext(ctx).
		Model(&models.ShortLink{}).
		Where("code = ? AND version = ?", code, expectedVersion).
		UpdateColumns(map[string]any{
			"target":    next.Target,
			"hit_count": next.HitCount,
			"version":   expectedVersion + 1,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("update short link %s: %w", code, translate(result.Error))
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("short link %s at version %d: %w", code, expectedVersion, apperrors.ErrConflict)
	}

	updated := *current
	updated.Target = next.Target
	updated.HitCount = next.HitCount
	updated.Version = expectedVersion + 1
	return &updated, nil
}

func (s *GormStore) DeleteShortLink(ctx context.Context, code string) error {
	result := s.db.WithContext(ctx).Where("code = ?", code).Delete(&models.ShortLink{})
	if result.Error != nil {
		return fmt.Errorf("delete short link %s: %w", code, translate(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("short link %s: %w", code, apperrors.ErrNotFound)
	}
	return nil
}

func (s *GormStore) ListShortLinks(ctx context.Context, ownerID string) ([]models.ShortLink, error) {
	links := make([]models.ShortLink, 0)
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("hit_count DESC").
		Order("created_at DESC").
		Order("code").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("list short links: %w", translate(err))
	}
	for i := range links {
		links[i].CreatedAt = links[i].CreatedAt.UTC()
	}
	return links, nil
}

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user %s: %w", user.Email, translate(err))
	}
	return nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, fmt.Errorf("user %s: %w", email, translate(err))
	}
	return &user, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("user %s: %w", id, translate(err))
	}
	return &user, nil
}

// translate maps driver errors onto the shared taxonomy. Cancellation is
// passed through so callers can tell it apart from an unreachable store.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return apperrors.ErrAlreadyExists
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
}

// isUniqueViolation recognises lib/pq errors, which gorm's postgres
// dialector does not translate, and SQLite primary key violations on
// driver versions whose translator predates them.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
