package models

import (
	"time"
)

// Column limits shared by validation and the schema.
const (
	MaxCodeLength   = 10
	MaxTargetLength = 2048
)

// ShortLink maps a short code to its target URL. Version is bumped on every
// mutation and must be presented by writers (optimistic concurrency).
type ShortLink struct {
	Code      string    `gorm:"primaryKey;size:10" json:"code"`
	Target    string    `gorm:"size:2048;not null" json:"target"`
	OwnerID   string    `gorm:"size:36;not null;index" json:"ownerId"`
	HitCount  int64     `gorm:"not null;default:0" json:"hitCount"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	Version   int64     `gorm:"not null;default:1" json:"-"`
}

func (ShortLink) TableName() string { return "short_links" }

// DailyCreationCounter holds one row per owner, reused across days.
type DailyCreationCounter struct {
	OwnerID     string    `gorm:"primaryKey;size:36" json:"ownerId"`
	Count       int       `gorm:"not null;default:0" json:"count"`
	WindowStart time.Time `gorm:"not null" json:"windowStart"`
}

func (DailyCreationCounter) TableName() string { return "daily_creation_counters" }

// AccessEvent is append-only; old rows are pruned by the retention job.
type AccessEvent struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	SubjectKey string    `gorm:"size:64;not null;index:idx_access_events_subject_ts,priority:1" json:"subjectKey"`
	Timestamp  time.Time `gorm:"column:occurred_at;not null;index:idx_access_events_subject_ts,priority:2" json:"timestamp"`
}

func (AccessEvent) TableName() string { return "access_events" }
