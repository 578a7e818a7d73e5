package model

import "time"

// WorkerRow is the storage shape of a worker entity, keyed by hostname
// within one app environment.
type WorkerRow struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	AppEnv   string `gorm:"column:app_env;size:64;uniqueIndex:uk_worker_env_host,priority:1"`
	EntityID string `gorm:"column:entity_id;size:191;uniqueIndex:uk_worker_env_host,priority:2"`

	State string `gorm:"size:16;index"`

	ExactTimestamp float64 `gorm:"column:exact_timestamp"`
	EventsCount    int64   `gorm:"column:events_count"`

	Document []byte `gorm:"type:mediumblob"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm default
func (WorkerRow) TableName() string {
	return "worker_entities"
}
