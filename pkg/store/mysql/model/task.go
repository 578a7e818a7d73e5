package model

import "time"

// TaskRow is the storage shape of a task entity. The full document is kept
// as JSON; a few attributes are promoted to columns for filtering and for
// the unique key the atomic upsert locks on.
type TaskRow struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	AppEnv   string `gorm:"column:app_env;size:64;uniqueIndex:uk_task_env_uuid,priority:1"`
	EntityID string `gorm:"column:entity_id;size:191;uniqueIndex:uk_task_env_uuid,priority:2"`

	State  string `gorm:"size:16;index"`
	Name   string `gorm:"size:255;index"`
	Queue  string `gorm:"size:255;index"`
	Worker string `gorm:"size:255;index"`

	ExactTimestamp float64 `gorm:"column:exact_timestamp"`
	EventsCount    int64   `gorm:"column:events_count"`

	Document []byte `gorm:"type:mediumblob"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm default
func (TaskRow) TableName() string {
	return "task_entities"
}
