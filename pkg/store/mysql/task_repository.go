package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kodless/leek/internal/merge"
	domain "github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/pkg/store/mysql/model"
)

// TaskRepository persists task entities.
type TaskRepository struct {
	ds *Datastore
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(ds *Datastore) *TaskRepository {
	return &TaskRepository{ds: ds}
}

// MergeUpsert reconciles coming with the stored entity atomically: the row
// is locked for the duration of the merge so concurrent writers of the same
// id serialize at the store instead of racing read-modify-write. First
// writes race on the unique key; a loser retries and takes the merge path.
func (r *TaskRepository) MergeUpsert(ctx context.Context, coming *domain.TaskEntity) (*domain.TaskEntity, error) {
	var merged *domain.TaskEntity

	for attempt := 0; attempt < conflictRetryBudget; attempt++ {
		err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
			var row model.TaskRow
			found := true
			err := r.ds.DB(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("app_env = ? AND entity_id = ?", coming.AppEnv, coming.ID).
				First(&row).Error
			if err != nil {
				if err != gorm.ErrRecordNotFound {
					return err
				}
				found = false
			}

			var stored *domain.TaskEntity
			if found {
				if stored, err = rowToTask(&row); err != nil {
					return err
				}
			}

			merged = merge.Task(stored, coming)
			next, err := taskToRow(merged)
			if err != nil {
				return err
			}
			if len(next.Document) > maxDocumentBytes {
				return ErrOversizedDocument
			}

			if !found {
				return r.ds.DB(ctx).Create(next).Error
			}
			next.ID = row.ID
			next.CreatedAt = row.CreatedAt
			return r.ds.DB(ctx).Save(next).Error
		})
		if err == nil {
			return merged, nil
		}
		if isRetryableConflict(err) {
			continue
		}
		if isOversized(err) || err == ErrOversizedDocument {
			return nil, ErrOversizedDocument
		}
		return nil, fmt.Errorf("failed to upsert task %s: %w", coming.ID, err)
	}
	return nil, ErrConflictRetryExhausted
}

// Get retrieves a task entity by uuid within an app environment.
func (r *TaskRepository) Get(ctx context.Context, appEnv, uuid string) (*domain.TaskEntity, error) {
	var row model.TaskRow
	err := r.ds.DB(ctx).
		Where("app_env = ? AND entity_id = ?", appEnv, uuid).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return rowToTask(&row)
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	AppEnv string
	State  string
	Name   string
	Queue  string
	Worker string
	Limit  int
}

// List returns the most recently updated tasks matching the filter.
func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]*domain.TaskEntity, error) {
	query := r.ds.DB(ctx).Model(&model.TaskRow{}).Where("app_env = ?", filter.AppEnv)
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Name != "" {
		query = query.Where("name = ?", filter.Name)
	}
	if filter.Queue != "" {
		query = query.Where("queue = ?", filter.Queue)
	}
	if filter.Worker != "" {
		query = query.Where("worker = ?", filter.Worker)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var rows []model.TaskRow
	if err := query.Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]*domain.TaskEntity, 0, len(rows))
	for i := range rows {
		task, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// DeleteOlderThan removes tasks not updated since cutoff and returns the
// number of deleted rows.
func (r *TaskRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("updated_at < ?", cutoff).Delete(&model.TaskRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
