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

// WorkerRepository persists worker entities.
type WorkerRepository struct {
	ds *Datastore
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(ds *Datastore) *WorkerRepository {
	return &WorkerRepository{ds: ds}
}

// MergeUpsert reconciles coming with the stored worker entity atomically,
// with the same locking and retry discipline as the task variant.
func (r *WorkerRepository) MergeUpsert(ctx context.Context, coming *domain.WorkerEntity) (*domain.WorkerEntity, error) {
	var merged *domain.WorkerEntity

	for attempt := 0; attempt < conflictRetryBudget; attempt++ {
		err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
			var row model.WorkerRow
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

			var stored *domain.WorkerEntity
			if found {
				if stored, err = rowToWorker(&row); err != nil {
					return err
				}
			}

			merged = merge.Worker(stored, coming)
			next, err := workerToRow(merged)
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
		return nil, fmt.Errorf("failed to upsert worker %s: %w", coming.ID, err)
	}
	return nil, ErrConflictRetryExhausted
}

// Get retrieves a worker entity by hostname within an app environment.
func (r *WorkerRepository) Get(ctx context.Context, appEnv, hostname string) (*domain.WorkerEntity, error) {
	var row model.WorkerRow
	err := r.ds.DB(ctx).
		Where("app_env = ? AND entity_id = ?", appEnv, hostname).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return rowToWorker(&row)
}

// List returns workers for an app environment, optionally by state.
func (r *WorkerRepository) List(ctx context.Context, appEnv, state string, limit int) ([]*domain.WorkerEntity, error) {
	query := r.ds.DB(ctx).Model(&model.WorkerRow{}).Where("app_env = ?", appEnv)
	if state != "" {
		query = query.Where("state = ?", state)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var rows []model.WorkerRow
	if err := query.Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]*domain.WorkerEntity, 0, len(rows))
	for i := range rows {
		worker, err := rowToWorker(&rows[i])
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

// DeleteOlderThan removes workers not updated since cutoff and returns the
// number of deleted rows.
func (r *WorkerRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("updated_at < ?", cutoff).Delete(&model.WorkerRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire workers: %w", result.Error)
	}
	return result.RowsAffected, nil
}
