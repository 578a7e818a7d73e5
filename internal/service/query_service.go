package service

import (
	"context"

	"github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/pkg/store/mysql"
)

// QueryService serves read access to the merged task and worker documents.
type QueryService struct {
	repo *mysql.Repository
}

// NewQueryService creates a new query service
func NewQueryService(repo *mysql.Repository) *QueryService {
	return &QueryService{repo: repo}
}

// GetTask returns one task document by uuid, nil when absent.
func (s *QueryService) GetTask(ctx context.Context, appEnv, uuid string) (*model.TaskEntity, error) {
	return s.repo.Task.Get(ctx, appEnv, uuid)
}

// ListTasks returns task documents matching the filter, most recently
// updated first.
func (s *QueryService) ListTasks(ctx context.Context, filter mysql.TaskFilter) ([]*model.TaskEntity, error) {
	return s.repo.Task.List(ctx, filter)
}

// GetWorker returns one worker document by hostname, nil when absent.
func (s *QueryService) GetWorker(ctx context.Context, appEnv, hostname string) (*model.WorkerEntity, error) {
	return s.repo.Worker.Get(ctx, appEnv, hostname)
}

// ListWorkers returns worker documents for an environment, optionally
// filtered by state.
func (s *QueryService) ListWorkers(ctx context.Context, appEnv, state string, limit int) ([]*model.WorkerEntity, error) {
	return s.repo.Worker.List(ctx, appEnv, state, limit)
}
