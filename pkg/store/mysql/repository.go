package mysql

import "github.com/kodless/leek/pkg/store/mysql/model"

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Task   *TaskRepository
	Worker *WorkerRepository
}

// NewRepository creates a new MySQL repository with all sub-repositories
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}

	if err := ds.GetDB().AutoMigrate(&model.TaskRow{}, &model.WorkerRow{}); err != nil {
		return nil, err
	}

	return &Repository{
		ds:     ds,
		Task:   NewTaskRepository(ds),
		Worker: NewWorkerRepository(ds),
	}, nil
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Ping verifies the store answers; used by the readiness probe.
func (r *Repository) Ping() error {
	sqlDB, err := r.ds.GetDB().DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
