package jobs

import (
	"context"
	"time"

	"github.com/kodless/leek/pkg/logger"
	"github.com/kodless/leek/pkg/store/mysql"
)

// RetentionJob expires merged documents that have not been updated within
// the retention window. Terminal tasks stop receiving events, so updated_at
// is a faithful staleness signal.
type RetentionJob struct {
	repo     *mysql.Repository
	maxAge   time.Duration
	interval time.Duration
}

// NewRetentionJob creates a retention job
func NewRetentionJob(repo *mysql.Repository, maxAgeDays, intervalMinutes int) *RetentionJob {
	return &RetentionJob{
		repo:     repo,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		interval: time.Duration(intervalMinutes) * time.Minute,
	}
}

// Name implements Job
func (j *RetentionJob) Name() string {
	return "document-retention"
}

// Interval implements Job
func (j *RetentionJob) Interval() time.Duration {
	return j.interval
}

// AlignToInterval runs the cleanup on interval boundaries so multiple
// collector replicas delete at roughly the same moment instead of each on
// its own startup clock.
func (j *RetentionJob) AlignToInterval() bool {
	return true
}

// Run deletes task and worker documents older than the retention window.
func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.maxAge)

	tasks, err := j.repo.Task.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	workers, err := j.repo.Worker.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if tasks > 0 || workers > 0 {
		logger.InfoCtx(ctx, "retention cleanup removed %d tasks and %d workers older than %s", tasks, workers, cutoff.Format(time.RFC3339))
	}
	return nil
}
