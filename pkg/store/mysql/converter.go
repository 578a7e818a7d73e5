package mysql

import (
	"encoding/json"
	"fmt"

	domain "github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/pkg/store/mysql/model"
)

func taskToRow(task *domain.TaskEntity) (*model.TaskRow, error) {
	doc, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize task entity: %w", err)
	}
	row := &model.TaskRow{
		AppEnv:      task.AppEnv,
		EntityID:    task.ID,
		State:       task.State,
		EventsCount: task.EventsCount,
		Document:    doc,
	}
	if task.Name != nil {
		row.Name = *task.Name
	}
	if task.Queue != nil {
		row.Queue = *task.Queue
	}
	if task.Worker != nil {
		row.Worker = *task.Worker
	}
	if task.ExactTimestamp != nil {
		row.ExactTimestamp = *task.ExactTimestamp
	}
	return row, nil
}

func rowToTask(row *model.TaskRow) (*domain.TaskEntity, error) {
	var task domain.TaskEntity
	if err := json.Unmarshal(row.Document, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task entity %s: %w", row.EntityID, err)
	}
	return &task, nil
}

func workerToRow(worker *domain.WorkerEntity) (*model.WorkerRow, error) {
	doc, err := json.Marshal(worker)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize worker entity: %w", err)
	}
	row := &model.WorkerRow{
		AppEnv:      worker.AppEnv,
		EntityID:    worker.ID,
		State:       worker.State,
		EventsCount: worker.EventsCount,
		Document:    doc,
	}
	if worker.ExactTimestamp != nil {
		row.ExactTimestamp = *worker.ExactTimestamp
	}
	return row, nil
}

func rowToWorker(row *model.WorkerRow) (*domain.WorkerEntity, error) {
	var worker domain.WorkerEntity
	if err := json.Unmarshal(row.Document, &worker); err != nil {
		return nil, fmt.Errorf("failed to decode worker entity %s: %w", row.EntityID, err)
	}
	return &worker, nil
}
