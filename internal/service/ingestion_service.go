package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kodless/leek/internal/merge"
	"github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/pkg/logger"
	"github.com/kodless/leek/pkg/store/mysql"
)

// IngestionService applies batches of normalized event documents to the
// document store through the merge upsert.
type IngestionService struct {
	repo *mysql.Repository
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo *mysql.Repository) *IngestionService {
	return &IngestionService{repo: repo}
}

// ProcessResult summarizes one processed batch. Documents holds the merged
// state of every persisted entity; Failures maps dropped entity ids to the
// drop reason.
type ProcessResult struct {
	Processed int               `json:"processed"`
	Dropped   int               `json:"dropped"`
	Documents []model.Envelope  `json:"documents,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func (r *ProcessResult) drop(id, reason string) {
	if r.Failures == nil {
		r.Failures = make(map[string]string)
	}
	r.Failures[id] = reason
	r.Dropped++
}

// Process stamps every document with the environment, pre-reduces the batch
// to one document per entity, and merge-upserts each result. Oversized
// documents are dropped and counted; any other persistence failure aborts
// the batch so the agent keeps the messages unacked and retries.
func (s *IngestionService) Process(ctx context.Context, appEnv string, docs []model.Envelope) (*ProcessResult, error) {
	for i := range docs {
		switch docs[i].Kind {
		case model.KindTask:
			docs[i].Task.AppEnv = appEnv
		case model.KindWorker:
			docs[i].Worker.AppEnv = appEnv
		}
	}

	reduced := merge.Reduce(docs)
	result := &ProcessResult{}

	for _, doc := range reduced {
		var err error
		merged := model.Envelope{Kind: doc.Kind}
		switch doc.Kind {
		case model.KindTask:
			merged.Task, err = s.repo.Task.MergeUpsert(ctx, doc.Task)
		case model.KindWorker:
			merged.Worker, err = s.repo.Worker.MergeUpsert(ctx, doc.Worker)
		default:
			logger.WarnCtx(ctx, "document with unknown kind dropped, id: %s", doc.ID())
			result.drop(doc.ID(), "unknown kind")
			continue
		}

		if err != nil {
			if errors.Is(err, mysql.ErrOversizedDocument) {
				logger.WarnCtx(ctx, "oversized document dropped, kind: %s, id: %s", doc.Kind, doc.ID())
				result.drop(doc.ID(), "oversized document")
				continue
			}
			return nil, fmt.Errorf("merge upsert %s %s: %w", doc.Kind, doc.ID(), err)
		}
		result.Processed++
		result.Documents = append(result.Documents, merged)
	}

	logger.DebugCtx(ctx, "batch processed, app_env: %s, persisted: %d, dropped: %d", appEnv, result.Processed, result.Dropped)
	return result, nil
}

// Ready reports whether the document store can take writes.
func (s *IngestionService) Ready() bool {
	return s.repo.Ping() == nil
}
