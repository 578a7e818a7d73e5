package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/internal/service"
	"github.com/kodless/leek/pkg/logger"
)

// EventsHandler handles event batch ingestion from agents
type EventsHandler struct {
	ingestionService *service.IngestionService
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(ingestionService *service.IngestionService) *EventsHandler {
	return &EventsHandler{ingestionService: ingestionService}
}

// Process ingests one batch of normalized event documents. A 201 tells the
// agent the batch is persisted and safe to ack; anything else leaves the
// batch unacked on the agent side.
// @Summary Process event batch
// @Description Merge-upsert a batch of task/worker event documents
// @Tags events
// @Accept json
// @Produce json
// @Param x-leek-app-env header string true "Target environment"
// @Param request body []model.Envelope true "Event documents"
// @Success 201 {object} service.ProcessResult
// @Router /v1/events/process [post]
func (h *EventsHandler) Process(c *gin.Context) {
	ctx := c.Request.Context()

	appEnv := c.GetHeader("x-leek-app-env")
	if appEnv == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-leek-app-env header required"})
		return
	}

	var docs []model.Envelope
	if err := c.ShouldBindJSON(&docs); err != nil {
		logger.WarnCtx(ctx, "undecodable batch from app_env %s: %v", appEnv, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch payload"})
		return
	}

	// An empty batch is a successful no-op; the agent acks whatever
	// produced it.
	if len(docs) == 0 {
		c.JSON(http.StatusCreated, &service.ProcessResult{})
		return
	}

	result, err := h.ingestionService.Process(ctx, appEnv, docs)
	if err != nil {
		logger.ErrorCtx(ctx, "batch processing failed, app_env: %s, size: %d, error: %v", appEnv, len(docs), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event store unavailable"})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// Ready answers agent readiness probes. Agents in draining backoff poll
// this before resuming consumption.
// @Summary Collector readiness
// @Produce plain
// @Success 200 {string} string "Ready!"
// @Router /v1/events/process [get]
func (h *EventsHandler) Ready(c *gin.Context) {
	if !h.ingestionService.Ready() {
		c.String(http.StatusServiceUnavailable, "Not ready")
		return
	}
	c.String(http.StatusOK, "Ready!")
}
