package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kodless/leek/internal/service"
	"github.com/kodless/leek/pkg/logger"
)

// WorkerHandler serves read access to merged worker documents
type WorkerHandler struct {
	queryService *service.QueryService
}

// NewWorkerHandler creates a new worker handler
func NewWorkerHandler(queryService *service.QueryService) *WorkerHandler {
	return &WorkerHandler{queryService: queryService}
}

// Get returns one worker document by hostname
// @Summary Get worker
// @Produce json
// @Param hostname path string true "Worker hostname"
// @Param app_env query string true "Environment"
// @Success 200 {object} model.WorkerEntity
// @Failure 404 {object} map[string]string
// @Router /v1/workers/:hostname [get]
func (h *WorkerHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	appEnv := requireAppEnv(c)
	if appEnv == "" {
		return
	}

	worker, err := h.queryService.GetWorker(ctx, appEnv, c.Param("hostname"))
	if err != nil {
		logger.ErrorCtx(ctx, "failed to get worker %s: %v", c.Param("hostname"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if worker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}

	c.JSON(http.StatusOK, worker)
}

// List returns worker documents for an environment, optionally filtered
// by state
// @Summary List workers
// @Produce json
// @Param app_env query string true "Environment"
// @Param state query string false "Filter by state"
// @Param limit query int false "Max results"
// @Success 200 {array} model.WorkerEntity
// @Router /v1/workers [get]
func (h *WorkerHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	appEnv := requireAppEnv(c)
	if appEnv == "" {
		return
	}

	workers, err := h.queryService.ListWorkers(ctx, appEnv, c.Query("state"), parseLimit(c))
	if err != nil {
		logger.ErrorCtx(ctx, "failed to list workers: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, workers)
}
