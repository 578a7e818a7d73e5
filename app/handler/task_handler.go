package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kodless/leek/internal/service"
	"github.com/kodless/leek/pkg/logger"
	"github.com/kodless/leek/pkg/store/mysql"
)

// TaskHandler serves read access to merged task documents
type TaskHandler struct {
	queryService *service.QueryService
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(queryService *service.QueryService) *TaskHandler {
	return &TaskHandler{queryService: queryService}
}

// Get returns one task document by uuid
// @Summary Get task
// @Produce json
// @Param uuid path string true "Task uuid"
// @Param app_env query string true "Environment"
// @Success 200 {object} model.TaskEntity
// @Failure 404 {object} map[string]string
// @Router /v1/tasks/:uuid [get]
func (h *TaskHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	appEnv := requireAppEnv(c)
	if appEnv == "" {
		return
	}

	task, err := h.queryService.GetTask(ctx, appEnv, c.Param("uuid"))
	if err != nil {
		logger.ErrorCtx(ctx, "failed to get task %s: %v", c.Param("uuid"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// List returns task documents matching the query filters, most recently
// updated first
// @Summary List tasks
// @Produce json
// @Param app_env query string true "Environment"
// @Param state query string false "Filter by state"
// @Param name query string false "Filter by task name"
// @Param queue query string false "Filter by queue"
// @Param worker query string false "Filter by worker hostname"
// @Param limit query int false "Max results"
// @Success 200 {array} model.TaskEntity
// @Router /v1/tasks [get]
func (h *TaskHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	appEnv := requireAppEnv(c)
	if appEnv == "" {
		return
	}

	filter := mysql.TaskFilter{
		AppEnv: appEnv,
		State:  c.Query("state"),
		Name:   c.Query("name"),
		Queue:  c.Query("queue"),
		Worker: c.Query("worker"),
		Limit:  parseLimit(c),
	}

	tasks, err := h.queryService.ListTasks(ctx, filter)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to list tasks: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

// requireAppEnv resolves the environment from the query string or the agent
// header, rejecting the request when neither is set.
func requireAppEnv(c *gin.Context) string {
	appEnv := c.Query("app_env")
	if appEnv == "" {
		appEnv = c.GetHeader("x-leek-app-env")
	}
	if appEnv == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_env required"})
	}
	return appEnv
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
