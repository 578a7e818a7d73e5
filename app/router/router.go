package router

import (
	"github.com/gin-gonic/gin"

	"github.com/kodless/leek/app/handler"
	"github.com/kodless/leek/app/middleware"
)

// Router Router
type Router struct {
	eventsHandler *handler.EventsHandler
	taskHandler   *handler.TaskHandler
	workerHandler *handler.WorkerHandler
}

// NewRouter creates a new Router
func NewRouter(eventsHandler *handler.EventsHandler, taskHandler *handler.TaskHandler, workerHandler *handler.WorkerHandler) *Router {
	return &Router{
		eventsHandler: eventsHandler,
		taskHandler:   taskHandler,
		workerHandler: workerHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	v1 := engine.Group("/v1")
	{
		// Agent ingestion interface
		events := v1.Group("/events")
		{
			events.POST("/process", r.eventsHandler.Process)
			events.GET("/process", r.eventsHandler.Ready) // readiness probe for draining agents
		}

		// Query interface over merged documents
		v1.GET("/tasks", r.taskHandler.List)
		v1.GET("/tasks/:uuid", r.taskHandler.Get)
		v1.GET("/workers", r.workerHandler.List)
		v1.GET("/workers/:hostname", r.workerHandler.Get)
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
