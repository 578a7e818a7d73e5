package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kodless/leek/app/handler"
	"github.com/kodless/leek/app/router"
	"github.com/kodless/leek/internal/jobs"
	"github.com/kodless/leek/internal/service"
	"github.com/kodless/leek/pkg/config"
	"github.com/kodless/leek/pkg/logger"
	mysqlstore "github.com/kodless/leek/pkg/store/mysql"
)

// Application manages the lifecycle of the collector
type Application struct {
	// Infrastructure components
	config    *config.Config
	mysqlRepo *mysqlstore.Repository

	// Service layer
	ingestionService *service.IngestionService
	queryService     *service.QueryService

	// Handler layer
	eventsHandler *handler.EventsHandler
	taskHandler   *handler.TaskHandler
	workerHandler *handler.WorkerHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all collector components
func (app *Application) Initialize() error {
	var err error

	// Initialize components in order
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"MySQL", app.initMySQL},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Collector initialization completed")
	return nil
}

// Start starts background jobs and the HTTP server
func (app *Application) Start() error {
	if app.jobsManager != nil {
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the collector
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// Stop HTTP server (stop accepting new requests)
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// Wait for in-flight requests to complete
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All requests completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some requests may not have completed")
	}

	// Execute all cleanup functions (in reverse registration order)
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.Sync()

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
	})
	return nil
}

// initMySQL initializes the document store
func (app *Application) initMySQL() error {
	repo, err := mysqlstore.NewRepository(app.config.MySQL.DSN())
	if err != nil {
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	return nil
}

// initServices initializes the service layer
func (app *Application) initServices() error {
	app.ingestionService = service.NewIngestionService(app.mysqlRepo)
	app.queryService = service.NewQueryService(app.mysqlRepo)
	return nil
}

// initJobs initializes background jobs
func (app *Application) initJobs() error {
	if !app.config.Retention.Enabled {
		return nil
	}
	app.jobsManager = jobs.NewManager(app.ctx)
	app.jobsManager.Register(jobs.NewRetentionJob(
		app.mysqlRepo,
		app.config.Retention.MaxAgeInDays,
		app.config.Retention.IntervalInMinutes,
	))
	return nil
}

// initHandlers initializes the handler layer
func (app *Application) initHandlers() error {
	app.eventsHandler = handler.NewEventsHandler(app.ingestionService)
	app.taskHandler = handler.NewTaskHandler(app.queryService)
	app.workerHandler = handler.NewWorkerHandler(app.queryService)
	return nil
}

// initHTTPServer initializes the HTTP server
func (app *Application) initHTTPServer() error {
	if app.config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.ginEngine = gin.New()
	r := router.NewRouter(app.eventsHandler, app.taskHandler, app.workerHandler)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}

	return nil
}
