package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kodless/leek/internal/consumer"
	"github.com/kodless/leek/internal/normalizer"
	"github.com/kodless/leek/pkg/config"
	"github.com/kodless/leek/pkg/logger"
)

// Application manages the lifecycle of the agent: one consumer per
// configured subscription, all sharing one process
type Application struct {
	// Infrastructure components
	config     *config.Config
	normalizer *normalizer.Normalizer

	// One consumer per subscription
	consumers []*consumer.Consumer

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

// Initialize initializes all agent components
func (app *Application) Initialize() error {
	var err error

	// Initialize components in order
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Normalizer", app.initNormalizer},
		{"Consumers", app.initConsumers},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Agent initialization completed")
	return nil
}

// Start launches every subscription consumer
func (app *Application) Start() error {
	for _, c := range app.consumers {
		c := c
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := c.Run(app.ctx); err != nil {
				logger.ErrorCtx(app.ctx, "consumer exited with error: %v", err)
			}
		}()
	}

	logger.InfoCtx(app.ctx, "All %d subscription consumers started", len(app.consumers))
	return nil
}

// Shutdown gracefully shuts down the agent. Consumers best-effort flush
// their in-flight batches; whatever misses the timeout is redelivered by
// the broker on the next start.
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app.cancel()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All consumers terminated")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some consumers may not have terminated")
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
	if len(config.GlobalConfig.Subscriptions) == 0 {
		return fmt.Errorf("no subscriptions configured")
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

// initNormalizer initializes event normalization
func (app *Application) initNormalizer() error {
	n := app.config.Normalization
	app.normalizer = normalizer.New(normalizer.Options{
		PromotedArgs:       n.PromotedArgs,
		ArgValueMaxLen:     n.ArgValueMaxLen,
		KwargsMaxDepth:     n.KwargsMaxDepth,
		KwargsMaxListItems: n.KwargsMaxListItems,
		KwargsMaxStringLen: n.KwargsMaxStringLen,
	})
	return nil
}

// initConsumers builds one consumer per configured subscription
func (app *Application) initConsumers() error {
	seen := make(map[string]bool)
	for _, sub := range app.config.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscription without a name")
		}
		if seen[sub.Name] {
			return fmt.Errorf("duplicate subscription name %q", sub.Name)
		}
		seen[sub.Name] = true
		app.consumers = append(app.consumers, consumer.New(sub, app.config.Collector, app.normalizer))
	}
	return nil
}
