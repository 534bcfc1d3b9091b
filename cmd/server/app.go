package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/scry-tasks/internal/api"
	"github.com/phrazzld/scry-tasks/internal/config"
	"github.com/phrazzld/scry-tasks/internal/platform/transport"
	"github.com/phrazzld/scry-tasks/internal/service"
	"github.com/phrazzld/scry-tasks/internal/store"
	"github.com/phrazzld/scry-tasks/internal/task"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	taskStore   store.TaskStore
	transport   *transport.Transport
	taskService service.TaskService
	taskHandler *api.TaskHandler

	// workerPool is nil unless the worker runs inside the API process.
	workerPool *task.WorkerPool
}

// newApplication creates a new application instance with all dependencies initialized.
// The database and broker connections are owned by the caller.
func newApplication(
	cfg *config.Config,
	logger *slog.Logger,
	taskStore store.TaskStore,
	tr *transport.Transport,
) (*application, error) {
	app := &application{
		config:    cfg,
		logger:    logger,
		taskStore: taskStore,
		transport: tr,
	}

	var err error
	app.taskService, err = service.NewTaskService(taskStore, tr.Publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	app.taskHandler = api.NewTaskHandler(app.taskService, api.PaginationConfig{
		DefaultPageSize: cfg.Pagination.DefaultPageSize,
		MaxPageSize:     cfg.Pagination.MaxPageSize,
	}, logger)

	if cfg.Worker.Embedded || tr.InProcess() {
		app.workerPool = app.setupWorkerPool()
	}

	logger.Info("Application initialized successfully",
		"embedded_worker", app.workerPool != nil)
	return app, nil
}

// setupWorkerPool builds the embedded consumer. It returns nil when the broker
// has no source to consume from.
func (app *application) setupWorkerPool() *task.WorkerPool {
	if app.transport.Source == nil {
		app.logger.Warn("Embedded worker disabled, broker has no source")
		return nil
	}

	executor := task.NewExecutor(app.taskStore, task.NewDefaultProcessor(), app.logger)
	return task.NewWorkerPool(app.transport.Source, executor, task.WorkerPoolConfig{
		Concurrency: app.config.Worker.Concurrency,
	}, app.logger)
}

// Run starts the embedded worker, if any, and serves HTTP until ctx is done or
// a shutdown signal arrives.
func (app *application) Run(ctx context.Context) error {
	if app.workerPool != nil {
		if err := app.workerPool.Start(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// cleanup stops background processing once the HTTP server no longer accepts requests.
func (app *application) cleanup(ctx context.Context) {
	if app.workerPool != nil {
		if err := app.workerPool.Stop(ctx); err != nil {
			app.logger.Error("Worker pool did not stop cleanly", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
