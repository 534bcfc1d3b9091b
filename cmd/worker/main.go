// Package main implements the standalone task worker. It consumes task ids
// from the broker and runs them through the executor with bounded concurrency.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"github.com/phrazzld/scry-tasks/internal/config"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/phrazzld/scry-tasks/internal/platform/postgres"
	"github.com/phrazzld/scry-tasks/internal/platform/transport"
	"github.com/phrazzld/scry-tasks/internal/redact"
	"github.com/phrazzld/scry-tasks/internal/task"
)

const shutdownTimeout = 30 * time.Second

// errInProcessBroker is returned when the configured broker only exists inside the API process.
var errInProcessBroker = errors.New("the memory broker cannot be consumed by a separate worker; enable worker.embedded on the server instead")

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(logger.LoggerConfig{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.Error("Error closing database connection", "error", err)
		}
	}()

	tr, err := transport.Open(ctx, cfg.Broker, cfg.Worker.PrefetchCount, l)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			l.Error("Error closing broker connection", "error", err)
		}
	}()
	if tr.InProcess() {
		return errInProcessBroker
	}

	executor := task.NewExecutor(postgres.NewPostgresTaskStore(db), task.NewDefaultProcessor(), l)
	pool := task.NewWorkerPool(tr.Source, executor, task.WorkerPoolConfig{
		Concurrency: cfg.Worker.Concurrency,
	}, l)
	pool.SetErrorHandler(func(id uuid.UUID, err error) {
		l.Error("task handling failed", "task_id", id, "error", redact.Error(err))
	})

	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	l.Info("Worker started",
		"driver", tr.Driver,
		"queue", cfg.Broker.Queue,
		"concurrency", pool.Concurrency(),
		"prefetch", cfg.Worker.PrefetchCount)

	<-ctx.Done()
	l.Info("Shutting down worker...", "in_flight", pool.InFlight())

	// The deferred tr.Close closes the consumer channels only after Stop has
	// drained the pool, so in-flight acks still reach the broker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("worker pool did not stop cleanly: %w", err)
	}

	l.Info("Worker shutdown completed")
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %s", redact.Error(err))
	}

	// Each execution slot holds at most one connection at a time.
	db.SetMaxOpenConns(max(cfg.Database.MaxOpenConns, cfg.Worker.Concurrency))
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %s", redact.Error(err))
	}

	slog.Info("Database connection established")
	return db, nil
}
