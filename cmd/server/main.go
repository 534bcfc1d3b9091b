// Package main implements the entry point for the task API server, which
// accepts tasks over HTTP, persists them and publishes them to the broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/phrazzld/scry-tasks/internal/platform/postgres"
)

func main() {
	migrateCmd := flag.String(
		"migrate",
		"",
		"run a migration command and exit ("+strings.Join(postgres.MigrationCommands, "|")+")",
	)
	flag.Parse()

	if err := run(context.Background(), *migrateCmd); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// run wires every dependency and blocks until the server has shut down.
func run(ctx context.Context, migrateCmd string) error {
	cfg, err := loadAppConfig()
	if err != nil {
		return err
	}

	logger, err := setupAppLogger(cfg)
	if err != nil {
		return err
	}

	db, err := setupAppDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connection", "error", err)
		}
	}()

	if migrateCmd != "" {
		if err := postgres.Migrate(ctx, db, migrateCmd, logger); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return nil
	}

	tr := setupAppBroker(ctx, cfg, logger)
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Error("Error closing broker connection", "error", err)
		}
	}()

	app, err := newApplication(cfg, logger, postgres.NewPostgresTaskStore(db), tr)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.Run(ctx)
}
