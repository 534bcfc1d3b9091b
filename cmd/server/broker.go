package main

import (
	"context"
	"log/slog"

	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/config"
	"github.com/phrazzld/scry-tasks/internal/platform/transport"
)

// setupAppBroker connects to the configured broker. When the broker cannot be
// reached the server still starts: reads keep working and task creation
// answers 503 until the process is restarted with a reachable broker.
func setupAppBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) *transport.Transport {
	tr, err := transport.Open(ctx, cfg.Broker, cfg.Worker.PrefetchCount, logger)
	if err != nil {
		logger.Error("Broker unavailable, task creation is disabled",
			"driver", cfg.Broker.Driver,
			"error", err)
		return &transport.Transport{
			Driver:    cfg.Broker.Driver,
			Publisher: broker.NullPublisher{},
		}
	}

	logger.Info("Broker ready", "driver", tr.Driver, "queue", cfg.Broker.Queue)
	return tr
}
