package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/config"
	"github.com/phrazzld/scry-tasks/internal/platform/amqp"
	"github.com/phrazzld/scry-tasks/internal/platform/redisq"
)

// Supported broker drivers.
const (
	DriverAMQP   = "amqp"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// ErrUnknownDriver is returned by Open for a driver it does not recognise.
var ErrUnknownDriver = errors.New("unknown broker driver")

// Transport bundles the publisher and source for one broker connection.
type Transport struct {
	Driver    string
	Publisher broker.Publisher
	Source    broker.Source

	closers []func() error
}

// Close releases the publisher, the consumer channels and the connection, in
// that order. A worker pool reading Source must be stopped first so that its
// in-flight deliveries can still be acked. Safe to call more than once.
func (t *Transport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// InProcess reports whether messages only exist inside this process, in which
// case a consumer has to run in the same process as the publisher.
func (t *Transport) InProcess() bool {
	return t.Driver == DriverMemory
}

// Open connects to the broker described by cfg. prefetch bounds how many
// unacknowledged messages the broker pushes to each consumer.
func Open(ctx context.Context, cfg config.BrokerConfig, prefetch int, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case DriverAMQP:
		return openAMQP(ctx, cfg, prefetch, logger)
	case DriverRedis:
		return openRedis(ctx, cfg, logger)
	case DriverMemory:
		q := broker.NewMemoryQueue(logger)
		return &Transport{
			Driver:    DriverMemory,
			Publisher: q,
			Source:    q,
			closers:   []func() error{func() error { q.Close(); return nil }},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func openAMQP(ctx context.Context, cfg config.BrokerConfig, prefetch int, logger *slog.Logger) (*Transport, error) {
	conn, err := amqp.Dial(cfg.URL, logger)
	if err != nil {
		return nil, err
	}

	queue := amqp.QueueConfig{Name: cfg.Queue, MaxPriority: cfg.MaxPriority}
	publisher := amqp.NewPublisher(conn, queue, logger)
	if err := publisher.Connect(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	source := amqp.NewSource(conn, queue, prefetch, logger)
	return &Transport{
		Driver:    DriverAMQP,
		Publisher: publisher,
		Source:    source,
		closers:   []func() error{conn.Close, source.Close, publisher.Close},
	}, nil
}

func openRedis(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (*Transport, error) {
	client, err := redisq.Dial(ctx, cfg.URL, logger)
	if err != nil {
		return nil, err
	}

	return &Transport{
		Driver:    DriverRedis,
		Publisher: redisq.NewPublisher(client, cfg.Queue),
		Source:    redisq.NewSource(client, cfg.Queue),
		closers:   []func() error{client.Close},
	}, nil
}
