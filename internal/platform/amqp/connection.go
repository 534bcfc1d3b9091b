package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/scry-tasks/internal/redact"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp091.Channel used by the publisher and source.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// QueueConfig names the task queue and its priority range.
type QueueConfig struct {
	Name        string
	MaxPriority int
}

// Connection owns a single broker connection for the lifetime of the process.
// Create it in main with Dial and release it with Close.
type Connection struct {
	conn        *amqp091.Connection
	openChannel func() (channel, error)
	closeOnce   sync.Once
	logger      *slog.Logger
}

// Dial connects to the broker at url.
func Dial(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %s", redact.Error(err))
	}

	c := newConnection(func() (channel, error) { return conn.Channel() }, logger)
	c.conn = conn
	c.logger.Info("connected to broker")
	return c, nil
}

func newConnection(openChannel func() (channel, error), logger *slog.Logger) *Connection {
	return &Connection{
		openChannel: openChannel,
		logger:      logger.With("component", "amqp"),
	}
}

// Close closes the connection and every channel opened on it. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn == nil || c.conn.IsClosed() {
			return
		}
		err = c.conn.Close()
		c.logger.Info("broker connection closed")
	})
	return err
}

func (c *Connection) channel() (channel, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// declareQueue declares the durable task queue. Publisher and source must use
// identical arguments or the broker rejects the second declaration.
func declareQueue(ch channel, cfg QueueConfig) error {
	_, err := ch.QueueDeclare(
		cfg.Name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp091.Table{"x-max-priority": int32(cfg.MaxPriority)},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", cfg.Name, err)
	}
	return nil
}
