package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/domain"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes task messages to the default exchange, routed to the task queue.
type Publisher struct {
	conn   *Connection
	queue  QueueConfig
	logger *slog.Logger

	mu sync.Mutex
	ch channel
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher. It is unavailable until Connect succeeds.
func NewPublisher(conn *Connection, queue QueueConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		queue:  queue,
		logger: logger.With("component", "amqp_publisher", "queue", queue.Name),
	}
}

// Connect opens a channel and declares the task queue. Calling it on a connected
// publisher does nothing.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		return nil
	}

	ch, err := p.conn.channel()
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrPublisherUnavailable, err)
	}

	if err := declareQueue(ch, p.queue); err != nil {
		_ = ch.Close()
		return fmt.Errorf("%w: %w", broker.ErrPublisherUnavailable, err)
	}

	p.ch = ch
	p.logger.Info("publisher connected", "max_priority", p.queue.MaxPriority)
	return nil
}

// Close releases the channel. Safe on a publisher that never connected.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}

	err := p.ch.Close()
	p.ch = nil
	p.logger.Info("publisher closed")
	if err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}

// Available implements broker.Publisher.
func (p *Publisher) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}

// PublishTask implements broker.Publisher.
func (p *Publisher) PublishTask(ctx context.Context, id uuid.UUID, priority domain.TaskPriority) error {
	body, err := broker.EncodeTaskMessage(id)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrPublisherUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return fmt.Errorf("%w: channel not open", broker.ErrPublisherUnavailable)
	}

	msg := amqp091.Publishing{
		ContentType:  broker.ContentType,
		DeliveryMode: amqp091.Persistent,
		Priority:     broker.PriorityFor(priority),
		MessageId:    id.String(),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, "", p.queue.Name, false, false, msg); err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			// The broker closed the channel; stay unavailable until reconnected.
			p.ch = nil
		}
		p.logger.Error("failed to publish task",
			"task_id", id,
			"error", err)
		return fmt.Errorf("%w: %w", broker.ErrPublisherUnavailable, err)
	}

	p.logger.Debug("task published",
		"task_id", id,
		"priority", msg.Priority)
	return nil
}
