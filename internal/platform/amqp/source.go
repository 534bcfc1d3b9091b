package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/broker"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Source consumes the task queue with manual acknowledgements.
type Source struct {
	conn     *Connection
	queue    QueueConfig
	prefetch int
	logger   *slog.Logger

	mu       sync.Mutex
	channels []channel
}

var _ broker.Source = (*Source)(nil)

// NewSource creates a source that lets the broker push at most prefetch
// unacknowledged messages to this consumer.
func NewSource(conn *Connection, queue QueueConfig, prefetch int, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		conn:     conn,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger.With("component", "amqp_source", "queue", queue.Name),
	}
}

// Deliveries implements broker.Source. Each call opens its own channel. When
// ctx is done the consumer is cancelled but the channel stays open, so
// deliveries already handed out can still be acked; Close releases it.
func (s *Source) Deliveries(ctx context.Context) (<-chan broker.Delivery, error) {
	ch, err := s.conn.channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := declareQueue(ch, s.queue); err != nil {
		_ = ch.Close()
		return nil, err
	}

	tag := "scry-worker-" + uuid.NewString()
	msgs, err := ch.Consume(
		s.queue.Name,
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()

	s.logger.Info("consuming task queue", "prefetch", s.prefetch, "consumer", tag)

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				s.cancel(ch, tag)
				return
			case d, ok := <-msgs:
				if !ok {
					s.logger.Warn("broker closed the delivery stream")
					return
				}
				select {
				case out <- &delivery{d: d}:
				case <-ctx.Done():
					// Never handed out; the broker redelivers it once the channel closes.
					s.cancel(ch, tag)
					return
				}
			}
		}
	}()

	return out, nil
}

// cancel stops the broker from pushing further messages to the consumer.
func (s *Source) cancel(ch channel, tag string) {
	if err := ch.Cancel(tag, false); err != nil {
		s.logger.Debug("failed to cancel consumer", "consumer", tag, "error", err)
	}
}

// Close closes every channel opened by Deliveries. Call it once all handed
// out deliveries are acked; unacknowledged messages return to the queue.
// Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			s.logger.Debug("failed to close consumer channel", "error", err)
		}
	}
	return nil
}

type delivery struct {
	d amqp091.Delivery
}

func (d *delivery) Body() []byte { return d.d.Body }
func (d *delivery) Ack() error   { return d.d.Ack(false) }
