package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/domain"
)

// Publisher adds task messages to the queue's sorted set.
type Publisher struct {
	client *Client
	key    string
	now    func() time.Time
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher writing to the sorted set named queue.
func NewPublisher(client *Client, queue string) *Publisher {
	return &Publisher{client: client, key: queue, now: time.Now}
}

// Available implements broker.Publisher.
func (p *Publisher) Available() bool {
	return p.client != nil && !p.client.isClosed()
}

// PublishTask implements broker.Publisher.
func (p *Publisher) PublishTask(ctx context.Context, id uuid.UUID, priority domain.TaskPriority) error {
	if !p.Available() {
		return fmt.Errorf("%w: redis client closed", broker.ErrPublisherUnavailable)
	}

	body, err := broker.EncodeTaskMessage(id)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrPublisherUnavailable, err)
	}

	member := &redis.Z{
		Score:  score(broker.PriorityFor(priority), p.now()),
		Member: string(body),
	}
	if err := p.client.rdb.ZAdd(ctx, p.key, member).Err(); err != nil {
		p.client.logger.Error("failed to publish task",
			"task_id", id,
			"error", err)
		return fmt.Errorf("%w: %w", broker.ErrPublisherUnavailable, err)
	}

	p.client.logger.Debug("task published", "task_id", id, "queue", p.key)
	return nil
}
