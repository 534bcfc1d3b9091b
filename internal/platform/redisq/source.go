package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/phrazzld/scry-tasks/internal/broker"
)

// Source pops task messages from the queue's sorted set, highest score first.
type Source struct {
	client      *Client
	key         string
	pollTimeout time.Duration
	retryDelay  time.Duration
}

var _ broker.Source = (*Source)(nil)

// NewSource creates a source reading the sorted set named queue.
func NewSource(client *Client, queue string) *Source {
	return &Source{
		client:      client,
		key:         queue,
		pollTimeout: time.Second,
		retryDelay:  time.Second,
	}
}

// Deliveries implements broker.Source.
func (s *Source) Deliveries(ctx context.Context) (<-chan broker.Delivery, error) {
	if s.client.isClosed() {
		return nil, fmt.Errorf("redis client closed")
	}

	log := s.client.logger.With("queue", s.key)
	log.Info("consuming task queue")

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil || s.client.isClosed() {
				return
			}

			popped, err := s.client.rdb.BZPopMax(ctx, s.pollTimeout, s.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil || s.client.isClosed() {
					return
				}
				log.Error("failed to pop from task queue", "error", err)
				select {
				case <-time.After(s.retryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			d := &delivery{body: memberBytes(popped.Member)}
			select {
			case out <- d:
			case <-ctx.Done():
				// Put it back with its original score so it keeps its place.
				if err := s.client.rdb.ZAdd(context.Background(), s.key, &popped.Z).Err(); err != nil {
					log.Error("failed to return message to queue", "body", string(d.body), "error", err)
				}
				return
			}
		}
	}()

	return out, nil
}

func memberBytes(member interface{}) []byte {
	switch v := member.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprint(v))
	}
}

// delivery needs no acknowledgement; BZPOPMAX already removed it.
type delivery struct {
	body []byte
}

func (d *delivery) Body() []byte { return d.body }
func (d *delivery) Ack() error   { return nil }
