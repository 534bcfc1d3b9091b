package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/phrazzld/scry-tasks/internal/redact"
)

// redisClient is the subset of *redis.Client used by the publisher and source.
type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd
	BZPopMax(ctx context.Context, timeout time.Duration, keys ...string) *redis.ZWithKeyCmd
	Close() error
}

// Client owns the Redis connection pool for the lifetime of the process.
type Client struct {
	rdb       redisClient
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	logger    *slog.Logger
}

// Dial parses a redis:// URL, connects and verifies the server with PING.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %s", redact.Error(err))
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %s", redact.Error(err))
	}

	c := newClient(rdb, logger)
	c.logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return c, nil
}

func newClient(rdb redisClient, logger *slog.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: logger.With("component", "redisq"),
	}
}

// Close closes the connection pool. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.rdb.Close()
		c.logger.Info("redis connection closed")
	})
	return err
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// score orders messages by priority, then by publish time within a priority.
// ZPOPMAX takes the highest score, so earlier messages must score higher.
func score(priority uint8, publishedAt time.Time) float64 {
	return float64(priority)*1e13 - float64(publishedAt.UnixMilli())
}
