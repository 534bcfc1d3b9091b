package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	log, _ := logger.NewTestLogger()
	q := NewMemoryQueue(log)
	t.Cleanup(q.Close)
	return q
}

func receive(t *testing.T, ch <-chan Delivery) uuid.UUID {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed unexpectedly")
		require.NoError(t, d.Ack())
		id, err := DecodeTaskMessage(d.Body())
		require.NoError(t, err)
		return id
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return uuid.Nil
	}
}

func TestMemoryQueue_DeliversByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low := uuid.New()
	high1 := uuid.New()
	medium := uuid.New()
	high2 := uuid.New()

	require.NoError(t, q.PublishTask(ctx, low, domain.TaskPriorityLow))
	require.NoError(t, q.PublishTask(ctx, high1, domain.TaskPriorityHigh))
	require.NoError(t, q.PublishTask(ctx, medium, domain.TaskPriorityMedium))
	require.NoError(t, q.PublishTask(ctx, high2, domain.TaskPriorityHigh))
	assert.Equal(t, 4, q.Len())

	deliveries, err := q.Deliveries(ctx)
	require.NoError(t, err)

	assert.Equal(t, high1, receive(t, deliveries))
	assert.Equal(t, high2, receive(t, deliveries))
	assert.Equal(t, medium, receive(t, deliveries))
	assert.Equal(t, low, receive(t, deliveries))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_ConsumerWaitsForPublish(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	deliveries, err := q.Deliveries(ctx)
	require.NoError(t, err)

	id := uuid.New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.PublishTask(ctx, id, domain.TaskPriorityLow)
	}()

	assert.Equal(t, id, receive(t, deliveries))
}

func TestMemoryQueue_EachMessageGoesToOneConsumer(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 50
	first, err := q.Deliveries(ctx)
	require.NoError(t, err)
	second, err := q.Deliveries(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	done := make(chan struct{})
	consume := func(ch <-chan Delivery) {
		defer wg.Done()
		for {
			select {
			case d, ok := <-ch:
				if !ok {
					return
				}
				id, err := DecodeTaskMessage(d.Body())
				if err == nil {
					mu.Lock()
					seen[id]++
					if seen[id] == 1 && len(seen) == total {
						close(done)
					}
					mu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}
	wg.Add(2)
	go consume(first)
	go consume(second)

	for i := 0; i < total; i++ {
		require.NoError(t, q.PublishTask(ctx, uuid.New(), domain.TaskPriorityMedium))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every message was delivered")
	}
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s delivered more than once", id)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	log, _ := logger.NewTestLogger()
	q := NewMemoryQueue(log)

	deliveries, err := q.Deliveries(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Available())

	q.Close()
	q.Close()

	assert.False(t, q.Available())
	assert.ErrorIs(t, q.PublishTask(context.Background(), uuid.New(), domain.TaskPriorityLow), ErrPublisherUnavailable)

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok, "delivery channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("delivery channel was not closed")
	}

	_, err = q.Deliveries(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_CancelledConsumerKeepsMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Deliveries(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, q.PublishTask(context.Background(), id, domain.TaskPriorityHigh))
	// Nobody reads the first channel; cancelling it must hand the message back.
	cancel()

	deliveries, err := q.Deliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, receive(t, deliveries))
}
