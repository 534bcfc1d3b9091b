package broker

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
)

// MemoryQueue is an in-process priority queue implementing both Publisher and Source.
// Higher priorities are delivered first; equal priorities are delivered in publish order.
// Messages do not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	closed bool

	// notify wakes one waiting consumer after a publish
	notify chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Source    = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With("component", "memory_queue"),
	}
}

// PublishTask implements Publisher.
func (q *MemoryQueue) PublishTask(_ context.Context, id uuid.UUID, priority domain.TaskPriority) error {
	body, err := EncodeTaskMessage(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublisherUnavailable, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPublisherUnavailable, ErrQueueClosed)
	}
	q.push(&queuedMessage{body: body, priority: PriorityFor(priority)})
	queueLen := q.items.Len()
	q.mu.Unlock()

	q.wake()

	q.logger.Debug("task enqueued",
		"task_id", id,
		"priority", priority,
		"queue_len", queueLen)
	return nil
}

// Available implements Publisher; the queue is available until closed.
func (q *MemoryQueue) Available() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Len returns the number of messages waiting to be delivered.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Deliveries implements Source. Several consumers may share one queue; each
// message goes to exactly one of them.
func (q *MemoryQueue) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			msg, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case <-q.notify:
					continue
				}
			}

			select {
			case out <- &memoryDelivery{body: msg.body}:
				// Pass the wake-up on in case more messages are waiting.
				if q.Len() > 0 {
					q.wake()
				}
			case <-ctx.Done():
				q.requeue(msg)
				return
			case <-q.done:
				return
			}
		}
	}()

	return out, nil
}

// Close stops all consumers and rejects further publishes. It is safe to call more than once.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.logger.Info("memory queue closed", "undelivered", q.items.Len())
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push must be called with q.mu held.
func (q *MemoryQueue) push(msg *queuedMessage) {
	msg.seq = q.seq
	q.seq++
	heap.Push(&q.items, msg)
}

func (q *MemoryQueue) pop() (*queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*queuedMessage), true
}

// requeue puts back a message that was popped but never handed out, keeping its place.
func (q *MemoryQueue) requeue(msg *queuedMessage) {
	q.mu.Lock()
	heap.Push(&q.items, msg)
	q.mu.Unlock()
	q.wake()
}

type queuedMessage struct {
	body     []byte
	priority uint8
	seq      uint64
}

// messageHeap orders by priority descending, then by seq ascending.
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*queuedMessage)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// memoryDelivery has nothing to confirm; the message left the queue when it was popped.
type memoryDelivery struct {
	body []byte
}

func (d *memoryDelivery) Body() []byte { return d.body }
func (d *memoryDelivery) Ack() error   { return nil }
