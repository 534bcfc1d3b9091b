package broker

import "context"

// Delivery is a single message received from the broker.
type Delivery interface {
	// Body returns the raw message body.
	Body() []byte

	// Ack confirms the message so the broker forgets it. Every delivery is
	// acked once handled, malformed ones included.
	Ack() error
}

// Source yields deliveries from the task queue.
type Source interface {
	// Deliveries starts consuming and returns a channel of deliveries.
	// The channel is closed when ctx is done or the underlying subscription ends.
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}
