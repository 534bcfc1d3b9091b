package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
)

// Publisher hands task ids to the broker.
type Publisher interface {
	// PublishTask enqueues a message for the task at the broker priority derived
	// from priority. It returns an error wrapping ErrPublisherUnavailable when the
	// message could not be handed over.
	PublishTask(ctx context.Context, id uuid.UUID, priority domain.TaskPriority) error

	// Available reports whether the publisher currently has a usable broker connection.
	Available() bool
}

// NullPublisher is the publisher used when no broker is configured.
// It is never available.
type NullPublisher struct{}

var _ Publisher = NullPublisher{}

// PublishTask always returns ErrPublisherUnavailable.
func (NullPublisher) PublishTask(context.Context, uuid.UUID, domain.TaskPriority) error {
	return ErrPublisherUnavailable
}

// Available always returns false.
func (NullPublisher) Available() bool { return false }
