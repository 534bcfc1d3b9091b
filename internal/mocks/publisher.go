package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/domain"
)

// PublishedTask records one PublishTask call.
type PublishedTask struct {
	ID       uuid.UUID
	Priority domain.TaskPriority
}

// MockPublisher implements broker.Publisher for testing.
// The zero value is available and accepts every publish.
type MockPublisher struct {
	// Custom behavior functions
	PublishTaskFn func(ctx context.Context, id uuid.UUID, priority domain.TaskPriority) error

	// Unavailable makes Available return false.
	Unavailable bool

	mu        sync.Mutex
	published []PublishedTask
}

var _ broker.Publisher = (*MockPublisher)(nil)

// PublishTask implements broker.Publisher.
func (m *MockPublisher) PublishTask(ctx context.Context, id uuid.UUID, priority domain.TaskPriority) error {
	m.mu.Lock()
	m.published = append(m.published, PublishedTask{ID: id, Priority: priority})
	m.mu.Unlock()

	if m.PublishTaskFn != nil {
		return m.PublishTaskFn(ctx, id, priority)
	}
	return nil
}

// Available implements broker.Publisher.
func (m *MockPublisher) Available() bool {
	return !m.Unavailable
}

// Published returns every PublishTask call in order.
func (m *MockPublisher) Published() []PublishedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedTask(nil), m.published...)
}
