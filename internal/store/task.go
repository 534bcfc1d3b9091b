package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
)

// TaskFilter narrows a task listing. Nil filters match every value; supplied
// filters are combined with AND.
type TaskFilter struct {
	Status   *domain.TaskStatus
	Priority *domain.TaskPriority
	Limit    int
	Offset   int
}

// StatusUpdate describes a status change plus the lifecycle fields to write with it.
// Fields left as domain.Keep are not touched; domain.Set(nil) clears a nullable column.
type StatusUpdate struct {
	Status     domain.TaskStatus
	StartedAt  domain.Field[time.Time]
	FinishedAt domain.Field[time.Time]
	Result     domain.Field[json.RawMessage]
	Error      domain.Field[*string]
}

// TaskStore defines the interface for task record persistence.
// Version: 1.0
type TaskStore interface {
	// Insert creates a new task in NEW status and returns the stored record.
	// IMPORTANT: like every mutation below, this is expected to run within a transaction
	// obtained through WithTx; the store itself never commits.
	//
	// Usage example:
	//   err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
	//       task, err := taskStore.WithTx(tx).Insert(ctx, title, desc, priority)
	//       ...
	//   })
	Insert(
		ctx context.Context,
		title string,
		description *string,
		priority domain.TaskPriority,
	) (*domain.Task, error)

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetForUpdate retrieves a task and locks its row until the surrounding
	// transaction ends, serializing concurrent status changes on the same task.
	// Returns ErrTaskNotFound if the task does not exist.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// List returns a page of tasks matching the filter, newest first,
	// together with the total number of matching tasks.
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, int, error)

	// UpdateStatus moves the task to update.Status and writes the supplied fields.
	// Returns domain.ErrInvalidTransition if the state machine forbids the change,
	// ErrStaleTask if the stored status no longer matches task.Status,
	// and ErrTaskNotFound if the row is gone. On success the returned task
	// reflects the stored state.
	UpdateStatus(ctx context.Context, task *domain.Task, update StatusUpdate) (*domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	// The transaction should be created and managed by the caller (typically a service).
	WithTx(tx *sql.Tx) TaskStore

	// DB returns the underlying database connection used to open transactions.
	DB() *sql.DB
}

// ApplyStatusUpdate returns a copy of task with the update applied. It does not
// check the transition; callers validate with task.ValidateTransition first.
func ApplyStatusUpdate(task *domain.Task, update StatusUpdate) *domain.Task {
	updated := *task
	updated.Status = update.Status

	if startedAt, ok := update.StartedAt.Value(); ok {
		updated.StartedAt = &startedAt
	}
	if finishedAt, ok := update.FinishedAt.Value(); ok {
		updated.FinishedAt = &finishedAt
	}
	update.Result.Apply(&updated.Result)
	update.Error.Apply(&updated.Error)

	return &updated
}
