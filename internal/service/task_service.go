package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/phrazzld/scry-tasks/internal/store"
)

// CreateTaskInput holds the caller-supplied fields of a new task.
type CreateTaskInput struct {
	Title       string
	Description *string
	// Priority defaults to MEDIUM when empty.
	Priority domain.TaskPriority
}

// ListTasksInput holds the filters and page of a task listing.
// Nil filters match every value.
type ListTasksInput struct {
	Status   *domain.TaskStatus
	Priority *domain.TaskPriority
	Limit    int
	Offset   int
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Items  []*domain.Task
	Total  int
	Limit  int
	Offset int
}

// TaskService provides task-related operations
type TaskService interface {
	// CreateTask stores a new task and publishes it to the broker in one transaction.
	// The returned task is PENDING. Returns ErrPublisherUnavailable, with the row
	// rolled back, when the task could not be published.
	CreateTask(ctx context.Context, input CreateTaskInput) (*domain.Task, error)

	// ListTasks returns a page of tasks, newest first, and the total number of matches.
	ListTasks(ctx context.Context, input ListTasksInput) (*TaskPage, error)

	// GetTask retrieves a task by its ID
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetTaskStatus retrieves only the status of a task
	GetTaskStatus(ctx context.Context, id uuid.UUID) (domain.TaskStatus, error)

	// CancelTask moves a NEW or PENDING task to CANCELLED.
	// Returns ErrTaskConflict for any other status.
	CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// taskServiceImpl implements the TaskService interface
type taskServiceImpl struct {
	taskStore store.TaskStore
	publisher broker.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewTaskService creates a new TaskService
// It returns an error if any of the required dependencies are nil.
func NewTaskService(
	taskStore store.TaskStore,
	publisher broker.Publisher,
	logger *slog.Logger,
) (TaskService, error) {
	// Validate dependencies
	if taskStore == nil {
		return nil, fmt.Errorf("%w: taskStore cannot be nil", domain.ErrValidation)
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher cannot be nil", domain.ErrValidation)
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &taskServiceImpl{
		taskStore: taskStore,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "task_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateTask implements TaskService.CreateTask
func (s *taskServiceImpl) CreateTask(ctx context.Context, input CreateTaskInput) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !s.publisher.Available() {
		log.Warn("rejecting task, publisher is unavailable")
		return nil, ErrPublisherUnavailable
	}

	priority := input.Priority
	if priority == "" {
		priority = domain.TaskPriorityMedium
	}
	if err := validateNewTask(input.Title, priority); err != nil {
		return nil, err
	}

	var created *domain.Task
	err := store.RunInTransaction(ctx, s.taskStore.DB(), func(ctx context.Context, tx *sql.Tx) error {
		txStore := s.taskStore.WithTx(tx)

		task, err := txStore.Insert(ctx, input.Title, input.Description, priority)
		if err != nil {
			log.Error("failed to insert task",
				slog.String("error", err.Error()))
			if errors.Is(err, store.ErrInvalidEntity) {
				return fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
			return NewTaskServiceError("create_task", "failed to insert task", err)
		}

		if err := s.publisher.PublishTask(ctx, task.ID, task.Priority); err != nil {
			log.Error("failed to publish task, rolling back",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			return fmt.Errorf("%w: %w", ErrPublisherUnavailable, err)
		}

		pending, err := txStore.UpdateStatus(ctx, task, store.StatusUpdate{
			Status: domain.TaskStatusPending,
		})
		if err != nil {
			log.Error("failed to mark task as pending",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			return NewTaskServiceError("create_task", "failed to mark task as pending", err)
		}

		created = pending
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("task created",
		slog.String("task_id", created.ID.String()),
		slog.String("priority", string(created.Priority)))
	return created, nil
}

// ListTasks implements TaskService.ListTasks
func (s *taskServiceImpl) ListTasks(ctx context.Context, input ListTasksInput) (*TaskPage, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if input.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	if input.Offset < 0 {
		return nil, fmt.Errorf("%w: offset cannot be negative", ErrInvalidInput)
	}

	tasks, total, err := s.taskStore.List(ctx, store.TaskFilter{
		Status:   input.Status,
		Priority: input.Priority,
		Limit:    input.Limit,
		Offset:   input.Offset,
	})
	if err != nil {
		log.Error("failed to list tasks",
			slog.String("error", err.Error()))
		return nil, NewTaskServiceError("list_tasks", "failed to list tasks", err)
	}

	if tasks == nil {
		tasks = []*domain.Task{}
	}

	log.Debug("listed tasks",
		slog.Int("count", len(tasks)),
		slog.Int("total", total))

	return &TaskPage{
		Items:  tasks,
		Total:  total,
		Limit:  input.Limit,
		Offset: input.Offset,
	}, nil
}

// GetTask implements TaskService.GetTask
func (s *taskServiceImpl) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	task, err := s.taskStore.GetByID(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, ErrTaskNotFound
		}

		log.Error("failed to retrieve task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, NewTaskServiceError("get_task", "failed to retrieve task", err)
	}

	return task, nil
}

// GetTaskStatus implements TaskService.GetTaskStatus
func (s *taskServiceImpl) GetTaskStatus(ctx context.Context, id uuid.UUID) (domain.TaskStatus, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// CancelTask implements TaskService.CancelTask
func (s *taskServiceImpl) CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("task_id", id.String()))

	var cancelled *domain.Task
	err := store.RunInTransaction(ctx, s.taskStore.DB(), func(ctx context.Context, tx *sql.Tx) error {
		txStore := s.taskStore.WithTx(tx)

		task, err := txStore.GetForUpdate(ctx, id)
		if err != nil {
			if store.IsNotFoundError(err) {
				return ErrTaskNotFound
			}
			return NewTaskServiceError("cancel_task", "failed to retrieve task", err)
		}

		if err := task.ValidateTransition(domain.TaskStatusCancelled); err != nil {
			log.Info("task cannot be cancelled",
				slog.String("status", string(task.Status)))
			return fmt.Errorf("%w: %w", ErrTaskConflict, err)
		}

		updated, err := txStore.UpdateStatus(ctx, task, store.StatusUpdate{
			Status:     domain.TaskStatusCancelled,
			FinishedAt: domain.Set(s.now()),
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleTask) || errors.Is(err, domain.ErrInvalidTransition) {
				return fmt.Errorf("%w: %w", ErrTaskConflict, err)
			}
			if store.IsNotFoundError(err) {
				return ErrTaskNotFound
			}
			return NewTaskServiceError("cancel_task", "failed to cancel task", err)
		}

		cancelled = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("task cancelled")
	return cancelled, nil
}

// validateNewTask applies the domain title and priority rules before a transaction is opened.
func validateNewTask(title string, priority domain.TaskPriority) error {
	switch {
	case strings.TrimSpace(title) == "":
		return fmt.Errorf("%w: %w", ErrInvalidInput, domain.ErrEmptyTaskTitle)
	case utf8.RuneCountInString(title) > domain.MaxTitleLength:
		return fmt.Errorf("%w: %w", ErrInvalidInput, domain.ErrTaskTitleTooLong)
	case !priority.IsValid():
		return fmt.Errorf("%w: %w", ErrInvalidInput, domain.ErrInvalidTaskPriority)
	}
	return nil
}
