package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/phrazzld/scry-tasks/internal/store"
)

// Executor runs a single delivered task through its lifecycle:
// claim it (PENDING to IN_PROGRESS), process it, and record the outcome.
//
// Execute is idempotent with respect to duplicate deliveries: the stored
// status is re-read under a row lock and a task is only claimed when the
// state machine still allows it to start.
type Executor struct {
	taskStore store.TaskStore
	processor Processor
	logger    *slog.Logger
	now       func() time.Time

	// claimBackoff holds the waits between claim attempts for a task that is
	// missing or still NEW.
	claimBackoff []time.Duration
}

// defaultClaimBackoff covers the window between a task being published and
// the creating transaction committing.
var defaultClaimBackoff = []time.Duration{
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// NewExecutor creates an Executor. A nil logger uses slog.Default().
func NewExecutor(taskStore store.TaskStore, processor Processor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		taskStore:    taskStore,
		processor:    processor,
		logger:       logger.With(slog.String("component", "task_executor")),
		now:          func() time.Time { return time.Now().UTC() },
		claimBackoff: defaultClaimBackoff,
	}
}

// Execute claims, processes and finalizes the task with the given id.
//
// The task service publishes a task before its creating transaction commits.
// A delivery arriving in that publish-before-commit window finds the task
// missing or still NEW, so such a task is re-read with claimBackoff before it
// is skipped. A task that is no longer startable is skipped at once, as is any
// task once ctx is done. All skips return nil. Processing failures are
// recorded on the task and are not returned; the returned error only reports
// store failures.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) error {
	log := e.logger.With(slog.String("task_id", id.String()))
	ctx = logger.WithLogger(ctx, log)

	task, err := e.claimWithRetry(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	log.Info("task started", slog.String("priority", string(task.Priority)))

	result, procErr := e.process(ctx, task)

	// The outcome is recorded even when the delivery context was cancelled
	// during shutdown; otherwise the task would stay IN_PROGRESS.
	finalizeCtx := context.WithoutCancel(ctx)

	if procErr == nil {
		encoded, encodeErr := encodeResult(result)
		if encodeErr == nil {
			return e.complete(finalizeCtx, task, encoded)
		}
		procErr = encodeErr
	}

	log.Warn("task processing failed", slog.String("error", procErr.Error()))
	return e.fail(finalizeCtx, task, procErr)
}

// claimWithRetry repeats claim while the task is not yet visible as PENDING.
// The task service publishes before its transaction commits, so a delivery can
// overtake the row it refers to.
func (e *Executor) claimWithRetry(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, nil
		}
		task, notReady, err := e.claim(ctx, id)
		if err != nil && ctx.Err() != nil {
			logger.FromContext(ctx).Info("claim abandoned, delivery context is done")
			return nil, nil
		}
		if err != nil || !notReady {
			return task, err
		}

		if attempt >= len(e.claimBackoff) {
			logger.FromContext(ctx).Warn("delivered task is missing or was never published, skipping",
				slog.Int("attempts", attempt+1))
			return nil, nil
		}
		if err := sleepContext(ctx, e.claimBackoff[attempt]); err != nil {
			return nil, nil
		}
	}
}

// claim moves the task to IN_PROGRESS and commits. It returns a nil task when
// the task should not be processed; notReady reports that it is missing or NEW.
func (e *Executor) claim(ctx context.Context, id uuid.UUID) (claimed *domain.Task, notReady bool, err error) {
	log := logger.FromContext(ctx)

	err = store.RunInTransaction(ctx, e.taskStore.DB(), func(ctx context.Context, tx *sql.Tx) error {
		txStore := e.taskStore.WithTx(tx)

		task, err := txStore.GetForUpdate(ctx, id)
		if err != nil {
			if store.IsNotFoundError(err) {
				notReady = true
				return nil
			}
			return err
		}

		if task.Status == domain.TaskStatusNew {
			notReady = true
			return nil
		}

		if !task.Status.CanTransitionTo(domain.TaskStatusInProgress) {
			log.Info("task is not startable, skipping",
				slog.String("status", string(task.Status)))
			return nil
		}

		updated, err := txStore.UpdateStatus(ctx, task, store.StatusUpdate{
			Status:    domain.TaskStatusInProgress,
			StartedAt: domain.Set(e.now()),
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleTask) || errors.Is(err, domain.ErrInvalidTransition) {
				log.Info("task changed before it could be started, skipping",
					slog.String("error", err.Error()))
				return nil
			}
			return err
		}

		claimed = updated
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to start task %s: %w", id, err)
	}

	return claimed, notReady, nil
}

// process runs the processor, converting a panic into an error.
func (e *Executor) process(ctx context.Context, task *domain.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("processor panicked",
				slog.Any("panic", r))
			result = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	return e.processor.Process(ctx, task)
}

func (e *Executor) complete(ctx context.Context, task *domain.Task, result json.RawMessage) error {
	err := e.finish(ctx, task, store.StatusUpdate{
		Status:     domain.TaskStatusCompleted,
		FinishedAt: domain.Set(e.finishedAt(task)),
		Result:     domain.Set(result),
		Error:      domain.Set[*string](nil),
	})
	if err == nil {
		logger.FromContext(ctx).Info("task completed")
	}
	return err
}

func (e *Executor) fail(ctx context.Context, task *domain.Task, cause error) error {
	msg := cause.Error()
	err := e.finish(ctx, task, store.StatusUpdate{
		Status:     domain.TaskStatusFailed,
		FinishedAt: domain.Set(e.finishedAt(task)),
		Result:     domain.Set[json.RawMessage](nil),
		Error:      domain.Set(&msg),
	})
	if err == nil {
		logger.FromContext(ctx).Info("task marked as failed")
	}
	return err
}

func (e *Executor) finish(ctx context.Context, task *domain.Task, update store.StatusUpdate) error {
	err := store.RunInTransaction(ctx, e.taskStore.DB(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := e.taskStore.WithTx(tx).UpdateStatus(ctx, task, update)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleTask) {
			logger.FromContext(ctx).Warn("task changed while processing, outcome discarded",
				slog.String("outcome", string(update.Status)))
			return nil
		}
		return fmt.Errorf("failed to record %s for task %s: %w", update.Status, task.ID, err)
	}
	return nil
}

// finishedAt never precedes the recorded start time.
func (e *Executor) finishedAt(task *domain.Task) time.Time {
	now := e.now()
	if task.StartedAt != nil && now.Before(*task.StartedAt) {
		return *task.StartedAt
	}
	return now
}

func encodeResult(result map[string]any) (json.RawMessage, error) {
	if result == nil {
		result = map[string]any{}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task result: %w", err)
	}
	return encoded, nil
}
