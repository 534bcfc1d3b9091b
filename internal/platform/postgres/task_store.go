package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/phrazzld/scry-tasks/internal/store"
)

const taskColumns = `id, title, description, priority, status, created_at, started_at, finished_at, result, error`

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore. db is usually a *sql.DB;
// use WithTx to bind the store to a transaction.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// Insert implements store.TaskStore.Insert
func (s *PostgresTaskStore) Insert(
	ctx context.Context,
	title string,
	description *string,
	priority domain.TaskPriority,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	task, err := domain.NewTask(title, description, priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, title, description, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		string(task.Priority),
		string(task.Status),
		task.CreatedAt,
	)
	if err != nil {
		log.Error("failed to insert task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return nil, store.NewStoreError("task", "insert", "failed to insert task", MapError(err))
	}

	log.Debug("task inserted",
		slog.String("task_id", task.ID.String()),
		slog.String("priority", string(task.Priority)))
	return task, nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return s.getOne(ctx, "get", query, id)
}

// GetForUpdate implements store.TaskStore.GetForUpdate
func (s *PostgresTaskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	return s.getOne(ctx, "get_for_update", query, id)
}

func (s *PostgresTaskStore) getOne(
	ctx context.Context,
	operation string,
	query string,
	id uuid.UUID,
) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContext(ctx).Error("failed to fetch task",
			slog.String("task_id", id.String()),
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return nil, store.NewStoreError("task", operation, "failed to fetch task", MapError(err))
	}
	return task, nil
}

// List implements store.TaskStore.List
func (s *PostgresTaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	log := logger.FromContext(ctx)

	var conditions []string
	var args []any

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Priority != nil {
		args = append(args, string(*filter.Priority))
		conditions = append(conditions, fmt.Sprintf("priority = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		log.Error("failed to count tasks", slog.String("error", err.Error()))
		return nil, 0, store.NewStoreError("task", "list", "failed to count tasks", MapError(err))
	}

	pageArgs := append(append([]any{}, args...), filter.Limit, filter.Offset)
	query := fmt.Sprintf(
		`SELECT %s FROM tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)+1, len(args)+2,
	)

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		log.Error("failed to list tasks", slog.String("error", err.Error()))
		return nil, 0, store.NewStoreError("task", "list", "failed to list tasks", MapError(err))
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Error("failed to close rows", slog.String("error", closeErr.Error()))
		}
	}()

	tasks := make([]*domain.Task, 0, filter.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, store.NewStoreError("task", "list", "failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, store.NewStoreError("task", "list", "failed to iterate tasks", MapError(err))
	}

	return tasks, total, nil
}

// UpdateStatus implements store.TaskStore.UpdateStatus. The UPDATE only matches
// while the stored status still equals task.Status.
func (s *PostgresTaskStore) UpdateStatus(
	ctx context.Context,
	task *domain.Task,
	update store.StatusUpdate,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	if err := task.ValidateTransition(update.Status); err != nil {
		return nil, err
	}

	if err := store.ApplyStatusUpdate(task, update).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	sets := []string{"status = $1"}
	args := []any{string(update.Status)}
	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if startedAt, ok := update.StartedAt.Value(); ok {
		addSet("started_at", startedAt)
	}
	if finishedAt, ok := update.FinishedAt.Value(); ok {
		addSet("finished_at", finishedAt)
	}
	if result, ok := update.Result.Value(); ok {
		addSet("result", nullableJSON(result))
	}
	if errText, ok := update.Error.Value(); ok {
		addSet("error", errText)
	}

	args = append(args, task.ID, string(task.Status))
	query := fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = $%d AND status = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args)-1, len(args), taskColumns,
	)

	updated, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		log.Debug("task status updated",
			slog.String("task_id", task.ID.String()),
			slog.String("from", string(task.Status)),
			slog.String("to", string(updated.Status)))
		return updated, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to update task status",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return nil, store.NewStoreError("task", "update_status", "failed to update task", MapError(err))
	}

	// Nothing matched: either the row is gone or its status moved on.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, task.ID).
		Scan(&exists); err != nil {
		return nil, store.NewStoreError("task", "update_status", "failed to check task", MapError(err))
	}
	if !exists {
		return nil, store.ErrTaskNotFound
	}

	log.Warn("task status changed concurrently",
		slog.String("task_id", task.ID.String()),
		slog.String("expected_status", string(task.Status)))
	return nil, store.ErrStaleTask
}

// WithTx implements store.TaskStore.WithTx
// It returns a new TaskStore instance that uses the provided transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db: tx,
	}
}

// DB implements store.TaskStore.DB. It returns nil when the store is bound to a transaction.
func (s *PostgresTaskStore) DB() *sql.DB {
	if db, ok := s.db.(*sql.DB); ok {
		return db
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		description sql.NullString
		priority    string
		status      string
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		result      []byte
		errText     sql.NullString
	)

	if err := row.Scan(
		&task.ID,
		&task.Title,
		&description,
		&priority,
		&status,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
		&result,
		&errText,
	); err != nil {
		return nil, err
	}

	task.Priority = domain.TaskPriority(priority)
	task.Status = domain.TaskStatus(status)
	if description.Valid {
		task.Description = &description.String
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		task.FinishedAt = &t
	}
	if result != nil {
		task.Result = json.RawMessage(result)
	}
	if errText.Valid {
		task.Error = &errText.String
	}
	task.CreatedAt = task.CreatedAt.UTC()

	return &task, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
