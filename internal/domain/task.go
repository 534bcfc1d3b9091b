package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxTitleLength is the maximum number of characters allowed in a task title.
const MaxTitleLength = 255

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusNew        TaskStatus = "NEW"
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// TaskPriority is fixed at creation and drives both broker ordering and
// processing duration.
type TaskPriority string

// Possible task priority values
const (
	TaskPriorityLow    TaskPriority = "LOW"
	TaskPriorityMedium TaskPriority = "MEDIUM"
	TaskPriorityHigh   TaskPriority = "HIGH"
)

// transitions lists, for every non-terminal status, the statuses it may move to.
// Terminal statuses have no entry.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusNew:        {TaskStatusPending, TaskStatusCancelled},
	TaskStatusPending:    {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed},
}

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusNew, TaskStatusPending, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is permitted from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseTaskStatus converts a case-insensitive string into a TaskStatus.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	status := TaskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskStatus, raw)
	}
	return status, nil
}

// IsValid reports whether p is one of the known priorities.
func (p TaskPriority) IsValid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	default:
		return false
	}
}

// ParseTaskPriority converts a case-insensitive string into a TaskPriority.
func ParseTaskPriority(raw string) (TaskPriority, error) {
	priority := TaskPriority(strings.ToUpper(strings.TrimSpace(raw)))
	if !priority.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskPriority, raw)
	}
	return priority, nil
}

// Task is a unit of work tracked from submission through its terminal outcome.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	Priority    TaskPriority    `json:"priority"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

// NewTask creates a new Task in NEW status with a fresh ID and creation time.
// Returns an error if validation fails.
func NewTask(title string, description *string, priority TaskPriority) (*Task, error) {
	task := &Task{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      TaskStatusNew,
		CreatedAt:   time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks the identifying fields and the result/error invariants.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTaskTitle
	}

	if utf8.RuneCountInString(t.Title) > MaxTitleLength {
		return ErrTaskTitleTooLong
	}

	if !t.Priority.IsValid() {
		return ErrInvalidTaskPriority
	}

	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}

	if t.Result != nil && t.Status != TaskStatusCompleted {
		return fmt.Errorf("%w: result set on %s task", ErrValidation, t.Status)
	}

	if t.Error != nil && t.Status != TaskStatusFailed {
		return fmt.Errorf("%w: error set on %s task", ErrValidation, t.Status)
	}

	if t.StartedAt != nil && t.FinishedAt != nil && t.FinishedAt.Before(*t.StartedAt) {
		return fmt.Errorf("%w: finished_at precedes started_at", ErrValidation)
	}

	return nil
}

// ValidateTransition returns ErrInvalidTransition when the task may not move to next.
func (t *Task) ValidateTransition(next TaskStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	return nil
}

// IsTerminal reports whether the task has reached COMPLETED, FAILED or CANCELLED.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}
