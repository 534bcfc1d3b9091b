package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyTaskID is returned when a task has no identifier.
	ErrEmptyTaskID = errors.New("task ID cannot be empty")

	// ErrEmptyTaskTitle is returned when a task title is blank.
	ErrEmptyTaskTitle = errors.New("task title cannot be empty")

	// ErrTaskTitleTooLong is returned when a task title exceeds MaxTitleLength characters.
	ErrTaskTitleTooLong = errors.New("task title is too long")

	// ErrInvalidTaskStatus is returned when a task status is not valid.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrInvalidTaskPriority is returned when a task priority is not valid.
	ErrInvalidTaskPriority = errors.New("invalid task priority")

	// ErrInvalidTransition is returned when the state machine forbids a status change,
	// including every change out of a terminal status.
	ErrInvalidTransition = errors.New("invalid task status transition")
)
