// Package service contains the task use cases behind the HTTP API.
//
// TaskService coordinates the task store and the broker publisher: a task is
// stored and published inside one transaction, so a task that could not be
// queued is never visible. Cancellation re-reads the task under a row lock and
// applies the state machine.
//
// Expected conditions are reported with the sentinel errors in errors.go;
// anything else is wrapped in TaskServiceError.
package service
