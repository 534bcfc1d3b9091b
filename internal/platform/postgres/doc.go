// Package postgres provides the PostgreSQL implementation of store.TaskStore,
// the goose migrations that create its schema, and the mapping from
// PostgreSQL error codes to store errors.
package postgres
