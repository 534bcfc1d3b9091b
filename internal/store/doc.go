// Package store defines the task persistence contract, the transaction helper
// every mutation runs under, and the errors store implementations return.
// Implementations live under internal/platform.
package store
