// Package task runs delivered tasks in the background.
//
// WorkerPool reads deliveries from a broker.Source and hands each task id to
// an Executor with bounded concurrency. The Executor claims the task under a
// row lock, runs it through a Processor and records the outcome. A task that
// is missing, cancelled or already claimed is skipped, so duplicate deliveries
// are harmless.
package task
