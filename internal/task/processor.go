package task

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/scry-tasks/internal/domain"
)

// Processor performs the work of a task. The returned map becomes the task result.
// A returned error marks the task FAILED with the error text.
type Processor interface {
	Process(ctx context.Context, task *domain.Task) (map[string]any, error)
}

// ProcessorFunc adapts an ordinary function to the Processor interface.
type ProcessorFunc func(ctx context.Context, task *domain.Task) (map[string]any, error)

// Process calls f(ctx, task).
func (f ProcessorFunc) Process(ctx context.Context, task *domain.Task) (map[string]any, error) {
	return f(ctx, task)
}

// processingDelays is how long DefaultProcessor works on a task of each priority.
var processingDelays = map[domain.TaskPriority]time.Duration{
	domain.TaskPriorityHigh:   50 * time.Millisecond,
	domain.TaskPriorityMedium: 100 * time.Millisecond,
	domain.TaskPriorityLow:    150 * time.Millisecond,
}

const defaultProcessingDelay = 100 * time.Millisecond

// DefaultProcessor simulates work: it waits a priority-dependent duration and
// returns a small summary of the task.
type DefaultProcessor struct {
	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDefaultProcessor creates a DefaultProcessor.
func NewDefaultProcessor() *DefaultProcessor {
	return &DefaultProcessor{sleep: sleepContext}
}

// ProcessingDelay returns the simulated duration for the given priority.
func ProcessingDelay(priority domain.TaskPriority) time.Duration {
	if d, ok := processingDelays[priority]; ok {
		return d
	}
	return defaultProcessingDelay
}

// Process implements Processor.
func (p *DefaultProcessor) Process(ctx context.Context, task *domain.Task) (map[string]any, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	if err := sleep(ctx, ProcessingDelay(task.Priority)); err != nil {
		return nil, err
	}

	return map[string]any{
		"summary":  fmt.Sprintf("Task %s processed", task.ID),
		"title":    task.Title,
		"priority": string(task.Priority),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
