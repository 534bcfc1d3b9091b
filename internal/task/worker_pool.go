package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/broker"
)

// ErrPoolAlreadyStarted is returned when Start is called on a running pool.
var ErrPoolAlreadyStarted = errors.New("worker pool already started")

// Handler executes the task referenced by a delivery.
type Handler interface {
	Execute(ctx context.Context, id uuid.UUID) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, id uuid.UUID) error

// Execute calls f(ctx, id).
func (f HandlerFunc) Execute(ctx context.Context, id uuid.UUID) error {
	return f(ctx, id)
}

// WorkerPool consumes deliveries from a broker source and runs each one through
// a Handler, with at most Concurrency handlers in flight. When every slot is
// taken the pool stops reading deliveries, which leaves the rest with the broker.
//
// Every delivery is acknowledged once its handler returns, whatever the outcome.
// Malformed deliveries are logged and acknowledged without calling the handler.
type WorkerPool struct {
	// source yields the deliveries to process
	source broker.Source

	// handler runs the task for each delivery
	handler Handler

	// slots is a counting semaphore bounding in-flight handlers
	slots chan struct{}

	// wg tracks in-flight handlers for clean shutdown
	wg sync.WaitGroup

	// consumeCtx stops the delivery loop; handlerCtx is passed to handlers
	// and is only cancelled once Stop gives up waiting
	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	// loopDone is closed when the delivery loop exits
	loopDone chan struct{}

	mu      sync.Mutex
	started bool

	// logger for structured logging
	logger *slog.Logger

	// errorHandler is called when a handler returns an error
	// If nil, errors are only logged
	errorHandler func(id uuid.UUID, err error)
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// Concurrency is the maximum number of deliveries handled at once
	// If zero or negative, defaults to 1
	Concurrency int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Concurrency: 4,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	source broker.Source,
	handler Handler,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "worker_pool"))

	// Apply defaults for invalid config values
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
		logger.Warn("invalid concurrency specified, using default",
			"specified_concurrency", config.Concurrency,
			"default_concurrency", 1)
	}

	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	handlerCtx, handlerCancel := context.WithCancel(context.Background())

	return &WorkerPool{
		source:        source,
		handler:       handler,
		slots:         make(chan struct{}, concurrency),
		consumeCtx:    consumeCtx,
		consumeCancel: consumeCancel,
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
		loopDone:      make(chan struct{}),
		logger:        logger,
	}
}

// SetErrorHandler allows setting a custom error handler for handler failures.
// It must be called before Start.
func (p *WorkerPool) SetErrorHandler(handler func(id uuid.UUID, err error)) {
	p.errorHandler = handler
}

// Concurrency returns the maximum number of in-flight handlers.
func (p *WorkerPool) Concurrency() int {
	return cap(p.slots)
}

// InFlight returns the number of handlers currently running.
func (p *WorkerPool) InFlight() int {
	return len(p.slots)
}

// Start subscribes to the source and begins dispatching deliveries.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	deliveries, err := p.source.Deliveries(p.consumeCtx)
	if err != nil {
		return err
	}
	p.started = true

	p.logger.Info("worker pool started", "concurrency", cap(p.slots))

	go p.loop(deliveries)
	return nil
}

// Stop stops consuming and waits for in-flight handlers to finish or for ctx
// to be done, whichever comes first. In the latter case the handlers' context
// is cancelled and ctx.Err() is returned.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	p.consumeCancel()
	if !started {
		p.handlerCancel()
		return nil
	}
	<-p.loopDone

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.handlerCancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.handlerCancel()
		p.logger.Warn("worker pool stop timed out, cancelling in-flight tasks",
			"in_flight", p.InFlight())
		return ctx.Err()
	}
}

// loop reads deliveries until the source ends or consumption is stopped.
func (p *WorkerPool) loop(deliveries <-chan broker.Delivery) {
	defer close(p.loopDone)

	for {
		select {
		case <-p.consumeCtx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				p.logger.Warn("delivery stream closed, worker pool stops consuming")
				return
			}

			// Acquire a slot; blocks while all slots are taken.
			select {
			case p.slots <- struct{}{}:
			case <-p.consumeCtx.Done():
				// Never handled and never acked; the broker redelivers it.
				return
			}

			p.wg.Add(1)
			go p.handle(d)
		}
	}
}

// handle processes one delivery. The deferred calls run in reverse order:
// recover, ack, release the slot, mark done.
func (p *WorkerPool) handle(d broker.Delivery) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer func() {
		if err := d.Ack(); err != nil {
			p.logger.Warn("failed to acknowledge delivery", "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling delivery", "panic", r)
		}
	}()

	id, err := broker.DecodeTaskMessage(d.Body())
	if err != nil {
		p.logger.Warn("dropping malformed delivery",
			"error", err,
			"body_size", len(d.Body()))
		return
	}

	if err := p.handler.Execute(p.handlerCtx, id); err != nil {
		p.logger.Error("task execution failed",
			"task_id", id,
			"error", err)
		if p.errorHandler != nil {
			p.errorHandler(id, err)
		}
	}
}
