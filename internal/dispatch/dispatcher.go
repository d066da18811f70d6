// Package dispatch runs background work on a bounded pool of goroutines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when every worker is busy and the queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("dispatcher is closed")
)

// Func is a unit of background work. ctx is cancelled when the dispatcher shuts down.
type Func func(ctx context.Context)

type task struct {
	name     string
	fn       Func
	queuedAt time.Time
}

type Options struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Dispatcher hands tasks to a fixed number of workers through a bounded queue. Dispatch
// never blocks: when the queue is full the task is rejected.
type Dispatcher struct {
	queue   chan task
	workers int
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := opts.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   make(chan task, queueSize),
		workers: workers,
		logger:  logger.With("component", "dispatcher"),
		metrics: opts.Metrics,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(workerCtx, i)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Dispatch schedules fn and returns immediately.
func (d *Dispatcher) Dispatch(name string, fn Func) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- task{name: name, fn: fn, queuedAt: time.Now()}:
		d.metrics.submitted(name)
		d.metrics.setDepth(len(d.queue))
		return nil
	default:
		d.metrics.rejected(name)
		return fmt.Errorf("dispatch %s: %w", name, ErrQueueFull)
	}
}

// Close stops accepting work, lets workers drain the queue and waits for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if started {
		d.wg.Wait()
		d.cancel()
	}
	d.logger.Info("dispatcher stopped")
}

// Shutdown cancels the context handed to running tasks, then closes.
func (d *Dispatcher) Shutdown() {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	d.Close()
}

func (d *Dispatcher) run(ctx context.Context, worker int) {
	defer d.wg.Done()
	for t := range d.queue {
		d.metrics.setDepth(len(d.queue))
		d.execute(ctx, worker, t)
	}
}

func (d *Dispatcher) execute(ctx context.Context, worker int, t task) {
	started := time.Now()
	d.metrics.waited(t.name, started.Sub(t.queuedAt))
	defer func() {
		if r := recover(); r != nil {
			d.metrics.finished(t.name, outcomePanic, time.Since(started))
			d.logger.Error("task panicked",
				"task", t.name,
				"worker", worker,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			return
		}
		d.metrics.finished(t.name, outcomeDone, time.Since(started))
	}()
	t.fn(ctx)
}
