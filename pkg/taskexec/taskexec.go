// Package taskexec provides the admission-controlled executor that all
// cross-node fan-out work is submitted to.
//
// An Executor runs a fixed number of workers fed from a bounded FIFO queue.
// When the queue is full, Submit either blocks until space frees up or, with
// WithRejectWhenFull, fails with ErrQueueFull so the caller can shed load.
package taskexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrQueueFull is returned when a task cannot be admitted without blocking.
	ErrQueueFull = errors.New("taskexec: queue is full")
	// ErrClosed is returned when submitting to a closed executor.
	ErrClosed = errors.New("taskexec: executor is closed")
)

// Task is a unit of work.
type Task func()

// Stats is a point-in-time view of the executor counters. Waiting includes
// submitters blocked on a full queue.
type Stats struct {
	Waiting   int64 `json:"waiting_count"`
	Active    int64 `json:"active_count"`
	Completed int64 `json:"completed_count"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithRejectWhenFull makes Submit fail with ErrQueueFull instead of
// blocking when the queue is at capacity.
func WithRejectWhenFull() Option {
	return func(e *Executor) { e.rejectWhenFull = true }
}

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(l hclog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor is a bounded worker pool.
type Executor struct {
	workers        int
	queueMax       int
	rejectWhenFull bool
	logger         hclog.Logger

	queue chan Task

	// closeMu orders submissions against Close so no send hits a closed channel.
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	mu        sync.Mutex
	waiting   int64
	active    int64
	completed int64
}

// New starts an executor with the given worker count and queue depth.
func New(workers, queueMax int, opts ...Option) (*Executor, error) {
	if workers < 1 {
		return nil, fmt.Errorf("taskexec: workers must be positive, got %d", workers)
	}
	if queueMax < 1 {
		return nil, fmt.Errorf("taskexec: queue max must be positive, got %d", queueMax)
	}
	e := &Executor{
		workers:  workers,
		queueMax: queueMax,
		logger:   hclog.NewNullLogger(),
		queue:    make(chan Task, queueMax),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e, nil
}

// Submit admits task, blocking while the queue is full unless the executor
// was built with WithRejectWhenFull.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	if e.rejectWhenFull {
		return e.TrySubmit(task)
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	e.addWaiting(1)
	select {
	case e.queue <- task:
		return nil
	case <-ctx.Done():
		e.addWaiting(-1)
		return ctx.Err()
	}
}

// TrySubmit admits task only if the queue has room.
func (e *Executor) TrySubmit(task Task) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	e.addWaiting(1)
	select {
	case e.queue <- task:
		return nil
	default:
		e.addWaiting(-1)
		return ErrQueueFull
	}
}

// Close stops admission and waits for queued and running tasks to finish.
func (e *Executor) Close() {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.closeMu.Unlock()

	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for task := range e.queue {
		e.mu.Lock()
		e.waiting--
		e.active++
		e.mu.Unlock()

		e.run(task)

		e.mu.Lock()
		e.active--
		e.completed++
		e.mu.Unlock()
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}

func (e *Executor) addWaiting(n int64) {
	e.mu.Lock()
	e.waiting += n
	e.mu.Unlock()
}

// Workers returns the configured worker count.
func (e *Executor) Workers() int { return e.workers }

// QueueMax returns the configured queue depth.
func (e *Executor) QueueMax() int { return e.queueMax }

// Stats returns a consistent snapshot of all counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Waiting: e.waiting, Active: e.active, Completed: e.completed}
}

func (e *Executor) WaitingCount() int64   { return e.Stats().Waiting }
func (e *Executor) ActiveCount() int64    { return e.Stats().Active }
func (e *Executor) CompletedCount() int64 { return e.Stats().Completed }

var global atomic.Pointer[Executor]

// Init builds the process-wide executor and panics when called twice. The
// returned executor is handed to every component that fans out work.
func Init(workers, queueMax int, opts ...Option) *Executor {
	e, err := New(workers, queueMax, opts...)
	if err != nil {
		panic(err)
	}
	if !global.CompareAndSwap(nil, e) {
		e.Close()
		panic("taskexec: failed to initialize task execution queue: already initialized")
	}
	return e
}
