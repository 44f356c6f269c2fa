// Package worker runs fire-and-forget side effects off the critical send path.
//
// Post-send bookkeeping (for example tone-profile updates) is enqueued as an
// explicit task and executed by a single background goroutine with its own
// error logging, so failures stay observable without affecting delivery.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the pending-task buffer.
const DefaultQueueSize = 64

// Task is one named background side effect.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue executes tasks sequentially on a background goroutine.
type Queue struct {
	tasks chan Task

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// NewQueue creates a task queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		tasks:    make(chan Task, size),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the worker loop. It runs until Stop is called or the
// context is cancelled.
func (q *Queue) Start(ctx context.Context) {
	slog.Info("Worker queue starting")
	go func() {
		defer close(q.finished)
		for {
			select {
			case task := <-q.tasks:
				q.execute(ctx, task)
			case <-q.done:
				slog.Debug("Worker queue stopped")
				return
			case <-ctx.Done():
				slog.Debug("Worker queue context cancelled")
				return
			}
		}
	}()
}

// Enqueue submits a task without blocking. It reports whether the task was
// accepted; a full queue drops the task with a warning.
func (q *Queue) Enqueue(task Task) bool {
	select {
	case q.tasks <- task:
		return true
	default:
		q.dropped.Add(1)
		slog.Warn("Worker queue full, dropping task", "task", task.Name)
		return false
	}
}

// Stop halts the worker loop and waits for it to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	<-q.finished
}

func (q *Queue) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			slog.Error("Worker task panicked", "task", task.Name, "panic", r)
		}
	}()

	if err := task.Run(ctx); err != nil {
		q.failed.Add(1)
		slog.Error("Worker task failed", "task", task.Name, "error", err)
		return
	}
	q.processed.Add(1)
	slog.Debug("Worker task completed", "task", task.Name)
}

// Processed returns the number of successfully completed tasks.
func (q *Queue) Processed() int64 { return q.processed.Load() }

// Failed returns the number of tasks that returned an error or panicked.
func (q *Queue) Failed() int64 { return q.failed.Load() }

// Dropped returns the number of tasks rejected because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
