package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueueExecutesTasks(t *testing.T) {
	q := NewQueue(8)
	q.Start(context.Background())
	defer q.Stop()

	done := make(chan struct{})
	ok := q.Enqueue(Task{Name: "test", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	if !ok {
		t.Fatal("Enqueue returned false on empty queue")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not executed")
	}
	waitFor(t, func() bool { return q.Processed() == 1 })
}

func TestQueueCountsFailures(t *testing.T) {
	q := NewQueue(8)
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Task{Name: "failing", Run: func(ctx context.Context) error {
		return errors.New("boom")
	}})
	waitFor(t, func() bool { return q.Failed() == 1 })
	if q.Processed() != 0 {
		t.Errorf("Processed = %d, want 0", q.Processed())
	}
}

func TestQueueRecoversFromPanic(t *testing.T) {
	q := NewQueue(8)
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Task{Name: "panicking", Run: func(ctx context.Context) error {
		panic("boom")
	}})
	done := make(chan struct{})
	q.Enqueue(Task{Name: "after-panic", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not survive a panicking task")
	}
	if q.Failed() != 1 {
		t.Errorf("Failed = %d, want 1", q.Failed())
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	// Not started, so the single-slot buffer fills immediately.
	q := NewQueue(1)

	noop := Task{Name: "noop", Run: func(ctx context.Context) error { return nil }}
	if !q.Enqueue(noop) {
		t.Fatal("first enqueue should fit the buffer")
	}
	if q.Enqueue(noop) {
		t.Error("second enqueue should be dropped")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
}

func TestQueueStopWaitsForLoop(t *testing.T) {
	q := NewQueue(8)
	q.Start(context.Background())
	q.Stop()
	// Stop is idempotent through stopOnce.
	q.Stop()
}
