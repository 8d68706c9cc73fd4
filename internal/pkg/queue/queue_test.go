package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func namedJob(name string, run JobFunc) Job {
	return Job{Name: name, Run: run}
}

func TestQueueExecutesJobs(t *testing.T) {
	q := NewQueue(testLogger(), 2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var executed atomic.Int32
	for i := 0; i < 5; i++ {
		if !q.Enqueue(namedJob("job", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		})) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.Now().Add(time.Second)
	for executed.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if executed.Load() != 5 {
		t.Fatalf("executed = %d, want 5", executed.Load())
	}

	stats := q.Stats()
	if stats.TotalEnqueued != 5 || stats.TotalSucceeded != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgWait < 0 {
		t.Errorf("avg wait negative: %s", stats.AvgWait)
	}
}

func TestQueueErrorHandlerReceivesJobName(t *testing.T) {
	q := NewQueue(testLogger(), 1, 10)
	var handled atomic.Int32
	var failedJob atomic.Value
	q.SetErrorHandler(func(err error, job Job) {
		failedJob.Store(job.Name)
		handled.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(namedJob("task-42", func(ctx context.Context) error { return errors.New("boom") }))

	deadline := time.Now().Add(time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handled.Load() != 1 {
		t.Fatal("error handler not invoked")
	}
	if name, _ := failedJob.Load().(string); name != "task-42" {
		t.Errorf("error handler job name = %q", name)
	}
	if q.Stats().TotalFailed != 1 {
		t.Errorf("stats = %+v", q.Stats())
	}
}

func TestQueuePanicRecovered(t *testing.T) {
	q := NewQueue(testLogger(), 1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(namedJob("panicky", func(ctx context.Context) error { panic("boom") }))
	q.Enqueue(namedJob("ok", func(ctx context.Context) error { return nil }))

	deadline := time.Now().Add(time.Second)
	for q.Stats().TotalPanics == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if q.Stats().TotalPanics != 1 {
		t.Fatalf("panics = %d", q.Stats().TotalPanics)
	}
	if q.InFlight() != 0 {
		t.Errorf("in flight = %d after panic", q.InFlight())
	}
}

func TestQueueDropWhenFull(t *testing.T) {
	q := NewQueue(testLogger(), 1, 1)
	// 未启动 worker：队列填满后继续入队必须被丢弃
	if !q.Enqueue(namedJob("a", func(ctx context.Context) error { return nil })) {
		t.Fatal("first enqueue rejected")
	}
	if q.Enqueue(namedJob("b", func(ctx context.Context) error { return nil })) {
		t.Fatal("second enqueue must be dropped")
	}
	if q.Stats().TotalDropped != 1 {
		t.Errorf("dropped = %d", q.Stats().TotalDropped)
	}
}

func TestEnqueueBlockingHonorsContext(t *testing.T) {
	q := NewQueue(testLogger(), 1, 1)
	if err := q.EnqueueBlocking(context.Background(), namedJob("a", func(ctx context.Context) error { return nil })); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := q.EnqueueBlocking(ctx, namedJob("b", func(ctx context.Context) error { return nil }))
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("returned before context deadline")
	}
}

func TestShutdownWithTimeout(t *testing.T) {
	q := NewQueue(testLogger(), 1, 10)
	ctx := context.Background()
	q.Start(ctx)

	q.Enqueue(namedJob("slow", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}))

	if err := q.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if q.Enqueue(namedJob("late", func(ctx context.Context) error { return nil })) {
		t.Fatal("enqueue after shutdown must fail")
	}
}
