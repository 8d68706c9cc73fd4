package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/queue"
	"pharmwatch/internal/pkg/taskqueue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testStream       = "pharmwatch:task:queue"
	testUrgentStream = "pharmwatch:task:queue:urgent"
)

func TestHandleTaskMessage_SuccessAck(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer, err := taskqueue.NewConsumer(rdb, logger, testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msg := taskqueue.NewExecuteMessage(1, "operator", 0)
	msgID := addStreamMessage(t, rdb, testStream, msg)
	read := readOneMessage(t, consumer, ctx)

	s := &Scheduler{
		logger:       logger,
		queue:        queue.NewQueue(logger, 1, 10),
		taskConsumer: consumer,
		taskHandler: func(ctx context.Context, taskID uint) error {
			return nil
		},
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)

	waitForPendingCount(t, rdb, testStream, "test_group", 0)
	if read.ID != msgID || read.Stream != testStream {
		t.Fatalf("expected %s on %s, got %s on %s", msgID, testStream, read.ID, read.Stream)
	}
}

// 失败的消息保持未确认，不重新发布；空闲超过 pendingIdle 后被
// XAUTOCLAIM 重投给消费者。
func TestHandleTaskMessage_RedeliveryRetry(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer, err := taskqueue.NewConsumer(
		rdb,
		logger,
		testStream,
		"test_group",
		"c1",
		taskqueue.WithMaxRetry(2),
		taskqueue.WithPendingIdle(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msg := taskqueue.NewExecuteMessage(2, "operator", 0)
	msgID := addStreamMessage(t, rdb, testStream, msg)
	read := readOneMessage(t, consumer, ctx)

	q := queue.NewQueue(logger, 1, 10)
	s := &Scheduler{
		logger:       logger,
		queue:        q,
		taskConsumer: consumer,
		taskHandler: func(ctx context.Context, taskID uint) error {
			return errors.New("boom")
		},
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)
	waitForProcessed(t, q, 1)

	// 不重发：流长度不变，消息仍然 pending
	if got := xlen(t, rdb, testStream); got != 1 {
		t.Fatalf("stream length = %d, want 1 (no republish)", got)
	}
	waitForPendingCount(t, rdb, testStream, "test_group", 1)

	// 空闲超过 pendingIdle 后同一条消息被重投
	time.Sleep(20 * time.Millisecond)
	redelivered := readOneMessage(t, consumer, ctx)
	if redelivered.ID != msgID {
		t.Fatalf("expected redelivery of %s, got %s", msgID, redelivered.ID)
	}
	if redelivered.Message.TaskID != 2 {
		t.Fatalf("redelivered task id = %d", redelivered.Message.TaskID)
	}
}

// 投递次数超过 maxRetry 的消息进入死信流并被确认。
func TestHandleTaskMessage_DLQ(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer, err := taskqueue.NewConsumer(
		rdb,
		logger,
		testStream,
		"test_group",
		"c1",
		taskqueue.WithMaxRetry(0),
	)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msg := taskqueue.NewExecuteMessage(3, "operator", 0)
	addStreamMessage(t, rdb, testStream, msg)
	read := readOneMessage(t, consumer, ctx)

	q := queue.NewQueue(logger, 1, 10)
	s := &Scheduler{
		logger:       logger,
		queue:        q,
		taskConsumer: consumer,
		taskHandler: func(ctx context.Context, taskID uint) error {
			return errors.New("boom")
		},
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)
	waitForProcessed(t, q, 1)

	waitForPendingCount(t, rdb, testStream, "test_group", 0)
	dlqLen := xlen(t, rdb, testStream+":dlq")
	if dlqLen == 0 {
		t.Fatalf("expected DLQ message")
	}
}

// 紧急流先于普通流被消费。
func TestUrgentStreamReadFirst(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer, err := taskqueue.NewConsumer(rdb, logger, testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	addStreamMessage(t, rdb, testStream, taskqueue.NewExecuteMessage(10, "operator", 0))
	addStreamMessage(t, rdb, testUrgentStream, taskqueue.NewExecuteMessage(11, "operator", 2))

	read := readOneMessage(t, consumer, ctx)
	if read.Message.TaskID != 11 || read.Stream != testUrgentStream {
		t.Fatalf("expected urgent task 11 first, got %d from %s", read.Message.TaskID, read.Stream)
	}
}

func TestHandleTaskMessage_CancelActionAcks(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumer, err := taskqueue.NewConsumer(rdb, logger, testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msg := taskqueue.NewCancelMessage(9)
	addStreamMessage(t, rdb, testUrgentStream, msg)
	read := readOneMessage(t, consumer, ctx)

	handlerCalled := false
	s := &Scheduler{
		logger:       logger,
		queue:        queue.NewQueue(logger, 1, 10),
		taskConsumer: consumer,
		taskHandler: func(ctx context.Context, taskID uint) error {
			handlerCalled = true
			return nil
		},
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)

	waitForPendingCount(t, rdb, testUrgentStream, "test_group", 0)
	if handlerCalled {
		t.Fatal("cancel message must not run the task handler")
	}
}

func TestEnqueueTaskMessage_BlocksWhenFull(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewQueue(logger, 1, 1)
	filler := queue.Job{Name: "filler", Run: func(ctx context.Context) error { return nil }}
	if err := q.EnqueueBlocking(context.Background(), filler); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	consumer, err := taskqueue.NewConsumer(rdb, logger, testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	s := &Scheduler{
		logger:       logger,
		queue:        q,
		taskConsumer: consumer,
		taskHandler: func(ctx context.Context, taskID uint) error {
			return nil
		},
	}

	msg := taskqueue.NewExecuteMessage(4, "operator", 0)
	addStreamMessage(t, rdb, testStream, msg)
	read := readOneMessage(t, consumer, context.Background())

	start := time.Now()
	s.enqueueTaskMessage(ctx, read)
	if time.Since(start) < 45*time.Millisecond {
		t.Fatalf("expected blocking enqueue")
	}
}

func newMiniRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	metrics.InitMetrics(1)
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return rdb, func() {
		_ = rdb.Close()
		s.Close()
	}
}

func addStreamMessage(t *testing.T, rdb *redis.Client, stream string, msg *taskqueue.TaskMessage) string {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal msg: %v", err)
	}
	id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}
	return id
}

func readOneMessage(t *testing.T, consumer *taskqueue.Consumer, ctx context.Context) *taskqueue.MessageWithID {
	t.Helper()
	msgs, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("expected message")
	}
	return msgs[0]
}

func waitForProcessed(t *testing.T, q *queue.Queue, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Stats().TotalProcessed >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("processed count did not reach %d", want)
}

func waitForPendingCount(t *testing.T, rdb *redis.Client, stream, group string, want int64) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		info, err := rdb.XPending(context.Background(), stream, group).Result()
		if err == nil && info.Count == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending count not %d", want)
}

func xlen(t *testing.T, rdb *redis.Client, stream string) int64 {
	t.Helper()
	val, err := rdb.XLen(context.Background(), stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	return val
}
