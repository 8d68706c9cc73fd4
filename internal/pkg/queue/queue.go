package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// JobFunc 是任务体。
type JobFunc func(ctx context.Context) error

// Job 是一个带名字的异步任务。调度器里一个 Job 对应一个批量采集
// 任务（"task-42"）；名字贯穿 worker 日志与错误回调，让一条失败
// 日志能直接对回任务号。
type Job struct {
	Name string
	Run  JobFunc
}

// ErrorHandler 错误处理回调函数。
type ErrorHandler func(err error, job Job)

// Queue 提供内存任务队列与固定 worker 池，带 panic 恢复与统计。
//
// 统计里额外记录排队等待时间与在途数量：采集任务动辄分钟级，
// 队列积压必须在日志里看得见。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan queuedJob
	errorHandler ErrorHandler

	wg       sync.WaitGroup
	closed   atomic.Bool
	inFlight atomic.Int64

	stats queueStats
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

// queueStats 队列内部统计信息（使用 atomic 类型）。
type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
	WaitMillis     atomic.Int64 // 累计排队毫秒数
}

// QueueStats 队列统计信息快照（普通值类型，可安全拷贝）。
type QueueStats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64
	TotalPanics    int64
	AvgWait        time.Duration // 平均排队时间
}

// NewQueue 创建一个新的任务队列。workers 与 capacity 至少为 1。
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan queuedJob, capacity),
	}
}

// SetErrorHandler 设置错误处理回调函数。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return

		case queued, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if queued.job.Run != nil {
				q.stats.WaitMillis.Add(time.Since(queued.enqueuedAt).Milliseconds())
				q.executeJob(ctx, queued.job, id)
			}
		}
	}
}

// executeJob 执行单个任务，带 panic 恢复、耗时记录和错误处理。
func (q *Queue) executeJob(ctx context.Context, job Job, workerID int) {
	q.inFlight.Add(1)
	start := time.Now()

	defer func() {
		q.inFlight.Add(-1)
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job.Run(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("job", job.Name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))

		if q.errorHandler != nil {
			q.errorHandler(err, job)
		}
	} else {
		q.stats.TotalSucceeded.Add(1)
		q.logger.Debug("job completed",
			slog.String("job", job.Name),
			slog.Duration("duration", time.Since(start)))
	}
}

// Enqueue 将任务放入队列，若队列已满则返回 false（非阻塞）。
func (q *Queue) Enqueue(job Job) bool {
	if job.Run == nil {
		return false
	}

	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject job", slog.String("job", job.Name))
		return false
	}

	select {
	case q.jobs <- queuedJob{job: job, enqueuedAt: time.Now()}:
		q.stats.TotalEnqueued.Add(1)
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("job", job.Name),
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// EnqueueBlocking 阻塞式入队，直到成功或 ctx 被取消。
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job is nil")
	}

	if q.closed.Load() {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.jobs <- queuedJob{job: job, enqueuedAt: time.Now()}:
		q.stats.TotalEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 优雅关闭队列：拒绝新任务、关闭通道、等待 worker 完成。
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
		q.logger.Info("queue shutdown initiated, waiting for workers to finish")
		q.wg.Wait()
		q.logger.Info("queue shutdown completed")
	}
}

// ShutdownWithTimeout 带超时的优雅关闭。
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}

	close(q.jobs)
	q.logger.Info("queue shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() QueueStats {
	processed := q.stats.TotalProcessed.Load()
	var avgWait time.Duration
	if processed > 0 {
		avgWait = time.Duration(q.stats.WaitMillis.Load()/processed) * time.Millisecond
	}
	return QueueStats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: processed,
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
		AvgWait:        avgWait,
	}
}

// InFlight 返回正在执行中的任务数量。
func (q *Queue) InFlight() int {
	return int(q.inFlight.Load())
}

// Len 返回当前队列中待处理的任务数量。
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap 返回队列的容量。
func (q *Queue) Cap() int {
	return cap(q.jobs)
}
