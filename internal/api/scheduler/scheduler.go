package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"pharmwatch/internal/acquire"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"
	"pharmwatch/internal/pkg/dedup"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/notify"
	"pharmwatch/internal/pkg/queue"
	"pharmwatch/internal/pkg/taskqueue"
	"pharmwatch/internal/store"

	"github.com/redis/go-redis/v9"
)

// Acquirer 是采集编排器的抽象（生产实现为 acquire.Orchestrator）。
type Acquirer interface {
	AcquireSuppliersForKeyword(ctx context.Context, keyword string, opts acquire.Options) (acquire.Result, error)
}

// ProgressEvent 是调度器推送给操作台的进度记录。
type ProgressEvent struct {
	TaskID  uint   `json:"task_id"`
	Keyword string `json:"keyword"`
	Phase   string `json:"phase"` // endpoint / browser / hybrid / skipped / failed
	OK      bool   `json:"ok"`
	Items   int    `json:"items"`
}

// progressChannel 是进度事件的 Redis 发布频道。
const progressChannel = "pharmwatch:task:progress"

// Options 调度器配置。
type Options struct {
	Concurrency    int           // 关键词并发（默认 3）
	QueueCapacity  int           // 任务队列容量
	KeywordTimeout time.Duration // 单关键词总预算（默认 180s）
	KeywordRetries int           // 单关键词最大重试（负值取默认 2；0 表示不重试）
	MinProviders   int           // 混合采集阈值
	WatchInterval  time.Duration // 监控清单轮询间隔
	AlertEmail     string        // 告警接收邮箱
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 200
	}
	if o.KeywordTimeout <= 0 {
		o.KeywordTimeout = 180 * time.Second
	}
	if o.KeywordRetries < 0 {
		o.KeywordRetries = 2
	}
	if o.MinProviders <= 0 {
		o.MinProviders = 5
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = 30 * time.Minute
	}
	return o
}

// Scheduler 驱动批量采集任务：消费任务流、按关键词展开到 worker 池、
// 维护任务计数器、推送进度事件、轮询监控清单。
type Scheduler struct {
	store        *store.Store
	rdb          *redis.Client
	logger       *slog.Logger
	acquirer     Acquirer
	deduper      *dedup.Deduplicator
	notifier     notify.Notifier
	opts         Options
	queue        *queue.Queue
	taskConsumer *taskqueue.Consumer
	taskProducer *taskqueue.Producer

	// taskHandler 默认为 runTask，测试中可替换
	taskHandler func(ctx context.Context, taskID uint) error
}

// NewScheduler 创建调度器。
func NewScheduler(
	st *store.Store,
	rdb *redis.Client,
	logger *slog.Logger,
	acquirer Acquirer,
	deduper *dedup.Deduplicator,
	notifier notify.Notifier,
	consumer *taskqueue.Consumer,
	producer *taskqueue.Producer,
	opts Options,
) *Scheduler {
	opts = opts.withDefaults()

	q := queue.NewQueue(logger, opts.Concurrency, opts.QueueCapacity)
	q.SetErrorHandler(func(err error, job queue.Job) {
		logger.Error("crawl task execution failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()))
	})

	s := &Scheduler{
		store:        st,
		rdb:          rdb,
		logger:       logger,
		acquirer:     acquirer,
		deduper:      deduper,
		notifier:     notifier,
		opts:         opts,
		queue:        q,
		taskConsumer: consumer,
		taskProducer: producer,
	}
	s.taskHandler = s.runTask
	return s
}

// Run 启动任务流消费循环，直到 ctx 被取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.taskConsumer == nil {
		return errors.New("task consumer is not initialized")
	}

	s.queue.Start(ctx)
	s.logger.Info("scheduler started",
		slog.Int("concurrency", s.opts.Concurrency),
		slog.String("keyword_timeout", s.opts.KeywordTimeout.String()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			if err := s.queue.ShutdownWithTimeout(30 * time.Second); err != nil {
				s.logger.Error("queue shutdown timeout", slog.String("error", err.Error()))
			}
			s.logger.Info("scheduler stopped")
			return nil
		default:
		}

		msgs, err := s.taskConsumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			s.logger.Error("read task stream failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			s.handleTaskMessage(ctx, msg)
		}
	}
}

// handleTaskMessage 分派一条任务流消息。
func (s *Scheduler) handleTaskMessage(ctx context.Context, msg *taskqueue.MessageWithID) {
	if msg == nil || msg.Message == nil {
		return
	}

	switch msg.Message.Action {
	case "cancel":
		// 权威取消状态在数据库里；消息只用于日志与确认
		s.logger.Info("task cancel observed",
			slog.Uint64("task_id", uint64(msg.Message.TaskID)))
		if err := s.taskConsumer.Ack(context.Background(), msg); err != nil {
			s.logger.Warn("ack cancel message failed", slog.String("error", err.Error()))
		}
	default:
		s.enqueueTaskMessage(ctx, msg)
	}
}

// enqueueTaskMessage 把执行消息放进 worker 池（队列满时阻塞）。
func (s *Scheduler) enqueueTaskMessage(ctx context.Context, msg *taskqueue.MessageWithID) {
	taskID := msg.Message.TaskID

	job := queue.Job{
		Name: fmt.Sprintf("task-%d", taskID),
		Run: func(jobCtx context.Context) error {
			runErr := s.taskHandler(jobCtx, taskID)
			if runErr != nil {
				action, failErr := s.taskConsumer.HandleFailure(context.Background(), msg, runErr)
				if failErr != nil {
					s.logger.Error("handle task failure failed",
						slog.Uint64("task_id", uint64(taskID)),
						slog.String("action", string(action)),
						slog.String("error", failErr.Error()))
				}
				return runErr
			}
			if ackErr := s.taskConsumer.Ack(context.Background(), msg); ackErr != nil {
				s.logger.Warn("ack task message failed",
					slog.Uint64("task_id", uint64(taskID)),
					slog.String("error", ackErr.Error()))
			}
			return nil
		},
	}
	err := s.queue.EnqueueBlocking(ctx, job)
	if err != nil {
		s.logger.Warn("enqueue task blocked or canceled",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()),
			slog.Int("queue_len", s.queue.Len()),
			slog.Int("queue_cap", s.queue.Cap()))
	}
}

// runTask 执行一个批量采集任务的全部关键词。
//
// 关键词并发受 worker 数限制；取消在关键词之间与重试之间被观察。
// 单个关键词的失败只累计计数，从不中断整个任务。
func (s *Scheduler) runTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.Status == model.TaskStatusCancelled {
		s.logger.Info("task already cancelled, skip", slog.Uint64("task_id", uint64(taskID)))
		return nil
	}
	if task.Status == model.TaskStatusSucceeded || task.Status == model.TaskStatusFailed {
		return nil
	}

	keywords, err := store.TaskKeywords(task)
	if err != nil {
		return fmt.Errorf("task %d keywords: %w", taskID, err)
	}

	if err := s.store.MarkTaskRunning(ctx, taskID); err != nil {
		return err
	}
	metrics.SchedulerActiveTasks.Inc()
	defer metrics.SchedulerActiveTasks.Dec()

	// 关键词以有界并发执行；取消与暂停在派发下一个关键词前被观察
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
	cancelled := false
	paused := false

	for _, keyword := range keywords {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		status, err := s.store.TaskStatus(ctx, taskID)
		if err == nil && status == model.TaskStatusCancelled {
			cancelled = true
			break
		}
		if err == nil && status == model.TaskStatusPaused {
			paused = true
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			cancelled = true
		}
		if cancelled {
			break
		}

		wg.Add(1)
		go func(kw string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processKeyword(ctx, task, kw)
		}(keyword)
	}

	wg.Wait()

	if paused {
		s.logger.Info("task paused, leaving remaining keywords",
			slog.Uint64("task_id", uint64(taskID)))
		return nil
	}
	if cancelled {
		s.logger.Info("task cancelled mid-run", slog.Uint64("task_id", uint64(taskID)))
		return nil
	}

	// 终态判定
	final, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if final.Status == model.TaskStatusCancelled {
		return nil
	}
	status := model.TaskStatusSucceeded
	if final.CompletedKeywords == 0 && final.FailedKeywords > 0 {
		status = model.TaskStatusFailed
	}
	return s.store.FinishTask(ctx, taskID, status)
}

// processKeyword 采集一个关键词，带重试与计数。
func (s *Scheduler) processKeyword(ctx context.Context, task *model.CrawlTask, keyword string) {
	// 去重窗口：窗口内已采集过的关键词直接跳过
	if s.deduper != nil {
		dup, err := s.deduper.IsDuplicate(ctx, keyword)
		if err != nil {
			s.logger.Warn("dedup check failed", slog.String("keyword", keyword), slog.String("error", err.Error()))
		} else if dup {
			metrics.KeywordDuplicateSkipped.Inc()
			s.logger.Info("keyword skipped by dedup window",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("keyword", keyword))
			if err := s.store.RecordKeywordSuccess(ctx, task.ID, 0); err != nil {
				s.logger.Warn("record keyword success failed", slog.String("error", err.Error()))
			}
			s.publishProgress(ctx, ProgressEvent{TaskID: task.ID, Keyword: keyword, Phase: "skipped", OK: true})
			return
		}
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.KeywordRetries; attempt++ {
		if attempt > 0 {
			// 重试退避；期间观察任务取消
			backoff := time.Duration(attempt) * 2 * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if status, err := s.store.TaskStatus(ctx, task.ID); err == nil && status == model.TaskStatusCancelled {
				return
			}
		}

		items, phase, err := s.acquireAndPersist(ctx, keyword)
		if err == nil {
			metrics.SchedulerKeywordsTotal.WithLabelValues("success").Inc()
			if err := s.store.RecordKeywordSuccess(ctx, task.ID, items); err != nil {
				s.logger.Warn("record keyword success failed", slog.String("error", err.Error()))
			}
			if err := s.store.TouchWatchItem(ctx, keyword, time.Now()); err != nil {
				s.logger.Debug("touch watch item failed", slog.String("error", err.Error()))
			}
			s.publishProgress(ctx, ProgressEvent{TaskID: task.ID, Keyword: keyword, Phase: phase, OK: true, Items: items})
			s.setTaskCrawlStatus(ctx, task.ID, "success", "")
			return
		}

		lastErr = err
		if errors.Is(err, context.Canceled) {
			return
		}

		// 认证失败对关键词是终止性的（刷新已在客户端内做过一次）
		if errs.IsAuth(err) {
			break
		}
		if !errs.IsRecoverable(err) && !errors.Is(err, context.DeadlineExceeded) {
			break
		}

		// 限速信号：尊重 retry_after
		var rl *errs.RateLimited
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			select {
			case <-time.After(rl.RetryAfter):
			case <-ctx.Done():
				return
			}
		}

		s.logger.Warn("keyword attempt failed, retrying",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("keyword", keyword),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	metrics.SchedulerKeywordsTotal.WithLabelValues("failed").Inc()
	if err := s.store.RecordKeywordFailure(ctx, task.ID, lastErr.Error()); err != nil {
		s.logger.Warn("record keyword failure failed", slog.String("error", err.Error()))
	}
	s.publishProgress(ctx, ProgressEvent{TaskID: task.ID, Keyword: keyword, Phase: "failed"})
	s.setTaskCrawlStatus(ctx, task.ID, "failed", lastErr.Error())
}

// acquireAndPersist 对一个关键词执行采集 + 落库 + 告警投递。
func (s *Scheduler) acquireAndPersist(ctx context.Context, keyword string) (int, string, error) {
	keywordCtx, cancel := context.WithTimeout(ctx, s.opts.KeywordTimeout)
	defer cancel()

	result, err := s.acquirer.AcquireSuppliersForKeyword(keywordCtx, keyword, acquire.Options{
		MinProviders: s.opts.MinProviders,
	})
	if err != nil {
		return 0, "", err
	}

	// 落库使用独立 context，避免采集超时把半批事务打断
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer persistCancel()

	stats, err := s.store.SaveOffers(persistCtx, result.Offers)
	if err != nil {
		return stats.PricesWritten, result.Method, err
	}

	s.deliverAlerts(persistCtx, stats.Alerts)

	return stats.PricesWritten, result.Method, nil
}

// deliverAlerts 把新产生的告警投递给通知器。
func (s *Scheduler) deliverAlerts(ctx context.Context, alerts []model.Alert) {
	if s.notifier == nil || s.opts.AlertEmail == "" || len(alerts) == 0 {
		return
	}
	for i := range alerts {
		alert := alerts[i]
		drug, err := s.store.GetDrug(ctx, alert.DrugID)
		if err != nil {
			s.logger.Warn("load drug for alert failed",
				slog.Uint64("drug_id", uint64(alert.DrugID)),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.notifier.Send(ctx, drug, &alert, s.opts.AlertEmail); err != nil {
			s.logger.Warn("send alert notification failed",
				slog.Uint64("alert_id", uint64(alert.ID)),
				slog.String("error", err.Error()))
		}
	}
}

// publishProgress 发布进度事件到 Redis 频道。
func (s *Scheduler) publishProgress(ctx context.Context, event ProgressEvent) {
	if s.rdb == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, progressChannel, payload).Err(); err != nil {
		s.logger.Debug("publish progress failed", slog.String("error", err.Error()))
	}
}

// setTaskCrawlStatus 把任务最近状态写入 Redis，供操作台查询。
func (s *Scheduler) setTaskCrawlStatus(ctx context.Context, taskID uint, status, message string) {
	if s.rdb == nil || status == "" {
		return
	}
	key := "task:crawl_status:" + strconv.FormatUint(uint64(taskID), 10)
	msgKey := "task:crawl_message:" + strconv.FormatUint(uint64(taskID), 10)
	ttl := 24 * time.Hour
	if err := s.rdb.Set(ctx, key, status, ttl).Err(); err != nil {
		s.logger.Warn("set crawl status failed", slog.String("error", err.Error()))
	}
	if message != "" {
		if err := s.rdb.Set(ctx, msgKey, message, ttl).Err(); err != nil {
			s.logger.Warn("set crawl message failed", slog.String("error", err.Error()))
		}
	} else {
		if err := s.rdb.Del(ctx, msgKey).Err(); err != nil && err != redis.Nil {
			s.logger.Warn("delete crawl message failed", slog.String("error", err.Error()))
		}
	}
}

// DispatchWatchList 周期性把到期的监控关键词打包成批量任务入队。
func (s *Scheduler) DispatchWatchList(ctx context.Context) {
	if s.taskProducer == nil {
		s.logger.Warn("task producer not initialized, watch list dispatch disabled")
		return
	}

	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	s.logger.Info("watch list dispatcher started",
		slog.String("interval", s.opts.WatchInterval.String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDueWatchItems(ctx)
		}
	}
}

func (s *Scheduler) dispatchDueWatchItems(ctx context.Context) {
	items, err := s.store.ListWatchItems(ctx, true)
	if err != nil {
		s.logger.Error("list watch items failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	var due []string
	priority := 0
	for _, item := range items {
		if item.LastCrawledAt != nil && now.Sub(*item.LastCrawledAt) < s.opts.WatchInterval {
			continue
		}
		due = append(due, item.Keyword)
		if item.Priority > priority {
			priority = item.Priority
		}
	}
	if len(due) == 0 {
		return
	}

	task, err := s.store.CreateTask(ctx, "watchlist "+now.Format("2006-01-02 15:04"), due)
	if err != nil {
		s.logger.Error("create watch list task failed", slog.String("error", err.Error()))
		return
	}
	// 批次优先级取清单中最高的条目优先级
	if err := s.taskProducer.SubmitTask(ctx, task.ID, "watchlist", priority); err != nil {
		s.logger.Error("submit watch list task failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("watch list task dispatched",
		slog.Uint64("task_id", uint64(task.ID)),
		slog.Int("keywords", len(due)),
		slog.Int("priority", priority))
}
