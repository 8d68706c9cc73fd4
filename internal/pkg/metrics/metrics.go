package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus 指标集合。
//
// API 进程与爬虫进程共享同一套定义，各自只会更新与自己相关的部分。
var (
	// 采集请求
	HarvestRequestsTotal   *prometheus.CounterVec
	HarvestRequestDuration *prometheus.HistogramVec
	HarvestErrorsTotal     *prometheus.CounterVec
	HarvestBrowserActive   prometheus.Gauge
	HarvestQueueDepth      *prometheus.GaugeVec

	// 上游接口
	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamRetriesTotal  prometheus.Counter
	TokenRefreshTotal     prometheus.Counter

	// 调度器
	SchedulerKeywordsTotal  *prometheus.CounterVec
	SchedulerActiveTasks    prometheus.Gauge
	SchedulerWorkerPoolSize prometheus.Gauge
	KeywordDuplicateSkipped prometheus.Counter

	// 限流
	RateLimitWaitDuration    prometheus.Histogram
	RateLimitTimeoutTotal    prometheus.Counter
	RateLimitTokensRemaining prometheus.Gauge

	// HTTP 服务
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 任务流
	TaskAutoClaimTotal prometheus.Counter
	TaskDLQTotal       prometheus.Counter
	TaskStreamLag      prometheus.Histogram

	// 持久化
	PriceRowsWrittenTotal prometheus.Counter
	OutlierRowsTotal      *prometheus.CounterVec

	initOnce sync.Once
)

// InitMetrics 注册所有指标。workers 用于初始化调度器容量指标。
//
// 幂等：重复调用（如测试中）只注册一次。
func InitMetrics(workers int) {
	initOnce.Do(func() {
		HarvestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_harvest_requests_total",
			Help: "Browser harvest requests by status.",
		}, []string{"status"})

		HarvestRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pharmwatch_harvest_request_duration_seconds",
			Help:    "Browser harvest duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"status"})

		HarvestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_harvest_errors_total",
			Help: "Browser harvest errors by type.",
		}, []string{"type"})

		HarvestBrowserActive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pharmwatch_harvest_browser_pages_active",
			Help: "Currently open browser pages.",
		})

		HarvestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pharmwatch_harvest_queue_depth",
			Help: "Redis harvest queue depth.",
		}, []string{"queue"})

		UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_upstream_requests_total",
			Help: "Upstream endpoint calls by endpoint and status.",
		}, []string{"endpoint", "status"})

		UpstreamRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_upstream_retries_total",
			Help: "Upstream call retries.",
		})

		TokenRefreshTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_token_refresh_total",
			Help: "Credential refresh operations.",
		})

		SchedulerKeywordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_scheduler_keywords_total",
			Help: "Keywords processed by outcome.",
		}, []string{"outcome"})

		SchedulerActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pharmwatch_scheduler_active_tasks",
			Help: "Crawl tasks currently running.",
		})

		SchedulerWorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pharmwatch_scheduler_worker_pool_size",
			Help: "Configured scheduler worker pool size.",
		})
		SchedulerWorkerPoolSize.Set(float64(workers))

		KeywordDuplicateSkipped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_keyword_duplicate_skipped_total",
			Help: "Keywords skipped by the dedup window.",
		})

		RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pharmwatch_ratelimit_wait_seconds",
			Help:    "Time spent waiting for the upstream token bucket.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		})

		RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_ratelimit_timeout_total",
			Help: "Rate limit waits aborted by context.",
		})

		RateLimitTokensRemaining = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pharmwatch_ratelimit_tokens_remaining",
			Help: "Tokens left in the upstream bucket after the last acquire.",
		})

		HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_http_requests_total",
			Help: "Operator API requests by route and status.",
		}, []string{"method", "route", "status"})

		HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pharmwatch_http_request_duration_seconds",
			Help:    "Operator API request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "route"})

		TaskAutoClaimTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_task_autoclaim_total",
			Help: "Stream messages reclaimed after redelivery idle time.",
		})

		TaskDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_task_dlq_total",
			Help: "Messages moved to the dead letter stream.",
		})

		TaskStreamLag = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pharmwatch_task_stream_lag_seconds",
			Help:    "Time a task message waited in the stream before consumption.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		})

		PriceRowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pharmwatch_price_rows_written_total",
			Help: "Price observation rows inserted.",
		})

		OutlierRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmwatch_outlier_rows_total",
			Help: "Price rows annotated as outliers by kind.",
		}, []string{"kind"})
	})
}
