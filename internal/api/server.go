package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pharmwatch/internal/acquire"
	"pharmwatch/internal/analytics"
	"pharmwatch/internal/api/auth"
	"pharmwatch/internal/api/middleware"
	"pharmwatch/internal/api/scheduler"
	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"
	"pharmwatch/internal/pkg/dedup"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/notify"
	"pharmwatch/internal/pkg/ratelimit"
	"pharmwatch/internal/pkg/redisqueue"
	"pharmwatch/internal/pkg/taskqueue"
	"pharmwatch/internal/store"
	"pharmwatch/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ErrSchemaMigration 表示数据库表结构迁移失败（进程退出码 4）。
var ErrSchemaMigration = errors.New("schema migration failed")

// Server 封装 API 服务所需的依赖和路由处理。
//
// 组合根：数据库、Redis、上游客户端、采集编排器、调度器与分析服务
// 都在 NewServer 里构造并显式传递，接口缝供测试注入替身。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	router    *gin.Engine
	sched     *scheduler.Scheduler
	auth      *auth.Handler
	acquirer  Acquirer
	tasks     TaskStore
	submitter TaskSubmitter
	queries   QueryService
	saver     OfferSaver
	alerts    AlertLister
	watch     WatchStore
}

// Acquirer 执行单关键词采集（生产实现为 acquire.Orchestrator）。
type Acquirer interface {
	AcquireSuppliersForKeyword(ctx context.Context, keyword string, opts acquire.Options) (acquire.Result, error)
}

// OfferSaver 把采集结果落库（生产实现为 store.Store）。
type OfferSaver interface {
	SaveOffers(ctx context.Context, offers []upstream.Offer) (store.PersistStats, error)
}

// TaskStore 是任务相关的存储操作。
type TaskStore interface {
	CreateTask(ctx context.Context, name string, keywords []string) (*model.CrawlTask, error)
	GetTask(ctx context.Context, id uint) (*model.CrawlTask, error)
	CancelTask(ctx context.Context, id uint) (bool, error)
}

// TaskSubmitter 把任务提交到调度流。
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, taskID uint, source string, priority int) error
	CancelTask(ctx context.Context, taskID uint) error
}

// QueryService 是只读分析查询。
type QueryService interface {
	SearchDrugs(ctx context.Context, query, category string) ([]model.Drug, error)
	CompareDrug(ctx context.Context, drugID uint, includeOutliers bool) (*analytics.ComparisonView, error)
	PriceHistory(ctx context.Context, drugID uint, days int, includeOutliers bool) ([]analytics.HistoryPoint, error)
	ProcurementRecommendation(ctx context.Context, drugID uint, quantity int64, budgetCents *int64) (*analytics.Recommendation, error)
	PriceTrend(ctx context.Context, drugID uint, days int) (*analytics.Trend, error)
	GetStatistics(ctx context.Context) (*analytics.Statistics, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 并执行表结构迁移
// 2. 连接 Redis
// 3. 构造凭证管理、上游客户端、采集编排器与调度器
// 4. 注册 Gin 路由
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, redisQueue *redisqueue.Client) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭 GORM 调试日志
	})
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMigration, err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics(cfg.App.Concurrency)

	// 上游通道：凭证管理 → 限流 → 类型化客户端
	broker := upstream.NewTokenBroker(&cfg.Upstream, logger)
	limiter := ratelimit.NewRedisRateLimiter(rdb, logger,
		"pharmwatch:ratelimit:upstream", cfg.Upstream.RateLimit, cfg.Upstream.RateBurst)
	client := upstream.NewClient(&cfg.Upstream, broker, limiter, logger)

	// 浏览器通道：经 Redis 队列转发给爬虫进程
	harvester := acquire.NewRemoteHarvester(redisQueue, cfg.Browser.PageTimeout+60*time.Second, logger)
	orchestrator := acquire.NewOrchestrator(client, harvester, logger)

	deduper := dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)
	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)

	consumer, err := taskqueue.NewConsumer(rdb, logger, cfg.App.TaskQueueStream, cfg.App.TaskQueueGroup, "")
	if err != nil {
		return nil, err
	}
	producer := taskqueue.NewProducer(rdb, logger, cfg.App.TaskQueueStream)

	sched := scheduler.NewScheduler(st, rdb, logger, orchestrator, deduper, emailNotifier, consumer, producer, scheduler.Options{
		Concurrency:    cfg.App.Concurrency,
		QueueCapacity:  cfg.App.QueueCapacity,
		KeywordTimeout: cfg.App.KeywordTimeout,
		KeywordRetries: cfg.App.KeywordRetries,
		MinProviders:   cfg.App.MinProviders,
		WatchInterval:  cfg.App.WatchInterval,
		AlertEmail:     cfg.Email.ToEmail,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		router:    r,
		sched:     sched,
		auth:      auth.NewHandler(cfg.Security.JWTSecret, cfg.Security.OperatorName, cfg.Security.OperatorPassword, logger),
		acquirer:  orchestrator,
		tasks:     st,
		submitter: producer,
		queries:   analytics.NewService(st),
		saver:     st,
		alerts:    st,
		watch:     st,
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartScheduler 启动调度器与监控清单轮询。
func (s *Server) StartScheduler(ctx context.Context) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in scheduler", slog.Any("panic", r))
			}
		}()
		if err := s.sched.Run(ctx); err != nil {
			s.logger.Error("scheduler stopped", slog.String("error", err.Error()))
		}
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in watch list dispatcher", slog.Any("panic", r))
			}
		}()
		s.sched.DispatchWatchList(ctx)
	}()
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/login", s.auth.Login)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))

	authed.POST("/crawl/quick", s.handleCrawlQuick)
	authed.POST("/crawl/full", s.handleCrawlFull)
	authed.POST("/crawl/smart", s.handleCrawlSmart)
	authed.POST("/crawl/batch", s.handleCrawlBatch)
	authed.GET("/tasks/:id", s.handleGetTask)
	authed.DELETE("/tasks/:id", s.handleCancelTask)

	authed.GET("/search", s.handleSearch)
	authed.GET("/drugs/:id/prices", s.handleDrugPrices)
	authed.GET("/compare", s.handleCompare)
	authed.GET("/recommend", s.handleRecommend)
	authed.GET("/monitor/alerts", s.handleAlerts)
	authed.GET("/monitor/trend/:id", s.handleTrend)
	authed.GET("/statistics", s.handleStatistics)

	authed.GET("/watchlist", s.handleListWatch)
	authed.POST("/watchlist", s.handleAddWatch)
	authed.DELETE("/watchlist/:id", s.handleRemoveWatch)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError 把错误分类映射为 HTTP 状态与 {error, message} 响应体。
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case err == nil:
		return
	case upstream.IsInvalidInput(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	case errs.IsAuth(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth", "message": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "record not found"})
	default:
		var rl *errs.RateLimited
		if errors.As(err, &rl) {
			c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": err.Error()})
			return
		}
		var ce *errs.UpstreamClientError
		var pe *errs.UpstreamProtocolError
		var be *errs.BrowserHarvestError
		if errors.As(err, &ce) || errors.As(err, &pe) || errors.As(err, &be) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream", "message": err.Error()})
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout", "message": err.Error()})
			return
		}
		s.logger.Error("request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}

// ---------------------------------------------------------------------------
// 采集接口
// ---------------------------------------------------------------------------

type crawlRequest struct {
	Keyword      string `json:"keyword" binding:"required"`
	MaxPages     int    `json:"max_pages"`
	MinProviders int    `json:"min_providers"`
	ForceBrowser bool   `json:"force_browser"`
}

// offerSample 是采集响应里的样例行。
type offerSample struct {
	Name          string `json:"name"`
	Specification string `json:"specification"`
	Manufacturer  string `json:"manufacturer"`
	Supplier      string `json:"supplier"`
	Price         string `json:"price"`
	Origin        string `json:"origin"`
}

type crawlResponse struct {
	Method        string        `json:"method"`
	EndpointCount int           `json:"endpoint_count"`
	BrowserCount  int           `json:"browser_count"`
	DrugsUpserted int           `json:"drugs_upserted"`
	PricesWritten int           `json:"prices_written"`
	Sample        []offerSample `json:"sample"`
}

// handleCrawlQuick 快速模式：仅接口通道。
//
// POST /crawl/quick
func (s *Server) handleCrawlQuick(c *gin.Context) {
	s.runCrawl(c, acquire.Options{SkipBrowser: true})
}

// handleCrawlFull 全量模式：强制浏览器通道。
//
// POST /crawl/full
func (s *Server) handleCrawlFull(c *gin.Context) {
	s.runCrawl(c, acquire.Options{BrowserOnly: true, ForceBrowser: true})
}

// handleCrawlSmart 混合模式：接口优先、浏览器兜底。
//
// POST /crawl/smart
func (s *Server) handleCrawlSmart(c *gin.Context) {
	s.runCrawl(c, acquire.Options{})
}

func (s *Server) runCrawl(c *gin.Context, opts acquire.Options) {
	var req crawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}
	keyword := strings.TrimSpace(req.Keyword)
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "keyword must not be empty"})
		return
	}

	if req.MinProviders > 0 {
		opts.MinProviders = req.MinProviders
	} else {
		opts.MinProviders = s.cfg.App.MinProviders
	}
	if req.ForceBrowser {
		opts.ForceBrowser = true
	}
	if req.MaxPages > 0 {
		opts.MaxPages = req.MaxPages
	}
	opts.SupplierCap = s.cfg.App.SupplierCap
	opts.APIConcurrency = s.cfg.App.APIConcurrency

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.App.KeywordTimeout)
	defer cancel()

	result, err := s.acquirer.AcquireSuppliersForKeyword(ctx, keyword, opts)
	if err != nil {
		s.writeError(c, err)
		return
	}

	stats, err := s.saver.SaveOffers(ctx, result.Offers)
	if err != nil {
		s.writeError(c, err)
		return
	}

	sample := make([]offerSample, 0, 5)
	for i, offer := range result.Offers {
		if i >= 5 {
			break
		}
		sample = append(sample, offerSample{
			Name:          offer.Name,
			Specification: offer.Specification,
			Manufacturer:  offer.Manufacturer,
			Supplier:      offer.SupplierName,
			Price:         upstream.Yuan(offer.PriceCents),
			Origin:        offer.Origin,
		})
	}

	c.JSON(http.StatusOK, crawlResponse{
		Method:        result.Method,
		EndpointCount: result.EndpointCount,
		BrowserCount:  result.BrowserCount,
		DrugsUpserted: stats.DrugsUpserted,
		PricesWritten: stats.PricesWritten,
		Sample:        sample,
	})
}

type batchRequest struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords" binding:"required"`
	Priority int      `json:"priority"` // 0 普通 / 1 重要 / 2 紧急
}

// handleCrawlBatch 创建批量采集任务并提交到调度流。
//
// POST /crawl/batch
func (s *Server) handleCrawlBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}

	keywords := make([]string, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "keywords must not be empty"})
		return
	}
	if req.Priority < 0 || req.Priority > 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "priority must be 0, 1 or 2"})
		return
	}

	task, err := s.tasks.CreateTask(c.Request.Context(), req.Name, keywords)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.submitter.SubmitTask(c.Request.Context(), task.ID, "operator", req.Priority); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID})
}

// handleGetTask 返回任务进度快照。
//
// GET /tasks/:id
func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parsePathID(c)
	if !ok {
		return
	}

	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                 task.ID,
		"name":               task.Name,
		"status":             task.Status,
		"total_keywords":     task.TotalKeywords,
		"completed_keywords": task.CompletedKeywords,
		"failed_keywords":    task.FailedKeywords,
		"total_items":        task.TotalItems,
		"started_at":         task.StartedAt,
		"completed_at":       task.CompletedAt,
		"last_error":         task.LastError,
	})
}

// handleCancelTask 取消任务。
//
// DELETE /tasks/:id
func (s *Server) handleCancelTask(c *gin.Context) {
	id, ok := parsePathID(c)
	if !ok {
		return
	}

	changed, err := s.tasks.CancelTask(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if changed {
		if err := s.submitter.CancelTask(c.Request.Context(), id); err != nil {
			s.logger.Warn("publish cancel message failed",
				slog.Uint64("task_id", uint64(id)),
				slog.String("error", err.Error()))
		}
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": changed})
}

// ---------------------------------------------------------------------------
// 查询接口
// ---------------------------------------------------------------------------

// handleSearch 查找药品。
//
// GET /search?q=&category=
func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "q must not be empty"})
		return
	}

	drugs, err := s.queries.SearchDrugs(c.Request.Context(), q, c.Query("category"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	type drugRow struct {
		ID             uint    `json:"id"`
		Name           string  `json:"name"`
		Specification  string  `json:"specification"`
		Manufacturer   string  `json:"manufacturer"`
		Category       string  `json:"category"`
		Confidence     float64 `json:"category_confidence"`
		ApprovalNumber *string `json:"approval_number,omitempty"`
	}
	rows := make([]drugRow, 0, len(drugs))
	for _, d := range drugs {
		rows = append(rows, drugRow{
			ID:             d.ID,
			Name:           d.Name,
			Specification:  d.Specification,
			Manufacturer:   d.Manufacturer,
			Category:       d.Category,
			Confidence:     d.CategoryConfidence,
			ApprovalNumber: d.ApprovalNumber,
		})
	}
	c.JSON(http.StatusOK, rows)
}

// handleDrugPrices 返回价格观察列表。
//
// GET /drugs/:id/prices?include_outliers=&days=
func (s *Server) handleDrugPrices(c *gin.Context) {
	id, ok := parsePathID(c)
	if !ok {
		return
	}
	includeOutliers := c.Query("include_outliers") == "true" || c.Query("include_outliers") == "1"
	days := parseQueryInt(c, "days", 90)

	points, err := s.queries.PriceHistory(c.Request.Context(), id, days, includeOutliers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

// handleCompare 返回比价视图。
//
// GET /compare?drug_id=&include_outliers=
func (s *Server) handleCompare(c *gin.Context) {
	drugID, err := strconv.ParseUint(c.Query("drug_id"), 10, 32)
	if err != nil || drugID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid drug_id"})
		return
	}
	includeOutliers := c.Query("include_outliers") == "true" || c.Query("include_outliers") == "1"

	view, err := s.queries.CompareDrug(c.Request.Context(), uint(drugID), includeOutliers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleRecommend 返回采购建议。
//
// GET /recommend?drug_id=&quantity=&budget=
func (s *Server) handleRecommend(c *gin.Context) {
	drugID, err := strconv.ParseUint(c.Query("drug_id"), 10, 32)
	if err != nil || drugID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid drug_id"})
		return
	}
	quantity := int64(parseQueryInt(c, "quantity", 1))
	if quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "quantity must be positive"})
		return
	}

	var budgetCents *int64
	if raw := c.Query("budget"); raw != "" {
		budget, err := strconv.ParseFloat(raw, 64)
		if err != nil || budget <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid budget"})
			return
		}
		cents := int64(budget * 100)
		budgetCents = &cents
	}

	rec, err := s.queries.ProcurementRecommendation(c.Request.Context(), uint(drugID), quantity, budgetCents)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleAlerts 返回最近告警。
//
// GET /monitor/alerts?days=
func (s *Server) handleAlerts(c *gin.Context) {
	days := parseQueryInt(c, "days", 7)

	alerts, err := s.alerts.ListAlerts(c.Request.Context(), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// handleTrend 返回价格趋势分析。
//
// GET /monitor/trend/:id?days=
func (s *Server) handleTrend(c *gin.Context) {
	id, ok := parsePathID(c)
	if !ok {
		return
	}
	days := parseQueryInt(c, "days", 30)

	trend, err := s.queries.PriceTrend(c.Request.Context(), id, days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trend)
}

// handleStatistics 返回全库统计。
//
// GET /statistics
func (s *Server) handleStatistics(c *gin.Context) {
	stats, err := s.queries.GetStatistics(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ---------------------------------------------------------------------------
// 监控清单
// ---------------------------------------------------------------------------

// AlertLister / WatchStore 由 store.Store 满足；拆开接口是为了测试替身。
type AlertLister interface {
	ListAlerts(ctx context.Context, days int) ([]model.Alert, error)
}

type WatchStore interface {
	ListWatchItems(ctx context.Context, enabledOnly bool) ([]model.WatchListItem, error)
	AddWatchItem(ctx context.Context, item *model.WatchListItem) error
	RemoveWatchItem(ctx context.Context, id uint) error
}

type watchRequest struct {
	Keyword      string  `json:"keyword" binding:"required"`
	CategoryHint *string `json:"category_hint"`
	Priority     int     `json:"priority"`
}

// handleListWatch 返回监控清单。
//
// GET /watchlist
func (s *Server) handleListWatch(c *gin.Context) {
	items, err := s.watch.ListWatchItems(c.Request.Context(), false)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// handleAddWatch 添加监控关键词。
//
// POST /watchlist
func (s *Server) handleAddWatch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}
	keyword := strings.TrimSpace(req.Keyword)
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "keyword must not be empty"})
		return
	}
	if req.Priority < 0 || req.Priority > 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "priority must be 0, 1 or 2"})
		return
	}

	item := &model.WatchListItem{
		Keyword:      keyword,
		CategoryHint: req.CategoryHint,
		Priority:     req.Priority,
		Enabled:      true,
	}
	if err := s.watch.AddWatchItem(c.Request.Context(), item); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// handleRemoveWatch 删除监控关键词。
//
// DELETE /watchlist/:id
func (s *Server) handleRemoveWatch(c *gin.Context) {
	id, ok := parsePathID(c)
	if !ok {
		return
	}
	if err := s.watch.RemoveWatchItem(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ---------------------------------------------------------------------------
// 辅助函数
// ---------------------------------------------------------------------------

func parsePathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// parseQueryInt 解析查询参数中的整数值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
