package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pharmwatch/internal/config"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/redisqueue"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	// 超时常量
	browserInitTimeout     = 30 * time.Second       // 浏览器初始化超时
	browserHealthInterval  = 30 * time.Second       // 浏览器健康检查间隔
	browserHealthTimeout   = 5 * time.Second        // 健康检查单次超时
	stuckTaskCheckInterval = 1 * time.Minute        // 卡住任务检查间隔
	stuckTaskRescueTimeout = 10 * time.Second       // 卡住任务恢复超时
	stuckTaskThreshold     = 3 * time.Minute        // 任务被认定为卡住的阈值
	watchdogMargin         = 10 * time.Second       // 看门狗比任务超时多出的余量
	pageCreateTimeout      = 10 * time.Second       // 页面创建超时
	stealthScriptTimeout   = 5 * time.Second        // Stealth 脚本应用超时
	redisOperationTimeout  = 5 * time.Second        // Redis 操作超时
	domSettleWindow        = 500 * time.Millisecond // 卡片区域稳定窗口
	scrollWaitInterval     = 500 * time.Millisecond // 滚动后等待间隔
)

// Service 负责浏览器调度与页面解析。
//
// 它维护一个 rod.Browser 实例；并发页面数由 StartWorker 中的信号量
// 控制，每个关键词独占一个页面，用完即关。
type Service struct {
	browser       *rod.Browser
	logger        *slog.Logger
	defaultUA     string
	pageTimeout   time.Duration
	actionTimeout time.Duration
	maxFetchCount int
	cfg           *config.Config
	mu            sync.RWMutex
	redisQueue    *redisqueue.Client

	// 后台任务控制
	bgCtx    context.Context
	bgCancel context.CancelFunc

	// 统计信息
	stats harvesterStats
}

// harvesterStats 采集统计信息。
type harvesterStats struct {
	mu             sync.Mutex
	totalProcessed int64
	totalSucceeded int64
	totalFailed    int64
	totalPanics    int64
}

func (s *harvesterStats) add(field *int64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// NewService 启动浏览器实例并创建服务。
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger, redisQueue *redisqueue.Client) (*Service, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pageTimeout := cfg.Browser.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = 60 * time.Second
	}
	actionTimeout := cfg.Browser.ActionTimeout
	if actionTimeout <= 0 {
		actionTimeout = 15 * time.Second
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	service := &Service{
		browser:       browser,
		logger:        logger,
		defaultUA:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
		pageTimeout:   pageTimeout,
		actionTimeout: actionTimeout,
		maxFetchCount: cfg.Browser.MaxFetchCount,
		cfg:           cfg,
		redisQueue:    redisQueue,
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}

	go service.startBrowserHealthCheck(bgCtx)
	go service.startStuckTaskCleanup(bgCtx)

	logger.Info("harvester service initialized",
		slog.Int("max_concurrency", cfg.Browser.MaxConcurrency))

	return service, nil
}

// StartWorker runs the harvest request consumption loop until ctx is canceled.
func (s *Service) StartWorker(ctx context.Context) error {
	if s.redisQueue == nil {
		return errors.New("redis queue client is not initialized")
	}

	// 令牌数 = 浏览器最大并发数，确保同时打开的页面数不超过配置值
	concurrencyLimit := s.cfg.Browser.MaxConcurrency
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}
	sem := make(chan struct{}, concurrencyLimit)
	s.logger.Info("harvester worker started",
		slog.Int("max_concurrent_pages", concurrencyLimit))

	for {
		// 1. 在拉取任务前先申请令牌，处理不过来时暂停拉取 Redis
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		// 2. 拉取任务
		req, err := s.redisQueue.PopHarvest(ctx, 2*time.Second)
		if err != nil {
			<-sem
			if errors.Is(err, redisqueue.ErrNoTask) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("worker loop stopped")
				return err
			}
			s.logger.Error("pop harvest request failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		// 3. 处理任务（在独立 goroutine 中，带看门狗保护）
		go func(r *redisqueue.HarvestRequest) {
			taskStart := time.Now()
			done := make(chan struct{})

			// 看门狗只记录日志与专用指标；统计由正常超时路径更新
			go func() {
				select {
				case <-done:
				case <-time.After(s.pageTimeout + watchdogMargin):
					s.logger.Error("watchdog timeout triggered, harvest stuck",
						slog.String("request_id", r.ID),
						slog.Duration("elapsed", time.Since(taskStart)))
					metrics.HarvestErrorsTotal.WithLabelValues("watchdog_timeout").Inc()
				}
			}()

			// 确保信号量一定会被释放
			defer func() {
				close(done)
				<-sem
				s.logger.Debug("harvest goroutine exited",
					slog.String("request_id", r.ID),
					slog.Duration("total_duration", time.Since(taskStart)))
			}()

			// Panic 恢复
			defer func() {
				if rec := recover(); rec != nil {
					s.stats.add(&s.stats.totalPanics)
					s.logger.Error("harvest panic recovered",
						slog.String("request_id", r.ID),
						slog.Any("panic", rec))
					s.pushResult(&redisqueue.HarvestResult{
						ID:           r.ID,
						ErrorMessage: fmt.Sprintf("panic: %v", rec),
					})
					s.ackRequest(r)
				}
			}()

			taskCtx, cancel := context.WithTimeout(context.Background(), s.pageTimeout)
			defer cancel()

			result := s.handleRequest(taskCtx, r)
			s.pushResult(result)
			s.ackRequest(r)
		}(req)
	}
}

// handleRequest 按请求类型分派到具体的采集流程。
func (s *Service) handleRequest(ctx context.Context, req *redisqueue.HarvestRequest) *redisqueue.HarvestResult {
	start := time.Now()
	s.stats.add(&s.stats.totalProcessed)
	metrics.HarvestBrowserActive.Inc()
	defer metrics.HarvestBrowserActive.Dec()

	result := &redisqueue.HarvestResult{ID: req.ID}

	switch req.Kind {
	case redisqueue.HarvestKindOffers:
		offers, err := s.HarvestOffers(ctx, req.Keyword, req.MaxCount)
		if err != nil {
			result.ErrorMessage = err.Error()
		}
		result.Offers = offers

	case redisqueue.HarvestKindDetail:
		detail, err := s.ExtractDetail(ctx, req.DrugID)
		if err != nil {
			result.ErrorMessage = err.Error()
		}
		result.Detail = detail

	default:
		result.ErrorMessage = "unknown harvest kind: " + req.Kind
	}

	status := "success"
	if result.ErrorMessage != "" {
		status = "failed"
		s.stats.add(&s.stats.totalFailed)
		metrics.HarvestErrorsTotal.WithLabelValues(classifyHarvestError(errors.New(result.ErrorMessage))).Inc()
	} else {
		s.stats.add(&s.stats.totalSucceeded)
	}
	metrics.HarvestRequestsTotal.WithLabelValues(status).Inc()
	metrics.HarvestRequestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	s.logger.Info("harvest request handled",
		slog.String("request_id", req.ID),
		slog.String("kind", req.Kind),
		slog.String("status", status),
		slog.Int("offers", len(result.Offers)),
		slog.Duration("duration", time.Since(start)))

	return result
}

func (s *Service) pushResult(result *redisqueue.HarvestResult) {
	pushCtx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := s.redisQueue.PushResult(pushCtx, result); err != nil {
		s.logger.Error("push harvest result failed",
			slog.String("request_id", result.ID),
			slog.String("error", err.Error()))
	}
}

func (s *Service) ackRequest(req *redisqueue.HarvestRequest) {
	ackCtx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := s.redisQueue.AckHarvest(ackCtx, req); err != nil {
		s.logger.Error("ack harvest request failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
	}
}

// startBrowser 根据配置启动浏览器。
//
// 针对 Docker/容器环境做了适配（NoSandbox、禁用 /dev/shm）。
func startBrowser(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.Browser.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Browser.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("disable-application-cache", "true").
		Set("js-flags", "--max_old_space_size=512")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	logger.Info("browser started", slog.String("bin", bin))
	return browser, nil
}

// startBrowserHealthCheck 定期检查浏览器健康状态，无响应时重启实例。
func (s *Service) startBrowserHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(browserHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.checkBrowserHealth(ctx) {
				s.logger.Warn("browser health check failed, restarting browser instance")
				if err := s.restartBrowserInstance(ctx); err != nil {
					s.logger.Error("failed to restart browser instance", slog.String("error", err.Error()))
				} else {
					s.logger.Info("browser instance restarted successfully")
				}
			}
		}
	}
}

// startStuckTaskCleanup 定期救援 processing 队列中卡住的请求。
func (s *Service) startStuckTaskCleanup(ctx context.Context) {
	if s.redisQueue == nil {
		return
	}
	ticker := time.NewTicker(stuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rescueCtx, cancel := context.WithTimeout(ctx, stuckTaskRescueTimeout)
			count, err := s.redisQueue.RescueStuckTasks(rescueCtx, stuckTaskThreshold)
			cancel()
			if err != nil {
				s.logger.Warn("failed to rescue stuck requests", slog.String("error", err.Error()))
			} else if count > 0 {
				s.logger.Info("rescued stuck requests", slog.Int("count", count))
			}
		}
	}
}

// checkBrowserHealth 检查浏览器是否响应。
func (s *Service) checkBrowserHealth(ctx context.Context) bool {
	s.mu.RLock()
	browser := s.browser
	s.mu.RUnlock()

	if browser == nil {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, browserHealthTimeout)
	defer cancel()

	page, err := browser.Context(healthCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer func() {
		if page != nil {
			_ = page.Close()
		}
	}()

	_, err = page.Eval("() => document.title")
	return err == nil
}

// restartBrowserInstance 重启浏览器实例。
func (s *Service) restartBrowserInstance(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		s.browser = nil
	}

	restartCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	newBrowser, err := startBrowser(restartCtx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("start new browser: %w", err)
	}

	s.browser = newBrowser
	return nil
}

// currentBrowser 获取当前浏览器引用。
func (s *Service) currentBrowser() *rod.Browser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browser
}

// Shutdown 停止后台任务并关闭浏览器。
func (s *Service) Shutdown(ctx context.Context) error {
	s.bgCancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
		s.browser = nil
	}
	return nil
}
