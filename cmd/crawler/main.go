package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmwatch/internal/config"
	"pharmwatch/internal/crawler"
	"pharmwatch/internal/pkg/logger"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/redisqueue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 进程退出码。
const (
	exitConfig = 2
)

// main 是浏览器采集服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志记录器
// 3. 启动采集服务实例（无头浏览器）
// 4. 启动 Redis Worker 与 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("load config: %v", err)
		os.Exit(exitConfig)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx := context.Background()

	metrics.InitMetrics(cfg.Browser.MaxConcurrency)

	redisQueue := redisqueue.NewClient(cfg.Redis.Addr, cfg.Redis.Password)
	service, err := crawler.NewService(ctx, cfg, appLogger, redisQueue)
	if err != nil {
		appLogger.Error("init harvester service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go func() {
		// 添加保险丝
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in harvest worker loop", slog.Any("panic", r))
				// Panic 后 worker 已停止；退出进程让容器编排负责重启，保持状态干净。
				os.Exit(1)
			}
		}()

		appLogger.Info("starting harvest worker loop")
		if err := service.StartWorker(workerCtx); err != nil && err != context.Canceled {
			appLogger.Error("harvest worker loop stopped", slog.String("error", err.Error()))
		}
	}()

	metricsAddr := ":2112"
	if v := os.Getenv("CRAWLER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("harvester metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))

	appLogger.Info("shutting down harvester service...")

	// 优雅关闭
	// 1. 停止拉取新任务
	stopWorkers()

	// 2. 关闭浏览器与后台任务
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("harvester shutdown error", slog.String("error", err.Error()))
	} else {
		appLogger.Info("harvester shutdown completed")
	}

	appLogger.Info("harvester service stopped gracefully")
}
