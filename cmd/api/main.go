package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmwatch/internal/api"
	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/pkg/logger"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/redisqueue"
	"pharmwatch/internal/upstream"
)

// 进程退出码。
const (
	exitOK     = 0
	exitConfig = 2
	exitAuth   = 3
	exitSchema = 4
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志
// 3. 校验上游凭证（已配置时）
// 4. 初始化并启动 API 服务器与调度器
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("load config: %v", err)
		os.Exit(exitConfig)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics(cfg.App.Concurrency)

	// 启动期凭证校验：凭证已配置但登录被拒时直接退出
	if cfg.Upstream.Phone != "" && cfg.Upstream.Password != "" {
		broker := upstream.NewTokenBroker(&cfg.Upstream, appLogger)
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, _, err := broker.Get(checkCtx)
		cancel()
		if err != nil {
			if errs.IsAuth(err) {
				appLogger.Error("upstream credentials rejected", slog.String("error", err.Error()))
				os.Exit(exitAuth)
			}
			appLogger.Warn("startup credential check inconclusive",
				slog.String("error", err.Error()))
		}
	}

	redisQueue := redisqueue.NewClient(cfg.Redis.Addr, cfg.Redis.Password)
	srv, err := api.NewServer(ctx, cfg, appLogger, redisQueue)
	if err != nil {
		appLogger.Error("init server failed", slog.String("error", err.Error()))
		if errors.Is(err, api.ErrSchemaMigration) {
			os.Exit(exitSchema)
		}
		os.Exit(1)
	}

	srv.StartScheduler(ctx)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := srv.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	os.Exit(exitOK)
}
