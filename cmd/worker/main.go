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

	"recohunter/internal/cache"
	"recohunter/internal/config"
	"recohunter/internal/jobqueue"
	"recohunter/internal/orchestrator"
	"recohunter/internal/pkg/logger"
	"recohunter/internal/pkg/ratelimit"
	"recohunter/internal/scraper"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是抓取 Worker 的入口函数。
//
// 它负责：
// 1. 加载配置与日志
// 2. 连接 Redis，组装队列、缓存、编排器与浏览器会话
// 3. 启动消费循环与 Metrics 服务
// 4. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("redis ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	queue := jobqueue.New(rdb, "scraping", jobqueue.Options{
		MaxAttempts: cfg.App.JobAttempts,
		Backoff:     cfg.App.JobBackoff,
	}, appLogger)
	store := cache.New(rdb, cfg.Cache.TTL, cfg.Cache.MaxItems, appLogger)
	orch := orchestrator.New(queue, store, appLogger)

	sessions := scraper.NewManager(cfg, appLogger)
	engine := scraper.NewEngine(sessions, cfg, appLogger)

	var limiter *ratelimit.RateLimiter
	if cfg.App.RateLimit > 0 {
		limiter = ratelimit.NewRedisRateLimiter(rdb, appLogger, "", cfg.App.RateLimit, cfg.App.RateBurst)
	}

	worker := orchestrator.NewWorker(orch, queue, engine, limiter,
		cfg.App.WorkerConcurrency, cfg.App.ScrapeTimeout, appLogger)

	workerCtx, stopWorker := context.WithCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in worker loop", slog.Any("panic", r))
				// 记录日志后退出，让容器编排层负责重启，保持状态干净。
				os.Exit(1)
			}
		}()

		appLogger.Info("starting worker loop")
		if err := worker.Run(workerCtx); err != nil && err != context.Canceled {
			appLogger.Error("worker loop stopped", slog.String("error", err.Error()))
		}
	}()

	metricsAddr := ":2112"
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))

	appLogger.Info("shutting down worker...")

	// 1. 停止拉取新任务
	stopWorker()

	// 2. 等待在途任务与 Metrics 服务收尾
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	// 3. 关闭浏览器与 Redis
	sessions.Shutdown()
	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}

	stats := worker.Stats()
	appLogger.Info("worker stopped gracefully",
		slog.Int64("processed", stats.TotalProcessed),
		slog.Int64("succeeded", stats.TotalSucceeded),
		slog.Int64("failed", stats.TotalFailed))
}
