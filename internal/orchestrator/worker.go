package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"recohunter/internal/jobqueue"
	"recohunter/internal/pkg/metrics"
	"recohunter/internal/pkg/ratelimit"
)

const (
	dequeueBlockTimeout   = 2 * time.Second
	jobTimeoutMargin      = 30 * time.Second
	watchdogMargin        = 10 * time.Second
	queueOperationTimeout = 5 * time.Second
	stuckJobCheckInterval = time.Minute
	stuckJobThreshold     = 2 * time.Minute
	stuckJobRescueTimeout = 10 * time.Second
)

// Worker 消费队列任务并驱动抓取引擎。
//
// 并发由信号量控制，令牌数等于配置的最大并发页面数。每个任务在独立
// goroutine 中执行，带 panic 恢复和看门狗计时器。
type Worker struct {
	orch        *Orchestrator
	queue       *jobqueue.Queue
	engine      Extractor
	limiter     *ratelimit.RateLimiter
	concurrency int
	jobTimeout  time.Duration
	logger      *slog.Logger

	stats workerStats
}

type workerStats struct {
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalPanics    atomic.Int64
}

// WorkerStats 统计快照。
type WorkerStats struct {
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalPanics    int64
}

// NewWorker wires a queue consumer. limiter may be nil (无限流).
func NewWorker(orch *Orchestrator, queue *jobqueue.Queue, engine Extractor, limiter *ratelimit.RateLimiter, concurrency int, jobTimeout time.Duration, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 60 * time.Second
	}
	return &Worker{
		orch:        orch,
		queue:       queue,
		engine:      engine,
		limiter:     limiter,
		concurrency: concurrency,
		jobTimeout:  jobTimeout + jobTimeoutMargin,
		logger:      logger,
	}
}

// Run 运行消费循环直到 ctx 结束。
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	w.logger.Info("worker started", slog.Int("max_concurrent_jobs", w.concurrency))

	go w.startStuckJobCleanup(ctx)

	for {
		// 先申请令牌再拉任务，处理不过来就暂停消费
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		rec, err := w.queue.Dequeue(ctx, dequeueBlockTimeout)
		if err != nil {
			<-sem
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("worker loop stopped")
				return err
			}
			w.logger.Error("dequeue failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if rec == nil {
			<-sem
			continue
		}

		go func(rec *jobqueue.JobRecord) {
			jobStart := time.Now()
			jobTimeout := w.timeoutFor(rec)
			done := make(chan struct{})

			// 看门狗只记录日志，不动统计；任务最终会通过 ctx 超时返回
			go func() {
				select {
				case <-done:
				case <-time.After(jobTimeout + watchdogMargin):
					w.logger.Error("watchdog timeout triggered, job stuck",
						slog.String("id", rec.ID),
						slog.Duration("elapsed", time.Since(jobStart)))
				}
			}()

			defer func() {
				close(done)
				<-sem
			}()

			defer func() {
				if r := recover(); r != nil {
					w.stats.TotalPanics.Add(1)
					w.logger.Error("job panic recovered",
						slog.String("id", rec.ID),
						slog.Any("panic", r))
					w.failJob(rec, fmt.Sprintf("panic: %v", r))
				}
			}()

			w.handle(ctx, rec, jobStart, jobTimeout)
		}(rec)
	}
}

// timeoutFor 给出单个任务的执行上限。请求自带的 timeout（毫秒）超过默认值
// 时以请求为准，否则用配置的默认抓取超时，两者都额外留出收尾余量。
func (w *Worker) timeoutFor(rec *jobqueue.JobRecord) time.Duration {
	var payload struct {
		Timeout int `json:"timeout"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err == nil && payload.Timeout > 0 {
		if d := time.Duration(payload.Timeout)*time.Millisecond + jobTimeoutMargin; d > w.jobTimeout {
			return d
		}
	}
	return w.jobTimeout
}

// handle 执行单个任务并按结果收尾队列记录。
func (w *Worker) handle(ctx context.Context, rec *jobqueue.JobRecord, jobStart time.Time, jobTimeout time.Duration) {
	w.stats.TotalProcessed.Add(1)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	if w.limiter != nil {
		if err := w.limiter.Acquire(jobCtx); err != nil {
			w.logger.Warn("rate limit wait failed, failing job for retry",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
			w.failJob(rec, fmt.Sprintf("rate limit: %v", err))
			w.stats.TotalFailed.Add(1)
			return
		}
	}

	result, err := w.orch.Execute(jobCtx, rec, w.engine)
	if err != nil {
		w.logger.Error("job execution error",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(jobStart)))
		w.failJob(rec, err.Error())
		w.stats.TotalFailed.Add(1)
		return
	}

	// 失败的 Result 交给队列的重试策略处理，重试耗尽才落终态
	opCtx, opCancel := context.WithTimeout(context.Background(), queueOperationTimeout)
	defer opCancel()

	if result.Success {
		if err := w.queue.Complete(opCtx, rec.ID, result); err != nil {
			w.logger.Error("complete job failed",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
		}
		metrics.JobsCompletedTotal.WithLabelValues(rec.Name, "completed").Inc()
		w.stats.TotalSucceeded.Add(1)
		w.logger.Info("job completed",
			slog.String("id", rec.ID),
			slog.Int("products", result.TotalProducts),
			slog.Duration("duration", time.Since(jobStart)))
		return
	}

	if err := w.queue.Fail(opCtx, rec.ID, result.Error); err != nil {
		w.logger.Error("fail job failed",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
	}
	metrics.JobsCompletedTotal.WithLabelValues(rec.Name, "failed").Inc()
	w.stats.TotalFailed.Add(1)
}

func (w *Worker) failJob(rec *jobqueue.JobRecord, reason string) {
	opCtx, cancel := context.WithTimeout(context.Background(), queueOperationTimeout)
	defer cancel()
	if err := w.queue.Fail(opCtx, rec.ID, reason); err != nil {
		w.logger.Error("fail job failed",
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
	}
}

// startStuckJobCleanup 定期回收 worker 崩溃留下的 active 孤儿任务。
func (w *Worker) startStuckJobCleanup(ctx context.Context) {
	ticker := time.NewTicker(stuckJobCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rescueCtx, cancel := context.WithTimeout(ctx, stuckJobRescueTimeout)
			count, err := w.queue.Rescue(rescueCtx, stuckJobThreshold)
			cancel()
			if err != nil {
				w.logger.Warn("rescue stuck jobs failed", slog.String("error", err.Error()))
			} else if count > 0 {
				w.logger.Info("rescued stuck jobs", slog.Int("count", count))
			}
		}
	}
}

// Stats 返回统计快照。
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		TotalProcessed: w.stats.TotalProcessed.Load(),
		TotalSucceeded: w.stats.TotalSucceeded.Load(),
		TotalFailed:    w.stats.TotalFailed.Load(),
		TotalPanics:    w.stats.TotalPanics.Load(),
	}
}
