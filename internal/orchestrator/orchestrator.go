package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"recohunter/internal/cache"
	"recohunter/internal/jobqueue"
	"recohunter/internal/model"
	"recohunter/internal/pkg/metrics"
)

// 队列任务类型。
const (
	JobScrape    = "scrape"
	JobScrapeCPF = "scrape-cpf"
)

// Extractor 是 Worker 侧的抓取引擎能力。
type Extractor interface {
	ScrapeProducts(ctx context.Context, req *model.ScrapeRequest) *model.Result
	ScrapeRecommendations(ctx context.Context, req *model.RecommendationRequest) *model.Result
}

// Stats 队列状态快照。
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// Orchestrator 负责任务的提交、查询与生命周期管理。
//
// 内存索引只是加速层，队列才是任务状态的权威来源：索引未命中时从队列记录
// 重建，进程重启最多丢掉快路径，不丢数据。
type Orchestrator struct {
	queue  *jobqueue.Queue
	cache  *cache.Store
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*model.Job
}

// New creates an orchestrator over the given queue and result cache.
func New(queue *jobqueue.Queue, store *cache.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		queue:  queue,
		cache:  store,
		logger: logger,
		jobs:   make(map[string]*model.Job),
	}
}

// ScrapeCacheKey 通用抓取请求的缓存键。同样的有效字段必然给出同样的键。
func ScrapeCacheKey(req *model.ScrapeRequest) string {
	return fmt.Sprintf("scraping:%s:%s:%d", req.URL, req.Username, req.MaxProducts)
}

// RecommendationCacheKey 推荐请求的缓存键。CPF 先归一化再参与拼接，
// 带标点与不带标点的同一个 CPF 命中同一条缓存。
func RecommendationCacheKey(req *model.RecommendationRequest) string {
	return fmt.Sprintf("cpf-recommendations:%s:%s:%d",
		model.NormalizeCPF(req.CPF), req.RecommendLogic, req.Limit)
}

// StartScrapingJob 提交一个通用抓取任务。
//
// 缓存命中时直接返回合成的 completed 任务，完全不触碰队列。
func (o *Orchestrator) StartScrapingJob(ctx context.Context, req *model.ScrapeRequest) (*model.Job, error) {
	cacheKey := ScrapeCacheKey(req)

	if req.UseCache == nil || *req.UseCache {
		if cached, ok := o.cache.Get(ctx, cacheKey); ok {
			o.logger.Info("returning cached result", slog.String("key", cacheKey))
			return cachedJob("cached-", cached), nil
		}
	}

	id, err := o.queue.Enqueue(ctx, JobScrape, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue scraping job: %w", err)
	}
	metrics.JobsSubmittedTotal.WithLabelValues(JobScrape).Inc()

	job := &model.Job{ID: id, Status: model.StatusPending, StartedAt: time.Now()}
	o.mu.Lock()
	o.jobs[id] = job
	o.mu.Unlock()

	o.logger.Info("created scraping job", slog.String("id", id))
	return job, nil
}

// StartCPFRecommendationsJob 提交一个 CPF 个性化推荐任务。
func (o *Orchestrator) StartCPFRecommendationsJob(ctx context.Context, req *model.RecommendationRequest) (*model.Job, error) {
	cacheKey := RecommendationCacheKey(req)

	if req.UseCache == nil || *req.UseCache {
		if cached, ok := o.cache.Get(ctx, cacheKey); ok {
			o.logger.Info("returning cached cpf result", slog.String("key", cacheKey))
			return cachedJob("cached-cpf-", cached), nil
		}
	}

	id, err := o.queue.Enqueue(ctx, JobScrapeCPF, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue cpf job: %w", err)
	}
	metrics.JobsSubmittedTotal.WithLabelValues(JobScrapeCPF).Inc()

	job := &model.Job{ID: id, Status: model.StatusPending, StartedAt: time.Now()}
	o.mu.Lock()
	o.jobs[id] = job
	o.mu.Unlock()

	o.logger.Info("created cpf recommendations job",
		slog.String("id", id),
		slog.String("cpf", model.MaskCPF(req.CPF)))
	return job, nil
}

// cachedJob 把缓存结果包装成合成的 completed 任务。
func cachedJob(prefix string, result *model.Result) *model.Job {
	at := result.ScrapedAt
	return &model.Job{
		ID:          fmt.Sprintf("%s%d", prefix, time.Now().UnixMilli()),
		Status:      model.StatusCompleted,
		StartedAt:   at,
		CompletedAt: &at,
		Result:      result,
	}
}

// JobStatus 查询任务状态。两边都查不到时返回 (nil, nil)，不是错误。
//
// 索引只对终态条目有发言权：非终态任务可能正被别的进程推进（API 进程提交，
// Worker 进程执行），必须回到队列记录读最新状态，否则索引会永远停在 pending。
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	o.mu.RLock()
	job, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if ok && (job.Status == model.StatusCompleted || job.Status == model.StatusFailed) {
		return job, nil
	}

	rec, err := o.queue.Get(ctx, jobID)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup job %s: %w", jobID, err)
	}

	job = jobFromRecord(rec)
	o.mu.Lock()
	o.jobs[jobID] = job
	o.mu.Unlock()
	return job, nil
}

// AllJobs 枚举队列中所有任务。
func (o *Orchestrator) AllJobs(ctx context.Context) ([]*model.Job, error) {
	records, err := o.queue.Jobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*model.Job, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, jobFromRecord(rec))
	}
	return jobs, nil
}

// CancelJob 移除任务的队列记录与索引条目。任务不存在返回 false。
// 已在 worker 内执行的任务不会被打断，这里只断档案。
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) bool {
	if _, err := o.queue.Get(ctx, jobID); err != nil {
		if !errors.Is(err, jobqueue.ErrJobNotFound) {
			o.logger.Error("cancel job lookup failed",
				slog.String("id", jobID),
				slog.String("error", err.Error()))
		}
		return false
	}

	if err := o.queue.Remove(ctx, jobID); err != nil {
		o.logger.Error("cancel job failed",
			slog.String("id", jobID),
			slog.String("error", err.Error()))
		return false
	}

	o.mu.Lock()
	delete(o.jobs, jobID)
	o.mu.Unlock()

	o.logger.Info("cancelled job", slog.String("id", jobID))
	return true
}

// RetryJob 重新武装一个失败任务。任务不存在或无法重试返回 nil。
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string) *model.Job {
	if err := o.queue.Retry(ctx, jobID); err != nil {
		if !errors.Is(err, jobqueue.ErrJobNotFound) {
			o.logger.Error("retry job failed",
				slog.String("id", jobID),
				slog.String("error", err.Error()))
		}
		return nil
	}

	job := &model.Job{ID: jobID, Status: model.StatusPending, StartedAt: time.Now()}
	o.mu.Lock()
	o.jobs[jobID] = job
	o.mu.Unlock()

	o.logger.Info("retrying job", slog.String("id", jobID))
	return job
}

// ClearTerminalJobs 删除所有 completed/failed 任务，返回删除数量。
func (o *Orchestrator) ClearTerminalJobs(ctx context.Context) (int, error) {
	count, err := o.queue.ClearTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear terminal jobs: %w", err)
	}

	o.mu.Lock()
	for id, job := range o.jobs {
		if job.Status == model.StatusCompleted || job.Status == model.StatusFailed {
			delete(o.jobs, id)
		}
	}
	o.mu.Unlock()

	o.logger.Info("cleared terminal jobs", slog.Int("count", count))
	return count, nil
}

// QueueStats 返回队列状态快照。
func (o *Orchestrator) QueueStats(ctx context.Context) (*Stats, error) {
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	stats := &Stats{
		Waiting:   counts[jobqueue.StateWaiting],
		Active:    counts[jobqueue.StateActive],
		Completed: counts[jobqueue.StateCompleted],
		Failed:    counts[jobqueue.StateFailed],
		Delayed:   counts[jobqueue.StateDelayed],
	}
	stats.Total = stats.Waiting + stats.Active + stats.Completed + stats.Failed + stats.Delayed
	return stats, nil
}

// Execute 由 Worker 在取出任务后调用，按任务类型分发抓取并回写状态与缓存。
func (o *Orchestrator) Execute(ctx context.Context, rec *jobqueue.JobRecord, engine Extractor) (*model.Result, error) {
	o.logger.Info("processing job",
		slog.String("id", rec.ID),
		slog.String("name", rec.Name))

	o.setStatus(rec.ID, model.StatusProcessing)
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	var result *model.Result
	var cacheKey string
	var useCache = true

	switch rec.Name {
	case JobScrape:
		var req model.ScrapeRequest
		if err := json.Unmarshal(rec.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode scrape payload: %w", err)
		}
		result = engine.ScrapeProducts(ctx, &req)
		cacheKey = ScrapeCacheKey(&req)
		useCache = req.UseCache == nil || *req.UseCache
	case JobScrapeCPF:
		var req model.RecommendationRequest
		if err := json.Unmarshal(rec.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode cpf payload: %w", err)
		}
		result = engine.ScrapeRecommendations(ctx, &req)
		cacheKey = RecommendationCacheKey(&req)
		useCache = req.UseCache == nil || *req.UseCache
	default:
		return nil, fmt.Errorf("unknown job type %q", rec.Name)
	}

	o.finishJob(rec.ID, result)

	if result.Success && useCache {
		if err := o.cache.Set(ctx, cacheKey, result); err != nil {
			o.logger.Warn("cache write failed",
				slog.String("key", cacheKey),
				slog.String("error", err.Error()))
		} else {
			o.logger.Info("cached result", slog.String("key", cacheKey))
		}
	}

	return result, nil
}

func (o *Orchestrator) setStatus(jobID string, status model.JobStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok := o.jobs[jobID]; ok {
		job.Status = status
	}
}

func (o *Orchestrator) finishJob(jobID string, result *model.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return
	}
	if result.Success {
		job.Status = model.StatusCompleted
	} else {
		job.Status = model.StatusFailed
		job.Error = result.Error
	}
	now := time.Now()
	job.CompletedAt = &now
	job.Result = result
}

// jobFromRecord 把队列记录映射成对外的任务形态。
// 状态映射: active→processing, completed→completed, failed→failed, 其余→pending。
func jobFromRecord(rec *jobqueue.JobRecord) *model.Job {
	job := &model.Job{
		ID:        rec.ID,
		Status:    mapQueueState(rec.State),
		StartedAt: time.UnixMilli(rec.Timestamp),
		Error:     rec.FailedReason,
	}
	if rec.FinishedOn > 0 {
		t := time.UnixMilli(rec.FinishedOn)
		job.CompletedAt = &t
	}
	if len(rec.ReturnValue) > 0 {
		var result model.Result
		if err := json.Unmarshal(rec.ReturnValue, &result); err == nil {
			job.Result = &result
		}
	}
	return job
}

func mapQueueState(state string) model.JobStatus {
	switch state {
	case jobqueue.StateActive:
		return model.StatusProcessing
	case jobqueue.StateCompleted:
		return model.StatusCompleted
	case jobqueue.StateFailed:
		return model.StatusFailed
	default:
		return model.StatusPending
	}
}
