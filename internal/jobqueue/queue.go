package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"recohunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Job states. 一个任务的生命周期是
// waiting -> active -> completed
//                   -> delayed -> waiting (重试)
//                   -> failed (重试耗尽)
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrJobNotFound 表示任务哈希不存在或已被移除。
var ErrJobNotFound = errors.New("jobqueue: job not found")

// promoteScript 把到期的 delayed 任务搬回 waiting 列表。
// KEYS[1] = delayed zset, KEYS[2] = waiting list, KEYS[3] = key prefix
// ARGV[1] = now (ms)
const promoteScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('LPUSH', KEYS[2], id)
    redis.call('HSET', KEYS[3] .. id, 'state', 'waiting')
end
return #due
`

// rescueScript 把卡在 active 的任务（worker 崩溃未确认）搬回 waiting。
// KEYS[1] = active list, KEYS[2] = waiting list, KEYS[3] = key prefix
// ARGV[1] = cutoff started_on (ms)
const rescueScript = `
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
    local started = redis.call('HGET', KEYS[3] .. id, 'started_on')
    if started and tonumber(started) < tonumber(ARGV[1]) then
        redis.call('LREM', KEYS[1], 0, id)
        redis.call('LPUSH', KEYS[2], id)
        redis.call('HSET', KEYS[3] .. id, 'state', 'waiting')
        moved = moved + 1
    end
end
return moved
`

// Options 控制重试策略。
type Options struct {
	// MaxAttempts 是包含首次执行在内的最大尝试次数。
	MaxAttempts int
	// Backoff 是首次重试的延迟，之后按尝试次数指数增长。
	Backoff time.Duration
}

// Queue 是基于 Redis 的任务队列。
//
// 任务本体存在 `job:<id>` 哈希里，等待与执行中的任务 id 放在列表，
// 延迟重试放在按到期时间排序的 zset，终态任务进入 completed/failed 集合。
// API 进程入队，Worker 进程 BRPopLPush 消费，双方只通过 Redis 交互。
type Queue struct {
	rdb    *redis.Client
	prefix string
	opts   Options
	logger *slog.Logger
}

// JobRecord 是任务在队列中的完整状态。
type JobRecord struct {
	ID           string
	Name         string
	Payload      json.RawMessage
	State        string
	Timestamp    int64 // 入队时间, unix ms
	StartedOn    int64 // 0 表示尚未开始
	FinishedOn   int64 // 0 表示尚未结束
	ReturnValue  json.RawMessage
	FailedReason string
	AttemptsMade int
	MaxAttempts  int
}

// New creates a queue named name under the standard key prefix.
func New(rdb *redis.Client, name string, opts Options, logger *slog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	return &Queue{
		rdb:    rdb,
		prefix: "recohunter:queue:" + name + ":",
		opts:   opts,
		logger: logger,
	}
}

func (q *Queue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job:", id) }
func (q *Queue) waitingKey() string      { return q.key("waiting") }
func (q *Queue) activeKey() string       { return q.key("active") }
func (q *Queue) delayedKey() string      { return q.key("delayed") }
func (q *Queue) completedKey() string    { return q.key("completed") }
func (q *Queue) failedKey() string       { return q.key("failed") }
func (q *Queue) seqKey() string          { return q.key("jobs:seq") }

// Enqueue 新建一个 waiting 任务并返回其 id。
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)
	now := time.Now().UnixMilli()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"name":          name,
		"payload":       string(data),
		"state":         StateWaiting,
		"timestamp":     now,
		"attempts_made": 0,
		"max_attempts":  q.opts.MaxAttempts,
		"backoff_ms":    q.opts.Backoff.Milliseconds(),
	})
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued", slog.String("id", id), slog.String("name", name))
	return id, nil
}

// Dequeue 阻塞等待下一个任务，最多等 timeout。无任务时返回 (nil, nil)。
// 调用方拿到任务后必须以 Complete 或 Fail 收尾。
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*JobRecord, error) {
	if err := q.promote(ctx); err != nil {
		q.logger.Warn("promote delayed jobs failed", slog.String("error", err.Error()))
	}

	id, err := q.rdb.BRPopLPush(ctx, q.waitingKey(), q.activeKey(), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}

	now := time.Now().UnixMilli()
	if err := q.rdb.HSet(ctx, q.jobKey(id), map[string]any{
		"state":      StateActive,
		"started_on": now,
	}).Err(); err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}
	if err := q.rdb.HIncrBy(ctx, q.jobKey(id), "attempts_made", 1).Err(); err != nil {
		return nil, fmt.Errorf("count attempt: %w", err)
	}

	return q.Get(ctx, id)
}

// Complete 标记任务成功并记录返回值。
func (q *Queue) Complete(ctx context.Context, id string, returnValue any) error {
	data, err := json.Marshal(returnValue)
	if err != nil {
		return fmt.Errorf("marshal return value: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.SAdd(ctx, q.completedKey(), id)
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"state":       StateCompleted,
		"finished_on": time.Now().UnixMilli(),
		"returnvalue": string(data),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail 记录一次失败。未耗尽重试额度的任务按指数退避进入 delayed，
// 否则落入 failed 终态。
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	if job.AttemptsMade < job.MaxAttempts {
		delay := q.backoffFor(job.AttemptsMade)
		dueAt := time.Now().Add(delay)

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 0, id)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(dueAt.UnixMilli()), Member: id})
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"state":         StateDelayed,
			"failed_reason": reason,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("delay job %s: %w", id, err)
		}

		metrics.QueueRetriesTotal.Inc()
		q.logger.Info("job scheduled for retry",
			slog.String("id", id),
			slog.Int("attempt", job.AttemptsMade),
			slog.Duration("delay", delay),
			slog.String("reason", reason))
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.SAdd(ctx, q.failedKey(), id)
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"state":         StateFailed,
		"finished_on":   time.Now().UnixMilli(),
		"failed_reason": reason,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	q.logger.Warn("job failed permanently",
		slog.String("id", id),
		slog.Int("attempts", job.AttemptsMade),
		slog.String("reason", reason))
	return nil
}

// backoffFor returns the delay before attempt attemptsMade+1,
// growing as base * 2^(attemptsMade-1).
func (q *Queue) backoffFor(attemptsMade int) time.Duration {
	delay := q.opts.Backoff
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*JobRecord, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(id, fields), nil
}

// Remove 彻底删除一个任务及其在各结构中的痕迹。
func (q *Queue) Remove(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.waitingKey(), 0, id)
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.SRem(ctx, q.completedKey(), id)
	pipe.SRem(ctx, q.failedKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// Retry 把一个 failed 任务重新放回 waiting，保留已计的尝试次数之外
// 重新给满额度。
func (q *Queue) Retry(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.failedKey(), id)
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"state":         StateWaiting,
		"attempts_made": 0,
		"finished_on":   0,
		"failed_reason": "",
	})
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.SCard(ctx, q.completedKey())
	failed := pipe.SCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	return map[string]int64{
		StateWaiting:   waiting.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// Jobs 返回队列中所有任务，按 id 不保证有序。
func (q *Queue) Jobs(ctx context.Context) ([]*JobRecord, error) {
	var ids []string

	for _, listKey := range []string{q.waitingKey(), q.activeKey()} {
		chunk, err := q.rdb.LRange(ctx, listKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		ids = append(ids, chunk...)
	}

	delayed, err := q.rdb.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list delayed jobs: %w", err)
	}
	ids = append(ids, delayed...)

	for _, setKey := range []string{q.completedKey(), q.failedKey()} {
		chunk, err := q.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return nil, fmt.Errorf("list terminal jobs: %w", err)
		}
		ids = append(ids, chunk...)
	}

	jobs := make([]*JobRecord, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClearTerminal 删除所有 completed 与 failed 任务，返回删除数量。
func (q *Queue) ClearTerminal(ctx context.Context) (int, error) {
	var ids []string
	for _, setKey := range []string{q.completedKey(), q.failedKey()} {
		chunk, err := q.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return 0, fmt.Errorf("list terminal jobs: %w", err)
		}
		ids = append(ids, chunk...)
	}

	for _, id := range ids {
		if err := q.Remove(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Rescue 把开始时间早于 olderThan 的 active 任务搬回 waiting，
// 用于回收 worker 崩溃留下的孤儿任务。
func (q *Queue) Rescue(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	moved, err := q.rdb.Eval(ctx, rescueScript,
		[]string{q.activeKey(), q.waitingKey(), q.key("job:")},
		cutoff).Int()
	if err != nil {
		return 0, fmt.Errorf("rescue stuck jobs: %w", err)
	}
	if moved > 0 {
		q.logger.Warn("rescued stuck jobs", slog.Int("count", moved))
	}
	return moved, nil
}

func (q *Queue) promote(ctx context.Context) error {
	return q.rdb.Eval(ctx, promoteScript,
		[]string{q.delayedKey(), q.waitingKey(), q.key("job:")},
		time.Now().UnixMilli()).Err()
}

func jobFromHash(id string, fields map[string]string) *JobRecord {
	job := &JobRecord{
		ID:           id,
		Name:         fields["name"],
		State:        fields["state"],
		FailedReason: fields["failed_reason"],
	}
	if v := fields["payload"]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	if v := fields["returnvalue"]; v != "" {
		job.ReturnValue = json.RawMessage(v)
	}
	job.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	job.StartedOn, _ = strconv.ParseInt(fields["started_on"], 10, 64)
	job.FinishedOn, _ = strconv.ParseInt(fields["finished_on"], 10, 64)
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	return job
}
