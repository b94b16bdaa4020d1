package jobqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(rdb, "test", opts, logger)
}

type testPayload struct {
	URL string `json:"url"`
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3, Backoff: 10 * time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "scrape-products", testPayload{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected job %s, got %+v", id, job)
	}
	if job.State != StateActive || job.AttemptsMade != 1 {
		t.Fatalf("unexpected active job: %+v", job)
	}

	var payload testPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.URL != "https://example.com" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if err := q.Complete(ctx, id, map[string]bool{"success": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateCompleted || got.FinishedOn == 0 {
		t.Fatalf("unexpected completed job: %+v", got)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateCompleted] != 1 || counts[StateActive] != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestFailRetriesWithBackoffThenTerminal(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 2, Backoff: 10 * time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "scrape-products", testPayload{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// 第一次尝试失败，应进入 delayed。
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Fail(ctx, id, "timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StateDelayed || job.FailedReason != "timeout" {
		t.Fatalf("expected delayed job, got %+v", job)
	}

	// 等退避到期后第二次取出。
	time.Sleep(30 * time.Millisecond)
	job, err = q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue after backoff: %v", err)
	}
	if job == nil || job.ID != id || job.AttemptsMade != 2 {
		t.Fatalf("expected second attempt of %s, got %+v", id, job)
	}

	// 第二次失败, 额度耗尽, 进入终态。
	if err := q.Fail(ctx, id, "timeout again"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	job, err = q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StateFailed || job.FinishedOn == 0 {
		t.Fatalf("expected failed job, got %+v", job)
	}
}

func TestBackoffIsExponential(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 5, Backoff: 5 * time.Second})
	for i, want := range map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
	} {
		if got := q.backoffFor(i); got != want {
			t.Errorf("backoffFor(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestRetryResetsFailedJob(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1, Backoff: 10 * time.Millisecond})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "cpf-recommendations", testPayload{URL: "x"})
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Fail(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StateWaiting || job.AttemptsMade != 0 || job.FailedReason != "" {
		t.Fatalf("expected reset waiting job, got %+v", job)
	}

	// 非 failed 任务不能 retry。
	if err := q.Retry(ctx, id); err == nil {
		t.Fatal("expected error retrying a waiting job")
	}
}

func TestRemoveAndClearTerminal(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1, Backoff: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "scrape-products", testPayload{URL: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "scrape-products", testPayload{URL: "b"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j1, _ := q.Dequeue(ctx, time.Second)
	j2, _ := q.Dequeue(ctx, time.Second)
	_ = q.Complete(ctx, j1.ID, nil)
	_ = q.Fail(ctx, j2.ID, "boom")

	jobs, err := q.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}

	removed, err := q.ClearTerminal(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := q.Get(ctx, j1.ID); err != ErrJobNotFound {
		t.Fatalf("expected job gone, got %v", err)
	}
}

func TestRescueReturnsStuckJobs(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 3, Backoff: 10 * time.Millisecond})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "scrape-products", testPayload{URL: "a"})
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// 刚开始执行的任务不该被回收。
	moved, err := q.Rescue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected nothing rescued, got %d", moved)
	}

	moved, err = q.Rescue(ctx, -time.Second)
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 rescued, got %d", moved)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != StateWaiting {
		t.Fatalf("expected waiting after rescue, got %s", job.State)
	}
}
