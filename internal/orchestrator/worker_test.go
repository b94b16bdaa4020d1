package orchestrator

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"recohunter/internal/jobqueue"
)

func newTimeoutWorker(t *testing.T, defaultTimeout time.Duration) *Worker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewWorker(nil, nil, nil, nil, 1, defaultTimeout, logger)
}

func recordWithPayload(t *testing.T, payload any) *jobqueue.JobRecord {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &jobqueue.JobRecord{ID: "1", Name: JobScrape, Payload: data}
}

func TestTimeoutForHonorsRequestTimeout(t *testing.T) {
	w := newTimeoutWorker(t, 60*time.Second)

	// 请求给了 300s，任务上限必须覆盖整个页面超时
	rec := recordWithPayload(t, map[string]any{"url": "https://store.example", "timeout": 300000})
	if got, want := w.timeoutFor(rec), 300*time.Second+jobTimeoutMargin; got != want {
		t.Fatalf("timeoutFor = %v, want %v", got, want)
	}
}

func TestTimeoutForDefaultsWithoutRequestTimeout(t *testing.T) {
	w := newTimeoutWorker(t, 60*time.Second)
	want := 60*time.Second + jobTimeoutMargin

	rec := recordWithPayload(t, map[string]any{"url": "https://store.example"})
	if got := w.timeoutFor(rec); got != want {
		t.Fatalf("timeoutDefault = %v, want %v", got, want)
	}

	// 比默认还短的请求超时不缩小任务上限
	short := recordWithPayload(t, map[string]any{"timeout": 5000})
	if got := w.timeoutFor(short); got != want {
		t.Fatalf("short request timeout = %v, want %v", got, want)
	}

	// 坏载荷回落到默认值
	bad := &jobqueue.JobRecord{ID: "2", Name: JobScrape, Payload: []byte("{")}
	if got := w.timeoutFor(bad); got != want {
		t.Fatalf("bad payload timeout = %v, want %v", got, want)
	}
}
