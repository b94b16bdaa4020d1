package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 所有指标在包加载时注册到默认 registry，由 promhttp.Handler 暴露。
var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recohunter_jobs_submitted_total",
		Help: "Scraping jobs submitted to the queue, by job kind.",
	}, []string{"kind"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recohunter_jobs_completed_total",
		Help: "Jobs finished by the worker, by job kind and outcome.",
	}, []string{"kind", "status"})

	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recohunter_cache_hits_total",
		Help: "Result cache lookups, by outcome (hit/miss).",
	}, []string{"outcome"})

	ScrapeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recohunter_scrape_duration_seconds",
		Help:    "Wall time of a single extraction run.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recohunter_active_jobs",
		Help: "Jobs currently executing in this worker.",
	})

	BrowserInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recohunter_browser_instances",
		Help: "Live browser instances owned by the session manager.",
	})

	BrowserPagesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recohunter_browser_pages_active",
		Help: "Pages currently checked out of the session manager.",
	})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recohunter_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recohunter_ratelimit_timeouts_total",
		Help: "Rate limit waits abandoned because the context was cancelled.",
	})

	QueueRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recohunter_queue_retries_total",
		Help: "Jobs re-armed by the queue backoff policy after a failure.",
	})
)
