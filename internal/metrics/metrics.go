package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_lab_proxy"

var (
	// Requests counts handled API requests by route and status class.
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Handled API requests by route and status class.",
	}, []string{"route", "status"})

	// RequestDuration records end-to-end handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "End-to-end API handler latency in seconds.",
		Buckets:   []float64{0.05, 0.25, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"route"})

	// RateLimitDecisions counts limiter outcomes per category.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limiter decisions per category and result.",
	}, []string{"category", "result"})

	// StoreWriteErrors counts best-effort usage writes that failed.
	StoreWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_write_errors_total",
		Help:      "Best-effort usage document writes that failed.",
	}, []string{"category"})

	// UpstreamCalls counts outbound provider calls.
	UpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_calls_total",
		Help:      "Outbound provider calls by provider and status class.",
	}, []string{"provider", "status"})

	// UpstreamDuration records outbound provider latency.
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_duration_seconds",
		Help:      "Outbound provider call latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"provider"})

	// FallbacksUsed counts replies served from a fallback path.
	FallbacksUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallbacks_total",
		Help:      "Replies served from a fallback model or static text.",
	}, []string{"route", "kind"})

	// JobsEnqueued counts visitor events placed into the worker channel.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Visitor events placed into worker channel.",
	})

	// JobsDropped counts visitor events discarded without delivery.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Visitor events discarded without delivery.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// UsagePruned counts usage documents removed by retention.
	UsagePruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_pruned_total",
		Help:      "Usage documents removed by the retention janitor.",
	})
)
