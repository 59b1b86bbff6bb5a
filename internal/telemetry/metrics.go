package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "og_requests_total", Help: "Generation requests by outcome"}, []string{"outcome"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_cache_hits_total", Help: "Fingerprint cache hits"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_cache_misses_total", Help: "Fingerprint cache misses"})
	CacheWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_cache_write_errors_total", Help: "Best-effort cache writes that failed"})
	LeaseContention  = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_lease_contention_total", Help: "Requests that lost the fingerprint lease and followed another request's record"})
	CorruptRecords   = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_corrupt_records_total", Help: "Records violating invariants seen during lookup"})
	Generations      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "og_generations_total", Help: "Generation attempts by result"}, []string{"result"})
	RenderDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "og_render_seconds", Help: "Render plus publish latency", Buckets: prometheus.ExponentialBuckets(0.25, 2, 9)})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_enqueued_total", Help: "Jobs handed to the worker queue"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_enqueue_failures_total", Help: "Jobs that could not be handed to the worker queue"})
	PollTimeouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_poll_timeouts_total", Help: "Completion polls that hit their deadline"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_worker_reclaimed_total", Help: "Jobs whose lease expired and were failed"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "og_worker_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "og_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "og_jobs_inflight", Help: "Jobs currently executing in this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			CacheHits,
			CacheMisses,
			CacheWriteErrors,
			LeaseContention,
			CorruptRecords,
			Generations,
			RenderDuration,
			EnqueueCounter,
			EnqueueFailures,
			PollTimeouts,
			RateLimitRejects,
			WorkerReclaimed,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
