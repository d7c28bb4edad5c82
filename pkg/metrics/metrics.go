package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All MarketPulse metrics, registered with the default registry via promauto.
var (
	// --- Queue Metrics ---

	// QueueDepth tracks queue rows by type and status. Refreshed by the reaper.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketpulse",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of queue rows by job type and status",
		},
		[]string{"type", "status"},
	)

	// OldestPendingAge tracks the age of the oldest dequeue-eligible job.
	OldestPendingAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketpulse",
			Subsystem: "queue",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age in seconds of the oldest pending job",
		},
	)

	// EnqueuesTotal counts enqueue calls, including deduplicated ones.
	EnqueuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "queue",
			Name:      "enqueues_total",
			Help:      "Total enqueue calls by job type and result",
		},
		[]string{"type", "result"},
	)

	// --- Worker Metrics ---

	// JobsProcessed counts finished handler invocations by outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Total jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// HandlerDuration tracks handler execution time.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketpulse",
			Subsystem: "worker",
			Name:      "handler_duration_seconds",
			Help:      "Duration of handler invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"type"},
	)

	// JobsInFlight tracks handlers currently running in this process.
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketpulse",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of handlers currently running on this worker",
		},
	)

	// DequeueEmpty counts polls that found no eligible job.
	DequeueEmpty = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "worker",
			Name:      "dequeue_empty_total",
			Help:      "Total dequeue calls that returned no job",
		},
	)

	// SemaphoreReleases counts jobs returned to the queue because the
	// per-type concurrency cap was full.
	SemaphoreReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "worker",
			Name:      "semaphore_releases_total",
			Help:      "Total jobs released back to pending due to a full type semaphore",
		},
		[]string{"type"},
	)

	// HeartbeatsSent counts heartbeats written by this worker.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// --- Cache Metrics ---

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by job type",
		},
		[]string{"type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by job type",
		},
		[]string{"type"},
	)

	// --- Reaper Metrics ---

	// StuckRecovered counts processing rows recovered from dead workers.
	StuckRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "reaper",
			Name:      "stuck_recovered_total",
			Help:      "Total stuck processing rows recovered",
		},
	)

	// TerminalPruned counts terminal rows removed by retention pruning.
	TerminalPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "reaper",
			Name:      "terminal_pruned_total",
			Help:      "Total terminal rows pruned past retention",
		},
	)

	// --- Producer Metrics ---

	// ProducerRuns counts producer firings by rule.
	ProducerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "producer",
			Name:      "runs_total",
			Help:      "Total producer rule firings",
		},
		[]string{"rule"},
	)

	// --- HTTP Metrics ---

	// HTTPRequests counts management API requests by matched route.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpulse",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration tracks management API latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketpulse",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketpulse",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// HTTPRequestBytes tracks request body sizes. Buckets run up past the
	// enqueue payload cap so clients nearing it are visible before they
	// start getting 413s.
	HTTPRequestBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "marketpulse",
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 7), // 256B to 1MiB
		},
	)
)

// RecordJob records metrics for a finished handler invocation.
func RecordJob(jobType, outcome string, durationSeconds float64) {
	JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	HandlerDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordEnqueue records an enqueue call. result is "inserted" or "deduplicated".
func RecordEnqueue(jobType, result string) {
	EnqueuesTotal.WithLabelValues(jobType, result).Inc()
}

// RecordHTTPRequest records one finished API request.
func RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
