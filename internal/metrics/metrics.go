// Package metrics declares IMQ's Prometheus series, in the teacher's
// promauto package-level-var style (control_plane/observability/metrics.go),
// renamed to the imq_ namespace and the components SPEC_FULL.md §12 names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks per-branch queue length.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imq_queue_depth",
		Help: "Current number of entries in a branch's merge queue",
	}, []string{"branch"})

	// SchedulerSelections tracks WDRR picks by priority class.
	SchedulerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imq_scheduler_selections_total",
		Help: "Total number of queues selected by the fair scheduler, by priority class",
	}, []string{"priority"})

	// ProcessorErrors tracks loop-level errors in the queue processor.
	ProcessorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imq_processor_errors_total",
		Help: "Total number of unexpected errors in the processor loop body",
	})

	// ProcessorForcedShutdowns tracks tasks abandoned past shutdownTimeout.
	ProcessorForcedShutdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imq_processor_forced_shutdowns_total",
		Help: "Pipeline tasks whose cancellation was signalled but not confirmed before shutdownTimeout",
	})

	// PipelineStageDuration tracks per-stage latency.
	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imq_pipeline_stage_duration_seconds",
		Help:    "Duration of each pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// PipelineEntries tracks completed pipeline runs by outcome.
	PipelineEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imq_pipeline_entries_total",
		Help: "Total pipeline runs by terminal outcome",
	}, []string{"outcome"})

	// CheckDuration tracks per-check-kind execution latency.
	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imq_check_duration_seconds",
		Help:    "Duration of individual check execution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"kind"})

	// CheckCacheHits / CheckCacheMisses track the result cache's hit rate.
	CheckCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imq_check_cache_hits_total",
		Help: "Total result-cache hits",
	})
	CheckCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imq_check_cache_misses_total",
		Help: "Total result-cache misses",
	})

	// WebhookRequests tracks inbound webhook deliveries by event/outcome.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imq_webhook_requests_total",
		Help: "Total webhook deliveries received, by event type and outcome",
	}, []string{"event", "outcome"})

	// WebhookSignatureFailures tracks HMAC verification failures.
	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imq_webhook_signature_failures_total",
		Help: "Total webhook deliveries rejected for a bad X-Hub-Signature-256",
	})

	// RetryAttempts tracks retry policy invocations by error classification.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imq_retry_attempts_total",
		Help: "Total retry attempts, by error classification",
	}, []string{"classification"})

	// SemaphoreWaitSeconds tracks time spent waiting for a pipeline slot.
	SemaphoreWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imq_semaphore_wait_seconds",
		Help:    "Time spent waiting to acquire a pipeline concurrency slot",
		Buckets: prometheus.DefBuckets,
	})
)
