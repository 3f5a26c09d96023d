package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway policy metrics
	PolicyEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_policy_evaluations_total",
			Help: "Total number of gateway policy evaluations",
		},
		[]string{"policy_id", "policy_type", "policy_mode", "event_type"},
	)

	PolicyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_policy_violations_total",
			Help: "Total number of gateway policy violations",
		},
		[]string{"policy_id", "policy_type", "policy_mode", "event_type"},
	)

	PolicyBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_policy_blocks_total",
			Help: "Total number of requests blocked by policies in enforce mode",
		},
		[]string{"policy_id", "policy_type"},
	)

	PolicyEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tansu_policy_evaluation_duration_ms",
			Help:    "Gateway policy evaluation duration in milliseconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50},
		},
		[]string{"policy_type"},
	)

	// Output cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_gateway_cache_hits_total",
			Help: "Total number of gateway output cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_gateway_cache_misses_total",
			Help: "Total number of gateway output cache misses",
		},
	)

	CacheStaleServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_gateway_cache_stale_served_total",
			Help: "Total number of stale cache entries served while an upstream breaker was open",
		},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_ratelimit_rejections_total",
			Help: "Total number of rate-limited requests by route",
		},
		[]string{"route"},
	)

	// Audit pipeline metrics
	AuditEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_audit_enqueued_total",
			Help: "Total number of audit events accepted into the queue",
		},
	)

	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_audit_dropped_total",
			Help: "Total number of audit events dropped on a full queue",
		},
	)

	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_audit_write_failures_total",
			Help: "Total number of failed audit batch writes",
		},
	)

	AuditDroppedOnFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_audit_dropped_on_failure_total",
			Help: "Total number of audit events dropped after a failed batch write",
		},
	)

	AuditRetentionAffected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_audit_retention_affected_total",
			Help: "Total number of audit rows removed or redacted by retention",
		},
		[]string{"mode"},
	)

	// Outbox metrics
	OutboxDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_outbox_dispatched_total",
			Help: "Total number of outbox events published",
		},
	)

	OutboxFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_outbox_failures_total",
			Help: "Total number of failed outbox publish attempts",
		},
	)

	OutboxDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_outbox_dead_total",
			Help: "Total number of outbox events moved to the dead state",
		},
	)

	CacheVersionBumps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_cache_version_bumps_total",
			Help: "Total number of per-tenant cache version increments",
		},
	)

	// Telemetry ingestion metrics
	TelemetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tansu_telemetry_queue_depth",
			Help: "Current depth of the telemetry ingestion queue",
		},
	)

	TelemetryRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_telemetry_rejected_total",
			Help: "Total number of telemetry envelopes rejected on a full queue",
		},
	)

	TelemetryOverwritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tansu_telemetry_overwritten_total",
			Help: "Total number of telemetry envelopes overwritten on a full queue",
		},
	)

	// Object storage metrics
	StorageRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_storage_requests_total",
			Help: "Total number of object storage operations by verb and status",
		},
		[]string{"op", "status"},
	)

	StorageBytesUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tansu_storage_bytes_used",
			Help: "Bytes used per tenant as of the last quota scan",
		},
		[]string{"tenant"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tansu_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tansu_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PolicyEvaluations)
	prometheus.MustRegister(PolicyViolations)
	prometheus.MustRegister(PolicyBlocks)
	prometheus.MustRegister(PolicyEvaluationDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheStaleServed)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(AuditEnqueued)
	prometheus.MustRegister(AuditDropped)
	prometheus.MustRegister(AuditWriteFailures)
	prometheus.MustRegister(AuditDroppedOnFailure)
	prometheus.MustRegister(AuditRetentionAffected)
	prometheus.MustRegister(OutboxDispatched)
	prometheus.MustRegister(OutboxFailures)
	prometheus.MustRegister(OutboxDead)
	prometheus.MustRegister(CacheVersionBumps)
	prometheus.MustRegister(TelemetryQueueDepth)
	prometheus.MustRegister(TelemetryRejected)
	prometheus.MustRegister(TelemetryOverwritten)
	prometheus.MustRegister(StorageRequests)
	prometheus.MustRegister(StorageBytesUsed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
