package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	// Namespace is the metrics namespace for the node provider
	Namespace = "runpod_node_provider"
)

var (
	// APIRequests tracks the number of RunPod API requests
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_requests_total",
			Help:      "Total number of RunPod API requests",
		},
		[]string{"method", "status"},
	)

	// APIRequestDuration tracks the duration of RunPod API requests, retries included
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Duration of RunPod API requests",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to 40s
		},
		[]string{"method"},
	)

	// APIErrors tracks API errors by type
	APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_errors_total",
			Help:      "Total number of RunPod API errors by type",
		},
		[]string{"method", "error_type"},
	)

	// APIRetries tracks retried API attempts
	APIRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_retries_total",
			Help:      "Total number of retried RunPod API attempts",
		},
		[]string{"method"},
	)

	// APIRateLimitedTotal tracks the number of times API requests were rate limited
	APIRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_rate_limited_total",
			Help:      "Total number of times RunPod API requests were rate limited",
		},
		[]string{"method"},
	)

	// APIRateLimitWaitDuration tracks the time spent waiting for rate limiter
	APIRateLimitWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "api_rate_limit_wait_duration_seconds",
			Help:      "Time spent waiting for RunPod API rate limiter",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 4s
		},
		[]string{"method"},
	)

	// APICircuitBreakerState is 1 for the current circuit breaker state and 0 otherwise
	APICircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "api_circuit_breaker_state",
			Help:      "Current RunPod API circuit breaker state (1 = active)",
		},
		[]string{"state"},
	)

	// APICircuitBreakerStateChanges tracks circuit breaker transitions
	APICircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_circuit_breaker_state_changes_total",
			Help:      "Total number of RunPod API circuit breaker state changes",
		},
		[]string{"from", "to"},
	)

	// APICircuitBreakerRejected tracks calls rejected while the circuit was open
	APICircuitBreakerRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_circuit_breaker_rejected_total",
			Help:      "Total number of RunPod API calls rejected by the circuit breaker",
		},
	)

	// CacheRefreshes tracks node cache refreshes by result
	CacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_refreshes_total",
			Help:      "Total number of node cache refreshes",
		},
		[]string{"cluster", "result"},
	)

	// CacheRefreshDuration tracks how long a full enumeration and snapshot swap takes
	CacheRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "cache_refresh_duration_seconds",
			Help:      "Duration of node cache refreshes",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"cluster"},
	)

	// CacheNodes tracks the number of nodes in the current snapshot
	CacheNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cache_nodes",
			Help:      "Number of active cluster nodes in the cached snapshot",
		},
		[]string{"cluster"},
	)

	// NodeLookups tracks single-node lookups by result (hit, miss, not_found)
	NodeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_lookups_total",
			Help:      "Total number of single-node cache lookups",
		},
		[]string{"cluster", "result"},
	)

	// NodeOperations tracks provider operations by result
	NodeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_operations_total",
			Help:      "Total number of node provider operations",
		},
		[]string{"cluster", "operation", "result"},
	)

	// NodeOperationDuration tracks provider operation latency
	NodeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "node_operation_duration_seconds",
			Help:      "Duration of node provider operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"cluster", "operation"},
	)

	// NodesCreated tracks successfully created nodes per instance type
	NodesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nodes_created_total",
			Help:      "Total number of nodes created",
		},
		[]string{"cluster", "instance_type"},
	)

	// GuardWaitDuration tracks time spent waiting for the provider's exclusive lock
	GuardWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "guard_wait_duration_seconds",
			Help:      "Time spent waiting to acquire the node provider lock",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"cluster", "operation"},
	)

	// AuditEventsTotal tracks audit events by type
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "audit_events_total",
			Help:      "Total number of audit events",
		},
		[]string{"event_type", "category", "severity"},
	)
)

var registerOnce sync.Once

// RegisterMetrics registers all metrics with the controller-runtime metrics registry.
// Calling it more than once is a no-op.
func RegisterMetrics() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(
			APIRequests,
			APIRequestDuration,
			APIErrors,
			APIRetries,
			APIRateLimitedTotal,
			APIRateLimitWaitDuration,
			APICircuitBreakerState,
			APICircuitBreakerStateChanges,
			APICircuitBreakerRejected,
			CacheRefreshes,
			CacheRefreshDuration,
			CacheNodes,
			NodeLookups,
			NodeOperations,
			NodeOperationDuration,
			NodesCreated,
			GuardWaitDuration,
			AuditEventsTotal,
		)
	})
}

// ResetMetrics resets all metric vectors (useful for testing)
func ResetMetrics() {
	APIRequests.Reset()
	APIRequestDuration.Reset()
	APIErrors.Reset()
	APIRetries.Reset()
	APIRateLimitedTotal.Reset()
	APIRateLimitWaitDuration.Reset()
	APICircuitBreakerState.Reset()
	APICircuitBreakerStateChanges.Reset()
	CacheRefreshes.Reset()
	CacheRefreshDuration.Reset()
	CacheNodes.Reset()
	NodeLookups.Reset()
	NodeOperations.Reset()
	NodeOperationDuration.Reset()
	NodesCreated.Reset()
	GuardWaitDuration.Reset()
	AuditEventsTotal.Reset()
}

// RecordAPIRequest records a finished API request
func RecordAPIRequest(method, status string, duration time.Duration) {
	APIRequests.WithLabelValues(method, status).Inc()
	APIRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAPIError records an API error by type
func RecordAPIError(method, errorType string) {
	APIErrors.WithLabelValues(method, errorType).Inc()
}

// RecordCacheRefresh records a refresh attempt; nodes is ignored for failed refreshes
func RecordCacheRefresh(cluster string, nodes int, duration time.Duration, err error) {
	if err != nil {
		CacheRefreshes.WithLabelValues(cluster, "error").Inc()
		return
	}
	CacheRefreshes.WithLabelValues(cluster, "success").Inc()
	CacheRefreshDuration.WithLabelValues(cluster).Observe(duration.Seconds())
	CacheNodes.WithLabelValues(cluster).Set(float64(nodes))
}

// RecordNodeOperation records the outcome of a provider operation
func RecordNodeOperation(cluster, operation, result string, duration time.Duration) {
	NodeOperations.WithLabelValues(cluster, operation, result).Inc()
	NodeOperationDuration.WithLabelValues(cluster, operation).Observe(duration.Seconds())
}

// RecordNodeCreated records a created node; the instance type is sanitized before use as a label
func RecordNodeCreated(cluster, instanceType string) {
	label, _ := SanitizeLabel(instanceType)
	NodesCreated.WithLabelValues(cluster, label).Inc()
}
