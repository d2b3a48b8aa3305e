package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Notification delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Metrics holds all Prometheus metric instruments for the approval service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec
	RateLimitedTotal      prometheus.Counter

	// Workflow metrics
	WorkflowsCreatedTotal    *prometheus.CounterVec
	DecisionsTotal           *prometheus.CounterVec
	DelegationsTotal         prometheus.Counter
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowsOpen            *prometheus.GaugeVec
	DecisionConflictsTotal   prometheus.Counter
	OperationDuration        *prometheus.HistogramVec

	// Escalation metrics
	EscalationsTotal *prometheus.CounterVec
	RoutingsTotal    prometheus.Counter

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
	NotifyQueueDepth   prometheus.Gauge
	NotifyBreakerState *prometheus.GaugeVec
	NotifyRetriesTotal *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	DirectoryCacheHitsTotal    prometheus.Counter
	DirectoryCacheMissesTotal  prometheus.Counter

	// Idempotency metrics
	IdempotencyReplaysTotal   prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}),

		// Workflows
		WorkflowsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflows_created_total",
			Help: "Total number of workflows created.",
		}, []string{"kind", "priority"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_decisions_total",
			Help: "Total number of step decisions committed.",
		}, []string{"kind", "decision"}),
		DelegationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_delegations_total",
			Help: "Total number of step delegations.",
		}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_completions_total",
			Help: "Total number of workflows reaching a terminal status.",
		}, []string{"kind", "final_status"}),
		WorkflowsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_workflows_open",
			Help: "Number of workflows created by this process that are not yet closed.",
		}, []string{"kind"}),
		DecisionConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_decision_conflicts_total",
			Help: "Total number of writes that lost an optimistic concurrency race.",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_operation_duration_seconds",
			Help:    "Orchestrator operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),

		// Escalation
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_hse_escalations_total",
			Help: "Total number of workflows sent to the tier-2 approval tier.",
		}, []string{"reason"}),
		RoutingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_hse_routings_total",
			Help: "Total number of tier-2 routing decisions.",
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_notifications_total",
			Help: "Total number of notifications by delivery outcome.",
		}, []string{"event_type", "outcome"}),
		NotifyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_notify_queue_depth",
			Help: "Number of notifications waiting in the dispatch queue.",
		}),
		NotifyBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_notify_breaker_state",
			Help: "Notification sink circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),
		NotifyRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_notify_retries_total",
			Help: "Total number of notification publish retries.",
		}, []string{"sink"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		DirectoryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_directory_cache_hits_total",
			Help: "Total actor directory cache hits.",
		}),
		DirectoryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_directory_cache_misses_total",
			Help: "Total actor directory cache misses.",
		}),

		// Idempotency
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_idempotency_replays_total",
			Help: "Total number of requests answered from a stored idempotent result.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_idempotency_conflicts_total",
			Help: "Total number of idempotency keys reused with a different request.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.RateLimitedTotal,
		// Workflows
		m.WorkflowsCreatedTotal,
		m.DecisionsTotal,
		m.DelegationsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowsOpen,
		m.DecisionConflictsTotal,
		m.OperationDuration,
		// Escalation
		m.EscalationsTotal,
		m.RoutingsTotal,
		// Notifications
		m.NotificationsTotal,
		m.NotifyQueueDepth,
		m.NotifyBreakerState,
		m.NotifyRetriesTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.DirectoryCacheHitsTotal,
		m.DirectoryCacheMissesTotal,
		// Idempotency
		m.IdempotencyReplaysTotal,
		m.IdempotencyConflictsTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without instrumentation.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordWorkflowCreated records a workflow creation.
func (m *Metrics) RecordWorkflowCreated(kind, priority string) {
	if m == nil {
		return
	}
	m.WorkflowsCreatedTotal.WithLabelValues(kind, priority).Inc()
	m.WorkflowsOpen.WithLabelValues(kind).Inc()
}

// RecordDecision records a committed step decision.
func (m *Metrics) RecordDecision(kind, decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(kind, decision).Inc()
}

// RecordDelegation records a step delegation.
func (m *Metrics) RecordDelegation() {
	if m == nil {
		return
	}
	m.DelegationsTotal.Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(kind, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(kind, finalStatus).Inc()
	m.WorkflowsOpen.WithLabelValues(kind).Dec()
}

// RecordConflict records a lost optimistic concurrency race.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.DecisionConflictsTotal.Inc()
}

// RecordOperation records the duration of an orchestrator operation.
func (m *Metrics) RecordOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEscalation records a workflow sent to tier-2. Reason is "policy" for
// severity-driven routing at creation and "manual" for explicit escalation.
func (m *Metrics) RecordEscalation(reason string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(reason).Inc()
}

// RecordRouting records a tier-2 routing decision.
func (m *Metrics) RecordRouting() {
	if m == nil {
		return
	}
	m.RoutingsTotal.Inc()
}

// RecordNotification records a notification delivery outcome.
func (m *Metrics) RecordNotification(eventType, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, outcome).Inc()
}

// SetNotifyQueueDepth sets the current dispatch queue depth.
func (m *Metrics) SetNotifyQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.NotifyQueueDepth.Set(float64(depth))
}

// SetNotifyBreakerState sets the circuit breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifyBreakerState(sink string, state float64) {
	if m == nil {
		return
	}
	m.NotifyBreakerState.WithLabelValues(sink).Set(state)
}

// RecordNotifyRetry records a notification publish retry.
func (m *Metrics) RecordNotifyRetry(sink string) {
	if m == nil {
		return
	}
	m.NotifyRetriesTotal.WithLabelValues(sink).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordDirectoryCacheHit records a directory cache hit.
func (m *Metrics) RecordDirectoryCacheHit() {
	if m == nil {
		return
	}
	m.DirectoryCacheHitsTotal.Inc()
}

// RecordDirectoryCacheMiss records a directory cache miss.
func (m *Metrics) RecordDirectoryCacheMiss() {
	if m == nil {
		return
	}
	m.DirectoryCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response served from a stored result.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordIdempotencyConflict records a key reused with a different request.
func (m *Metrics) RecordIdempotencyConflict() {
	if m == nil {
		return
	}
	m.IdempotencyConflictsTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
