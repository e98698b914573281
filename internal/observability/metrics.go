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
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the approvals service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	InstanceCreationsTotal  *prometheus.CounterVec
	TransitionsTotal        *prometheus.CounterVec
	TransitionFailuresTotal *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	ActiveInstances         *prometheus.GaugeVec
	CompletionsTotal        *prometheus.CounterVec

	// Verification gate metrics
	VerificationsCreatedTotal  prometheus.Counter
	VerificationsResolvedTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsDispatchedTotal *prometheus.CounterVec
	NotificationBreakerState     prometheus.Gauge

	// Cache metrics
	ScopeCacheHitsTotal   prometheus.Counter
	ScopeCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
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

		// Workflows
		InstanceCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_instance_creations_total",
			Help: "Total number of workflow instances created.",
		}, []string{"kind"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transitions_total",
			Help: "Total number of applied workflow transitions.",
		}, []string{"kind", "action"}),
		TransitionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transition_failures_total",
			Help: "Total number of rejected or failed transition attempts.",
		}, []string{"kind", "action", "code"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_transition_duration_seconds",
			Help:    "Transition execution duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"kind", "action"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_active_instances",
			Help: "Number of workflow instances not yet in a terminal state.",
		}, []string{"kind"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_completions_total",
			Help: "Total number of workflow instances reaching a terminal state.",
		}, []string{"kind", "outcome"}),

		// Verification gate
		VerificationsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_verifications_created_total",
			Help: "Total number of value verification records created.",
		}),
		VerificationsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_verifications_resolved_total",
			Help: "Total number of value verification records resolved.",
		}, []string{"decision"}),

		// Notifications
		NotificationsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_notifications_dispatched_total",
			Help: "Total number of notification events dispatched.",
		}, []string{"status"}),
		NotificationBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_notification_breaker_state",
			Help: "Notification circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Cache
		ScopeCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_scope_cache_hits_total",
			Help: "Total visibility scope cache hits.",
		}),
		ScopeCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_scope_cache_misses_total",
			Help: "Total visibility scope cache misses.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_definition_reload_total",
			Help: "Total workflow definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_definitions_loaded",
			Help: "Number of loaded workflow kind definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.InstanceCreationsTotal,
		m.TransitionsTotal,
		m.TransitionFailuresTotal,
		m.TransitionDuration,
		m.ActiveInstances,
		m.CompletionsTotal,
		// Verification gate
		m.VerificationsCreatedTotal,
		m.VerificationsResolvedTotal,
		// Notifications
		m.NotificationsDispatchedTotal,
		m.NotificationBreakerState,
		// Cache
		m.ScopeCacheHitsTotal,
		m.ScopeCacheMissesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceCreation records a new workflow instance.
func (m *Metrics) RecordInstanceCreation(kind string) {
	m.InstanceCreationsTotal.WithLabelValues(kind).Inc()
	m.ActiveInstances.WithLabelValues(kind).Inc()
}

// RecordTransition records a successfully applied transition.
func (m *Metrics) RecordTransition(kind, action string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(kind, action).Inc()
	m.TransitionDuration.WithLabelValues(kind, action).Observe(duration.Seconds())
}

// RecordTransitionFailure records a rejected or failed transition attempt.
func (m *Metrics) RecordTransitionFailure(kind, action, code string) {
	m.TransitionFailuresTotal.WithLabelValues(kind, action, code).Inc()
}

// RecordCompletion records an instance reaching a terminal state.
func (m *Metrics) RecordCompletion(kind, outcome string) {
	m.CompletionsTotal.WithLabelValues(kind, outcome).Inc()
	m.ActiveInstances.WithLabelValues(kind).Dec()
}

// RecordVerificationCreated records a new verification record.
func (m *Metrics) RecordVerificationCreated() {
	m.VerificationsCreatedTotal.Inc()
}

// RecordVerificationResolved records a resolved verification record.
func (m *Metrics) RecordVerificationResolved(decision string) {
	m.VerificationsResolvedTotal.WithLabelValues(decision).Inc()
}

// RecordNotificationDispatch records a dispatch attempt outcome.
func (m *Metrics) RecordNotificationDispatch(status string, count int) {
	m.NotificationsDispatchedTotal.WithLabelValues(status).Add(float64(count))
}

// SetNotificationBreakerState sets the notification breaker gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotificationBreakerState(state float64) {
	m.NotificationBreakerState.Set(state)
}

// RecordScopeCacheHit records a visibility scope cache hit.
func (m *Metrics) RecordScopeCacheHit() {
	m.ScopeCacheHitsTotal.Inc()
}

// RecordScopeCacheMiss records a visibility scope cache miss.
func (m *Metrics) RecordScopeCacheMiss() {
	m.ScopeCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
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

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
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
