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
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	// Manufacturing phases run from minutes to days.
	phaseDurationBuckets = []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400, 259200}
)

// Metrics holds all Prometheus metric instruments for batchflow. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	PhaseTransitionsTotal    *prometheus.CounterVec
	RollbacksTotal           *prometheus.CounterVec
	TransitionConflictsTotal *prometheus.CounterVec
	InstantiationsTotal      *prometheus.CounterVec
	PhaseDuration            *prometheus.HistogramVec
	StuckPhases              prometheus.Gauge

	// Idempotency metrics
	IdempotentReplaysTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		PhaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchflow_phase_transitions_total",
			Help: "Total number of committed phase transitions.",
		}, []string{"phase", "event"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchflow_rollbacks_total",
			Help: "Total number of QC failure rollbacks.",
		}, []string{"checkpoint"}),
		TransitionConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchflow_transition_conflicts_total",
			Help: "Total number of transitions rejected by optimistic concurrency.",
		}, []string{"operation"}),
		InstantiationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchflow_instantiations_total",
			Help: "Total number of workflow instantiations.",
		}, []string{"product_type", "outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchflow_phase_duration_seconds",
			Help:    "Time from phase start to completion in seconds.",
			Buckets: phaseDurationBuckets,
		}, []string{"phase"}),
		StuckPhases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchflow_stuck_phases",
			Help: "Number of phases in progress for longer than the stuck threshold.",
		}),

		// Idempotency
		IdempotentReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchflow_idempotent_replays_total",
			Help: "Total number of requests answered from the idempotency store.",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.PhaseTransitionsTotal,
		m.RollbacksTotal,
		m.TransitionConflictsTotal,
		m.InstantiationsTotal,
		m.PhaseDuration,
		m.StuckPhases,
		m.IdempotentReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

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

// RecordTransition records a committed phase event.
func (m *Metrics) RecordTransition(phase, event string) {
	if m == nil {
		return
	}
	m.PhaseTransitionsTotal.WithLabelValues(phase, event).Inc()
}

// RecordRollback records a rollback triggered by a failed checkpoint.
func (m *Metrics) RecordRollback(checkpoint string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(checkpoint).Inc()
}

// RecordTransitionConflict records an optimistic concurrency rejection.
func (m *Metrics) RecordTransitionConflict(operation string) {
	if m == nil {
		return
	}
	m.TransitionConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordInstantiation records a workflow instantiation outcome: created,
// unchanged or error.
func (m *Metrics) RecordInstantiation(productType, outcome string) {
	if m == nil {
		return
	}
	m.InstantiationsTotal.WithLabelValues(productType, outcome).Inc()
}

// RecordPhaseDuration records the start-to-completion time of a phase.
func (m *Metrics) RecordPhaseDuration(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// SetStuckPhases sets the number of stuck phases.
func (m *Metrics) SetStuckPhases(count float64) {
	if m == nil {
		return
	}
	m.StuckPhases.Set(count)
}

// RecordIdempotentReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay(operation string) {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.WithLabelValues(operation).Inc()
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
func Handler(g prometheus.Gatherer) http.Handler {
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
