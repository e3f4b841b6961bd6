package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ingestd"

// Metrics holds all application metrics on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec

	wsConnections prometheus.Gauge
	queueLength   *prometheus.GaugeVec

	jobsTotal     *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	uploadIntents *prometheus.CounterVec
}

// New creates a new Metrics instance with Go runtime and process
// collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"endpoint", "method"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "method"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total HTTP errors by status class",
		}, []string{"endpoint", "method", "status_class"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Active WebSocket connections",
		}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcode_queue_length",
			Help:      "Transcode jobs by queue state",
		}, []string{"state"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_total",
			Help:      "Finished transcode attempts by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_job_duration_seconds",
			Help:      "Wall time of a transcode attempt",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_stage_duration_seconds",
			Help:      "Wall time of each transcode stage",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
		uploadIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_intents_total",
			Help:      "Upload intents by kind and outcome",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.requestErrors,
		m.wsConnections,
		m.queueLength,
		m.jobsTotal,
		m.jobDuration,
		m.stageDuration,
		m.uploadIntents,
	)
	return m
}

// global metrics instance
var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	endpoint := normalizeEndpoint(path)
	m.requestCount.WithLabelValues(endpoint, method).Inc()
	m.requestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())

	if statusCode >= 400 {
		class := string(rune('0'+statusCode/100)) + "xx"
		m.requestErrors.WithLabelValues(endpoint, method, class).Inc()
	}
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// UUID pattern (simplified)
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.wsConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.wsConnections.Dec()
}

// SetQueueLength sets the number of jobs in a queue state.
func (m *Metrics) SetQueueLength(state string, length int64) {
	m.queueLength.WithLabelValues(state).Set(float64(length))
}

// RecordJob records the outcome of one transcode attempt: "completed",
// "retried" or "dead_lettered".
func (m *Metrics) RecordJob(outcome string, duration time.Duration) {
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// ObserveStage records how long a transcode stage took.
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordUploadIntent counts issued and completed upload intents.
func (m *Metrics) RecordUploadIntent(kind, outcome string) {
	m.uploadIntents.WithLabelValues(kind, outcome).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
