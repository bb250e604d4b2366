// Package observability holds the Prometheus instruments of stepflow.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/stepflow/pkg/schema"
)

var (
	stepDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Metrics holds all Prometheus metric instruments. It satisfies the engine's
// Recorder interface.
type Metrics struct {
	// Tasks
	TasksStartedTotal   prometheus.Counter
	TasksFinishedTotal  *prometheus.CounterVec
	ResumeRejectedTotal prometheus.Counter

	// Steps
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec

	// Sessions
	SessionTurnsTotal *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System
	WorkflowsLoaded    prometheus.Gauge
	JanitorPurgedTotal *prometheus.CounterVec
	JanitorSweepsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_tasks_started_total",
			Help: "Total number of task runs that left pending.",
		}),
		TasksFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		}, []string{"status"}),
		ResumeRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_resume_rejected_total",
			Help: "Total number of stale resume attempts.",
		}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_steps_total",
			Help: "Total number of executed action steps.",
		}, []string{"type", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_step_duration_seconds",
			Help:    "Action step duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"type"}),

		SessionTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_session_turns_total",
			Help: "Total number of conversation turns.",
		}, []string{"completed"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_workflows_loaded",
			Help: "Number of registered workflow templates.",
		}),
		JanitorPurgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_janitor_purged_total",
			Help: "Total number of records removed by retention sweeps.",
		}, []string{"kind"}),
		JanitorSweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_janitor_sweeps_total",
			Help: "Total number of retention sweeps.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.TasksStartedTotal,
		m.TasksFinishedTotal,
		m.ResumeRejectedTotal,
		m.StepsTotal,
		m.StepDuration,
		m.SessionTurnsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowsLoaded,
		m.JanitorPurgedTotal,
		m.JanitorSweepsTotal,
	)
	return m
}

// --- Recording helpers ---

// TaskStarted records a task leaving pending.
func (m *Metrics) TaskStarted() {
	m.TasksStartedTotal.Inc()
}

// TaskFinished records a task reaching status.
func (m *Metrics) TaskFinished(status schema.TaskStatus) {
	m.TasksFinishedTotal.WithLabelValues(string(status)).Inc()
}

// StepFinished records an executed action step.
func (m *Metrics) StepFinished(stepType schema.StepType, status schema.StepStatus, elapsed time.Duration) {
	m.StepsTotal.WithLabelValues(string(stepType), string(status)).Inc()
	m.StepDuration.WithLabelValues(string(stepType)).Observe(elapsed.Seconds())
}

// ResumeRejected records a stale resume.
func (m *Metrics) ResumeRejected() {
	m.ResumeRejectedTotal.Inc()
}

// SessionTurn records one conversation turn.
func (m *Metrics) SessionTurn(completed bool) {
	m.SessionTurnsTotal.WithLabelValues(strconv.FormatBool(completed)).Inc()
}

// SetWorkflowsLoaded sets the workflow template gauge.
func (m *Metrics) SetWorkflowsLoaded(n int) {
	m.WorkflowsLoaded.Set(float64(n))
}

// RecordSweep records one retention sweep and what it removed.
func (m *Metrics) RecordSweep(tasks, sessions int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JanitorSweepsTotal.WithLabelValues(status).Inc()
	if tasks > 0 {
		m.JanitorPurgedTotal.WithLabelValues("task").Add(float64(tasks))
	}
	if sessions > 0 {
		m.JanitorPurgedTotal.WithLabelValues("session").Add(float64(sessions))
	}
}

// --- HTTP metrics middleware ---

// MetricsMiddleware records HTTP request count and duration using the chi
// route pattern as the path label.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(mw, r)

			pattern := routePattern(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(mw.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unknown"
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return "unknown"
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps event streams working behind the middleware.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
