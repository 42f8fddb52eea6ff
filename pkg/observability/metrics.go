package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthorizeDecisionsTotal *prometheus.CounterVec

	// Workflow metrics
	WorkflowTransitionsTotal *prometheus.CounterVec

	// Sweep metrics
	SweepRunsTotal  *prometheus.CounterVec
	SweepItemsTotal *prometheus.CounterVec
	SweepDuration   *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthorizeDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_authorize_decisions_total",
				Help: "Authorization decisions by deciding source and result",
			},
			[]string{"source", "result"},
		),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_workflow_transitions_total",
				Help: "Workflow instance transitions",
			},
			[]string{"transition"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_sweep_runs_total",
				Help: "Sweep job runs by outcome",
			},
			[]string{"job", "status"},
		),
		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_sweep_items_total",
				Help: "Items handled by sweep jobs",
			},
			[]string{"job", "outcome"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_sweep_duration_seconds",
				Help:    "Sweep job duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"job"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_notifications_total",
				Help: "Notification dispatches by intent and status",
			},
			[]string{"intent", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthorizeDecisionsTotal,
		m.WorkflowTransitionsTotal,
		m.SweepRunsTotal,
		m.SweepItemsTotal,
		m.SweepDuration,
		m.NotificationsTotal,
	)

	return m
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDecision records an authorization outcome.
func (m *Metrics) RecordDecision(source string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "granted"
	}
	m.AuthorizeDecisionsTotal.WithLabelValues(source, result).Inc()
}

// RecordTransition records a workflow state change.
func (m *Metrics) RecordTransition(transition string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordSweepRun records one run of a sweep job.
func (m *Metrics) RecordSweepRun(job string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.SweepRunsTotal.WithLabelValues(job, status).Inc()
	m.SweepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordSweepItems adds n items with the given outcome for job.
func (m *Metrics) RecordSweepItems(job, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepItemsTotal.WithLabelValues(job, outcome).Add(float64(n))
}

// RecordNotification records a notification dispatch.
func (m *Metrics) RecordNotification(intent string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.NotificationsTotal.WithLabelValues(intent, status).Inc()
}

// Handler returns the HTTP handler serving the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
