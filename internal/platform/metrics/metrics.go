// Package metrics provides the Prometheus metrics of the server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Dispatcher metrics
	DispatchOperationsTotal   *prometheus.CounterVec
	DispatchOperationDuration *prometheus.HistogramVec
	PageResolveOmittedTotal   prometheus.Counter

	// Cursor store metrics
	CursorsActive     prometheus.Gauge
	CursorsSweptTotal prometheus.Counter
}

// New creates all metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dermal_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dermal_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dermal_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.DispatchOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dermal_dispatch_operations_total",
			Help: "Total number of dispatched operations by resource type and outcome",
		},
		[]string{"type", "operation", "outcome"},
	)

	m.DispatchOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dermal_dispatch_operation_duration_seconds",
			Help:    "Duration of dispatched operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.PageResolveOmittedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dermal_page_resolve_omitted_total",
			Help: "Total number of paged ids omitted because the resource no longer exists",
		},
	)

	m.CursorsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dermal_cursors_active",
			Help: "Number of live search cursors after the last sweep",
		},
	)

	m.CursorsSweptTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dermal_cursors_swept_total",
			Help: "Total number of expired search cursors removed",
		},
	)

	return m
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDispatch records one dispatcher operation.
func (m *Metrics) RecordDispatch(resourceType, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchOperationsTotal.WithLabelValues(resourceType, operation, outcome).Inc()
	m.DispatchOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOmitted counts ids dropped from a page.
func (m *Metrics) RecordOmitted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.PageResolveOmittedTotal.Add(float64(n))
}

// RecordSweep records a cursor sweep.
func (m *Metrics) RecordSweep(removed, remaining int) {
	if m == nil {
		return
	}
	m.CursorsSweptTotal.Add(float64(removed))
	m.CursorsActive.Set(float64(remaining))
}

// InFlight tracks a request in progress; call the returned func when done.
func (m *Metrics) InFlight() func() {
	if m == nil {
		return func() {}
	}
	m.HTTPRequestsInFlight.Inc()
	return m.HTTPRequestsInFlight.Dec
}
