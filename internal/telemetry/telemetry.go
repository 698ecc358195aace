// Package telemetry implements observability (C11) with
// prometheus/client_golang: request counters and latency histograms,
// backend health gauges, admission-denial counters, and long-lived
// connection gauges.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the forwarding engine,
// health monitor, and admission layer report into.
type Metrics struct {
	requestsTotal        *prometheus.CounterVec
	requestDuration       *prometheus.HistogramVec
	backendHealth        *prometheus.GaugeVec
	admissionDenialsTotal *prometheus.CounterVec
	longLivedConnections *prometheus.GaugeVec
}

// New creates and registers the Metrics collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_requests_total",
			Help: "Total proxied requests by route, backend, and status.",
		}, []string{"route", "backend", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeproxy_request_duration_seconds",
			Help:    "Request handling latency by route and backend.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "backend"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeproxy_backend_health",
			Help: "Backend health state: 0=unhealthy, 1=unknown, 2=healthy.",
		}, []string{"backend"}),
		admissionDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_admission_denials_total",
			Help: "Total admission denials by reason.",
		}, []string{"reason"}),
		longLivedConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgeproxy_longlived_connections",
			Help: "Current long-lived (WebSocket/SSE) connections by user.",
		}, []string{"user"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.backendHealth,
		m.admissionDenialsTotal,
		m.longLivedConnections,
	)
	return m
}

// RecordRequest records one completed proxy attempt's outcome.
func (m *Metrics) RecordRequest(route, backendAddr string, status int, duration time.Duration) {
	if backendAddr == "" {
		backendAddr = "none"
	}
	m.requestsTotal.WithLabelValues(route, backendAddr, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, backendAddr).Observe(duration.Seconds())
}

// RecordAdmissionDenial records one admission rejection, labelled by reason.
func (m *Metrics) RecordAdmissionDenial(reason string) {
	m.admissionDenialsTotal.WithLabelValues(reason).Inc()
}

// SetBackendHealth records a backend's current health state as a gauge:
// 0=unhealthy, 1=unknown, 2=healthy. This differs from backend.HealthState's
// ordering (Unknown=0, Healthy=1, Unhealthy=2) so that "known good" is
// visually highest on a dashboard; callers translate before calling.
func (m *Metrics) SetBackendHealth(name string, state int) {
	m.backendHealth.WithLabelValues(name).Set(float64(state))
}

// SetLongLivedConnections records the current long-lived connection count
// for a user.
func (m *Metrics) SetLongLivedConnections(user string, count int) {
	m.longLivedConnections.WithLabelValues(user).Set(float64(count))
}
