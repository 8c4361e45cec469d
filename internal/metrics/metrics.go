// Package metrics exposes Prometheus collectors for the ledger service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the agentpay server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics. kind is "public" or "management".
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics.
	TrackTotal       *prometheus.CounterVec
	SettlementsTotal *prometheus.CounterVec

	// Top-up metrics.
	TopUpsTotal     *prometheus.CounterVec
	ConfirmationLag prometheus.Histogram

	RateLimitRejectionsTotal *prometheus.CounterVec

	// Activity collector metrics.
	ActivityBufferSize    prometheus.Gauge
	ActivityFlushesTotal  *prometheus.CounterVec
	ActivityFlushDuration prometheus.Histogram
	ActivityEntriesTotal  prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "route"}),

		TrackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_track_total",
			Help: "Track calls by outcome.",
		}, []string{"outcome"}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_settlements_total",
			Help: "Capture and release calls by outcome.",
		}, []string{"op", "outcome"}),

		TopUpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_topups_total",
			Help: "Top-ups by lifecycle stage.",
		}, []string{"stage"}),

		ConfirmationLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpay_topup_confirmation_lag_seconds",
			Help:    "Time from top-up submission to confirmation.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 300, 900},
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		ActivityBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentpay_activity_buffer_size",
			Help: "Current number of buffered activity entries.",
		}),

		ActivityFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_activity_flushes_total",
			Help: "Total number of activity flushes.",
		}, []string{"status"}),

		ActivityFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpay_activity_flush_duration_seconds",
			Help:    "Duration of activity flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		ActivityEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpay_activity_entries_total",
			Help: "Total number of activity entries persisted.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentpay_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TrackTotal,
		m.SettlementsTotal,
		m.TopUpsTotal,
		m.ConfirmationLag,
		m.RateLimitRejectionsTotal,
		m.ActivityBufferSize,
		m.ActivityFlushesTotal,
		m.ActivityFlushDuration,
		m.ActivityEntriesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector exposes the Postgres pool on the registry. It is
// not called for the memory store.
func (m *Metrics) RegisterDBPoolCollector(stat PoolStatFunc) {
	m.registry.MustRegister(newDBPoolCollector(stat))
}

// ObserveHTTP records one served request. route is the chi route pattern.
func (m *Metrics) ObserveHTTP(kind, method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, route).Observe(d.Seconds())
}

// IncTrack counts a track call by outcome.
func (m *Metrics) IncTrack(outcome string) {
	m.TrackTotal.WithLabelValues(outcome).Inc()
}

// IncSettlement counts a capture or release by outcome.
func (m *Metrics) IncSettlement(op, outcome string) {
	m.SettlementsTotal.WithLabelValues(op, outcome).Inc()
}

// IncTopUp counts a top-up reaching stage.
func (m *Metrics) IncTopUp(stage string) {
	m.TopUpsTotal.WithLabelValues(stage).Inc()
}

// ObserveConfirmationLag records how long a top-up waited for confirmation.
func (m *Metrics) ObserveConfirmationLag(d time.Duration) {
	m.ConfirmationLag.Observe(d.Seconds())
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// SetActivityBuffer reports the activity collector's buffer length.
func (m *Metrics) SetActivityBuffer(n int) {
	m.ActivityBufferSize.Set(float64(n))
}

// ObserveActivityFlush records one activity flush.
func (m *Metrics) ObserveActivityFlush(count int, d time.Duration, err error) {
	m.ActivityFlushDuration.Observe(d.Seconds())
	if err != nil {
		m.ActivityFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.ActivityFlushesTotal.WithLabelValues("success").Inc()
	m.ActivityEntriesTotal.Add(float64(count))
}
