package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Peage gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Relay metrics.
	RelayRequestsTotal       *prometheus.CounterVec
	RelayUpstreamDuration    *prometheus.HistogramVec
	RelayActiveRequests      *prometheus.GaugeVec
	RelayUpstreamErrorsTotal *prometheus.CounterVec
	UsageParseFailuresTotal  *prometheus.CounterVec

	// Payment-path metrics.
	ResourceRequestsTotal      *prometheus.CounterVec
	ReservationRejectionsTotal prometheus.Counter
	SettlementsTotal           *prometheus.CounterVec
	RefundsTotal               *prometheus.CounterVec

	// Rate limiting.
	RateLimitRejectionsTotal prometheus.Counter

	// Reconciliation collector.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRecordsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		RelayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_relay_requests_total",
			Help: "Total number of upstream relay requests.",
		}, []string{"model", "provider", "status_code"}),

		RelayUpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_relay_upstream_duration_seconds",
			Help:    "Upstream request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),

		RelayActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peage_relay_active_requests",
			Help: "Number of currently active relay requests.",
		}, []string{"model"}),

		RelayUpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_relay_upstream_errors_total",
			Help: "Total number of upstream request errors by error type.",
		}, []string{"error_type", "model"}),

		UsageParseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_usage_parse_failures_total",
			Help: "Total number of upstream responses whose usage could not be parsed.",
		}, []string{"model"}),

		ResourceRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_resource_requests_total",
			Help: "Total number of resource requests by payment path.",
		}, []string{"resource", "payment", "status_code"}),

		ReservationRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_reservation_rejections_total",
			Help: "Total number of requests rejected for insufficient balance.",
		}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_settlements_total",
			Help: "Total number of x402 payments settled.",
		}, []string{"network"}),

		RefundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_refunds_total",
			Help: "Total number of x402 refund attempts by outcome.",
		}, []string{"status"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peage_collector_buffer_size",
			Help: "Current number of buffered reconciliation records.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_collector_flushes_total",
			Help: "Total number of reconciliation collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peage_collector_flush_duration_seconds",
			Help:    "Duration of reconciliation flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_collector_records_total",
			Help: "Total number of reconciliation records persisted.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peage_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RelayRequestsTotal,
		m.RelayUpstreamDuration,
		m.RelayActiveRequests,
		m.RelayUpstreamErrorsTotal,
		m.UsageParseFailuresTotal,
		m.ResourceRequestsTotal,
		m.ReservationRejectionsTotal,
		m.SettlementsTotal,
		m.RefundsTotal,
		m.RateLimitRejectionsTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncRelayRequests increments the relay request counter.
func (m *Metrics) IncRelayRequests(model, providerType string, statusCode int) {
	m.RelayRequestsTotal.WithLabelValues(model, providerType, fmt.Sprintf("%d", statusCode)).Inc()
}

// ObserveUpstreamDuration records the upstream request duration.
func (m *Metrics) ObserveUpstreamDuration(model string, seconds float64) {
	m.RelayUpstreamDuration.WithLabelValues(model).Observe(seconds)
}

// IncActiveRequests increments the active relay requests gauge.
func (m *Metrics) IncActiveRequests(model string) {
	m.RelayActiveRequests.WithLabelValues(model).Inc()
}

// DecActiveRequests decrements the active relay requests gauge.
func (m *Metrics) DecActiveRequests(model string) {
	m.RelayActiveRequests.WithLabelValues(model).Dec()
}

// IncUpstreamError increments the upstream error counter by error type.
func (m *Metrics) IncUpstreamError(errorType, model string) {
	m.RelayUpstreamErrorsTotal.WithLabelValues(errorType, model).Inc()
}

// IncUsageParseFailure increments the usage parse failure counter.
func (m *Metrics) IncUsageParseFailure(model string) {
	m.UsageParseFailuresTotal.WithLabelValues(model).Inc()
}

// IncResourceRequests increments the resource request counter.
func (m *Metrics) IncResourceRequests(resource, payment string, statusCode int) {
	m.ResourceRequestsTotal.WithLabelValues(resource, payment, fmt.Sprintf("%d", statusCode)).Inc()
}

// IncReservationRejection increments the insufficient-balance rejection counter.
func (m *Metrics) IncReservationRejection() {
	m.ReservationRejectionsTotal.Inc()
}

// IncSettlement increments the settlement counter for the given network.
func (m *Metrics) IncSettlement(network string) {
	m.SettlementsTotal.WithLabelValues(network).Inc()
}

// IncRefund increments the refund counter by outcome.
func (m *Metrics) IncRefund(failed bool) {
	status := "success"
	if failed {
		status = "failed"
	}
	m.RefundsTotal.WithLabelValues(status).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// SetCollectorBufferSize sets the reconciliation buffer gauge.
func (m *Metrics) SetCollectorBufferSize(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// IncCollectorFlush increments the collector flush counter by outcome.
func (m *Metrics) IncCollectorFlush(failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
}

// ObserveCollectorFlushDuration records the duration of a collector flush.
func (m *Metrics) ObserveCollectorFlushDuration(seconds float64) {
	m.CollectorFlushDuration.Observe(seconds)
}

// AddCollectorRecords adds to the persisted reconciliation record counter.
func (m *Metrics) AddCollectorRecords(n int) {
	m.CollectorRecordsTotal.Add(float64(n))
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
