package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Tollgate gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Proxy metrics.
	ProxyRequestsTotal       *prometheus.CounterVec
	ProxyUpstreamDuration    *prometheus.HistogramVec
	ProxyActiveStreams       prometheus.Gauge
	ProxyUpstreamErrorsTotal *prometheus.CounterVec

	// Enforcement metrics.
	RejectionsTotal    *prometheus.CounterVec
	ReservedCentsTotal prometheus.Counter
	SettledCentsTotal  *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	BreakerTripsTotal  prometheus.Counter
	AutoFreezesTotal   *prometheus.CounterVec

	// Persistence and delivery.
	PersistFailuresTotal   *prometheus.CounterVec
	CollectorFailuresTotal prometheus.Counter
	CacheRetriesTotal      *prometheus.CounterVec
	WebhookDeliveriesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_proxy_requests_total",
			Help: "Total number of completion requests by outcome.",
		}, []string{"outcome"}),

		ProxyUpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_proxy_upstream_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),

		ProxyActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_proxy_active_streams",
			Help: "Number of event streams currently being relayed.",
		}),

		ProxyUpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_proxy_upstream_errors_total",
			Help: "Total number of upstream request errors by error type.",
		}, []string{"error_type"}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_rejections_total",
			Help: "Total number of preflight rejections by code.",
		}, []string{"code"}),

		ReservedCentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_reserved_cents_total",
			Help: "Cents reserved by admitted requests.",
		}),

		SettledCentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_settled_cents_total",
			Help: "Cents charged at settlement by usage source.",
		}, []string{"usage_source"}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_settlements_total",
			Help: "Total number of settlements by usage source.",
		}, []string{"usage_source"}),

		BreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_breaker_trips_total",
			Help: "Total number of circuit breaker trips.",
		}),

		AutoFreezesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_auto_freezes_total",
			Help: "Total number of automatic freezes by reason.",
		}, []string{"reason"}),

		PersistFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_persist_failures_total",
			Help: "Total number of failed durable writes by target.",
		}, []string{"target"}),

		CollectorFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_collector_flush_failures_total",
			Help: "Total number of failed spend event sink writes.",
		}),

		CacheRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_cache_retries_total",
			Help: "Total number of retried cache operations.",
		}, []string{"op"}),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by result.",
		}, []string{"result"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ProxyRequestsTotal,
		m.ProxyUpstreamDuration,
		m.ProxyActiveStreams,
		m.ProxyUpstreamErrorsTotal,
		m.RejectionsTotal,
		m.ReservedCentsTotal,
		m.SettledCentsTotal,
		m.SettlementsTotal,
		m.BreakerTripsTotal,
		m.AutoFreezesTotal,
		m.PersistFailuresTotal,
		m.CollectorFailuresTotal,
		m.CacheRetriesTotal,
		m.WebhookDeliveriesTotal,
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

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterCachePoolCollector registers the Redis pool stats collector.
func (m *Metrics) RegisterCachePoolCollector(statFunc PoolStatFunc) {
	m.registry.MustRegister(NewCachePoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64, bytes int) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
	m.HTTPResponseSize.WithLabelValues(kind, method, pattern).Observe(float64(bytes))
}

// IncRequests increments the completion request counter.
func (m *Metrics) IncRequests(outcome string) {
	m.ProxyRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamDuration records time to upstream headers.
func (m *Metrics) ObserveUpstreamDuration(stream bool, seconds float64) {
	mode := "buffered"
	if stream {
		mode = "stream"
	}
	m.ProxyUpstreamDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) IncActiveStreams() { m.ProxyActiveStreams.Inc() }

func (m *Metrics) DecActiveStreams() { m.ProxyActiveStreams.Dec() }

// IncUpstreamError increments the upstream error counter with error type classification.
func (m *Metrics) IncUpstreamError(kind string) {
	m.ProxyUpstreamErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRejection(code string) {
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordReservation(cents int64) {
	m.ReservedCentsTotal.Add(float64(cents))
}

func (m *Metrics) RecordBreakerTrip() {
	m.BreakerTripsTotal.Inc()
	m.AutoFreezesTotal.WithLabelValues("circuit_breaker").Inc()
}

// RecordSettlement counts the final charge. The reserve is already counted
// at admission.
func (m *Metrics) RecordSettlement(_, actualCents int64, source string) {
	m.SettlementsTotal.WithLabelValues(source).Inc()
	m.SettledCentsTotal.WithLabelValues(source).Add(float64(actualCents))
}

func (m *Metrics) RecordAutoFreeze(reason string) {
	m.AutoFreezesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPersistFailure(target string) {
	m.PersistFailuresTotal.WithLabelValues(target).Inc()
}

// IncCollectorFailure is registered with the spend event collector.
func (m *Metrics) IncCollectorFailure() {
	m.CollectorFailuresTotal.Inc()
}

// CacheRetry matches the cache retry hook signature.
func (m *Metrics) CacheRetry(op string, _ int, _ error) {
	m.CacheRetriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncWebhookDelivery(result string) {
	m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
}
