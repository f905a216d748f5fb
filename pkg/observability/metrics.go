package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Entitlement metrics
	EntitlementChecksTotal   *prometheus.CounterVec
	EntitlementCheckDuration *prometheus.HistogramVec
	EntitlementFailOpenTotal prometheus.Counter

	// Usage event consumer metrics
	UsageEventsTotal    *prometheus.CounterVec
	UsageEventRetries   prometheus.Counter
	UsageEventsPoisoned prometheus.Counter
	UsageEventDuration  *prometheus.HistogramVec

	// Payment metrics
	PaymentReconciliationsTotal *prometheus.CounterVec
	WebhooksTotal               *prometheus.CounterVec
	ProviderCallDuration        *prometheus.HistogramVec

	// Scheduled job metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobLockSkips *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	ActiveSubscriptions  *prometheus.GaugeVec
	SubscriptionsExpired prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metering_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		EntitlementChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_entitlement_checks_total",
				Help: "Entitlement decisions by resource and reason",
			},
			[]string{"resource", "allowed", "reason"},
		),
		EntitlementCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metering_entitlement_check_duration_seconds",
				Help:    "Entitlement check duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"resource"},
		),
		EntitlementFailOpenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_entitlement_fail_open_total",
				Help: "Entitlement checks that defaulted to allow on dependency failure",
			},
		),

		UsageEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_usage_events_total",
				Help: "Usage events consumed by resource and status",
			},
			[]string{"resource", "status"},
		),
		UsageEventRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_usage_event_retries_total",
				Help: "Usage event redeliveries",
			},
		),
		UsageEventsPoisoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_usage_events_poisoned_total",
				Help: "Usage events acknowledged after exhausting retries",
			},
		),
		UsageEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metering_usage_event_duration_seconds",
				Help:    "Usage event processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),

		PaymentReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_payment_reconciliations_total",
				Help: "Payment reconciliation outcomes by entry point and result",
			},
			[]string{"entry", "result"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_webhooks_total",
				Help: "Inbound provider webhooks by result",
			},
			[]string{"result"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metering_provider_call_duration_seconds",
				Help:    "Payment provider call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_job_runs_total",
				Help: "Scheduled job runs by job and status",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metering_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
		JobLockSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_job_lock_skips_total",
				Help: "Job runs skipped because another instance holds the lock",
			},
			[]string{"job"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_notifications_total",
				Help: "Outbound notifications by type and status",
			},
			[]string{"type", "status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "metering_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "metering_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		ActiveSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metering_subscriptions",
				Help: "Subscriptions by status",
			},
			[]string{"status"},
		),
		SubscriptionsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_subscriptions_expired_total",
				Help: "Subscriptions transitioned to expired",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EntitlementChecksTotal,
		m.EntitlementCheckDuration,
		m.EntitlementFailOpenTotal,
		m.UsageEventsTotal,
		m.UsageEventRetries,
		m.UsageEventsPoisoned,
		m.UsageEventDuration,
		m.PaymentReconciliationsTotal,
		m.WebhooksTotal,
		m.ProviderCallDuration,
		m.JobRunsTotal,
		m.JobDuration,
		m.JobLockSkips,
		m.NotificationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.ActiveSubscriptions,
		m.SubscriptionsExpired,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler returns the /metrics handler for the registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
