package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Voice provider metrics
	CallsPlaced       *prometheus.CounterVec
	CallPlacementTime prometheus.Histogram

	// Dispatch metrics
	BatchesDispatched *prometheus.CounterVec
	BatchSize         prometheus.Histogram

	// Billing metrics
	EligibilityDenials *prometheus.CounterVec
	UsageInvoices      prometheus.Counter
	UsageBilledCents   prometheus.Counter

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		CallsPlaced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calls_placed_total",
				Help: "Total number of outbound call placements by outcome",
			},
			[]string{"status"},
		),
		CallPlacementTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "call_placement_duration_seconds",
				Help:    "Voice provider call placement latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		BatchesDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batches_dispatched_total",
				Help: "Total number of batch dispatches by outcome",
			},
			[]string{"outcome"},
		),
		BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batch_size_contacts",
				Help:    "Number of contacts per dispatched batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		),

		EligibilityDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eligibility_denials_total",
				Help: "Total number of call eligibility denials by reason",
			},
			[]string{"reason"},
		),
		UsageInvoices: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_invoices_total",
				Help: "Total number of usage invoices created",
			},
		),
		UsageBilledCents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_billed_cents_total",
				Help: "Total call cost settled onto usage invoices, in cents",
			},
		),

		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Total number of inbound webhook events by source, type and outcome",
			},
			[]string{"source", "event_type", "outcome"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"provider"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordCallPlacement records a call placement attempt
func RecordCallPlacement(status string, duration time.Duration) {
	m := Get()
	m.CallsPlaced.WithLabelValues(status).Inc()
	m.CallPlacementTime.Observe(duration.Seconds())
}

// RecordBatchDispatch records a completed batch dispatch
func RecordBatchDispatch(outcome string, contacts int) {
	m := Get()
	m.BatchesDispatched.WithLabelValues(outcome).Inc()
	m.BatchSize.Observe(float64(contacts))
}

// RecordEligibilityDenial records a denied eligibility check
func RecordEligibilityDenial(reason string) {
	Get().EligibilityDenials.WithLabelValues(reason).Inc()
}

// RecordUsageInvoice records a created usage invoice
func RecordUsageInvoice(amountCents int64) {
	m := Get()
	m.UsageInvoices.Inc()
	m.UsageBilledCents.Add(float64(amountCents))
}

// RecordWebhookEvent records an inbound webhook event
func RecordWebhookEvent(source, eventType, outcome string) {
	Get().WebhookEvents.WithLabelValues(source, eventType, outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(provider string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(provider).Set(state)
}
