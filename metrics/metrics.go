package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	"github.com/coder/airouter/circuitbreaker"
)

var baseLabels []string = []string{"provider", "model"}

// Delivery outcomes, used as the "status" label.
const (
	StatusSuccess       = "success"
	StatusClientError   = "client_error"
	StatusUpstreamError = "upstream_error"
	StatusCircuitOpen   = "circuit_open"
	StatusCanceled      = "canceled"
)

// Recorder receives delivery observability events. Implementations must be
// safe for concurrent use.
type Recorder interface {
	// DeliveryCompleted is called once per logical call to a provider.
	DeliveryCompleted(provider, model, status string, attempts int, d time.Duration)
	// Retried is called for each retry of a provider call.
	Retried(provider, model string, statusCode int)
	FallbackActivated(primary, fallback, reason string)
	BreakerTransition(provider string, from, to gobreaker.State)
	BreakerRejected(provider string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) DeliveryCompleted(string, string, string, int, time.Duration) {}
func (Nop) Retried(string, string, int) {}
func (Nop) FallbackActivated(string, string, string) {}
func (Nop) BreakerTransition(string, gobreaker.State, gobreaker.State) {}
func (Nop) BreakerRejected(string) {}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Metrics)(nil)
)

type Metrics struct {
	// Request-related metrics.
	RequestCount     *prometheus.CounterVec
	RequestsInflight *prometheus.GaugeVec
	RequestDuration  *prometheus.HistogramVec

	// Delivery-related metrics.
	DeliveryCount       *prometheus.CounterVec
	DeliveryAttempts    *prometheus.HistogramVec
	DeliveryDuration    *prometheus.HistogramVec
	RetryCount          *prometheus.CounterVec
	FallbackActivations *prometheus.CounterVec

	// Circuit breaker metrics.
	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	CircuitBreakerRejects *prometheus.CounterVec

	// Token-related metrics.
	TokenUseCount *prometheus.CounterVec
}

// NewMetrics creates AND registers metrics. It will panic if a collector has already been registered.
// Note: we are not specifying namespace in the metrics; the provided registerer may specify a "namespace"
// using [prometheus.WrapRegistererWithPrefix].
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		// Pessimistic cardinality: 4 providers, 10 models, 5 statuses, 2 routes = up to 400.
		RequestCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "requests",
			Name:      "total",
			Help:      "The count of inbound requests, by the provider which served them.",
		}, append(baseLabels, "status", "route", "subagent")),
		RequestsInflight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "requests",
			Name:      "inflight",
			Help:      "The number of inbound requests which are being processed.",
		}, []string{"route"}),
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help: "The total duration of inbound requests, in seconds. " +
				"The majority of this time will be the upstream processing of the request.",
			Buckets: []float64{0.5, 2, 5, 15, 30, 60, 120},
		}, baseLabels),

		// Pessimistic cardinality: 4 providers, 10 models, 5 statuses = up to 200.
		DeliveryCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "deliveries",
			Name:      "total",
			Help:      "The count of logical upstream calls, by outcome.",
		}, append(baseLabels, "status")),
		DeliveryAttempts: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "deliveries",
			Name:      "attempts",
			Help:      "The number of attempts made per logical upstream call.",
			Buckets:   []float64{1, 2, 3, 4, 6, 10},
		}, []string{"provider"}),
		DeliveryDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "deliveries",
			Name:      "duration_seconds",
			Help:      "The duration of logical upstream calls including retries, in seconds.",
			Buckets:   []float64{0.5, 2, 5, 15, 30, 60, 120},
		}, []string{"provider"}),
		RetryCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "deliveries",
			Name:      "retries_total",
			Help:      "The count of retried upstream attempts.",
		}, append(baseLabels, "status_code")),
		FallbackActivations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "deliveries",
			Name:      "fallback_activations_total",
			Help:      "The count of calls handed to a fallback provider after the primary was exhausted.",
		}, []string{"primary", "fallback", "reason"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current state of the provider's circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"provider"}),
		CircuitBreakerTrips: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "The number of times the provider's circuit breaker opened.",
		}, []string{"provider"}),
		CircuitBreakerRejects: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "circuit_breaker",
			Name:      "rejects_total",
			Help:      "The number of calls rejected without contacting the provider.",
		}, []string{"provider"}),

		// Pessimistic cardinality: 4 providers, 10 models, 4 types = up to 160.
		TokenUseCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: "tokens",
			Name:      "total",
			Help:      "The number of tokens used by served requests.",
		}, append(baseLabels, "type")),
	}
}

func (m *Metrics) DeliveryCompleted(provider, model, status string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryCount.WithLabelValues(provider, model, status).Inc()
	if attempts > 0 {
		m.DeliveryAttempts.WithLabelValues(provider).Observe(float64(attempts))
	}
	m.DeliveryDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) Retried(provider, model string, statusCode int) {
	if m == nil {
		return
	}
	code := "network_error"
	if statusCode > 0 {
		code = statusText(statusCode)
	}
	m.RetryCount.WithLabelValues(provider, model, code).Inc()
}

func (m *Metrics) FallbackActivated(primary, fallback, reason string) {
	if m == nil {
		return
	}
	m.FallbackActivations.WithLabelValues(primary, fallback, reason).Inc()
}

func (m *Metrics) BreakerTransition(provider string, _, to gobreaker.State) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(circuitbreaker.StateToGaugeValue(to))
	if to == gobreaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) BreakerRejected(provider string) {
	if m == nil {
		return
	}
	m.CircuitBreakerRejects.WithLabelValues(provider).Inc()
}

// ObserveRequest records a finished inbound request.
func (m *Metrics) ObserveRequest(provider, model, status, route, subagent string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(provider, model, status, route, subagent).Inc()
	m.RequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ObserveTokens records token usage reported by a provider.
func (m *Metrics) ObserveTokens(provider, model string, input, output, cacheRead, cacheWrite int64) {
	if m == nil {
		return
	}
	for typ, n := range map[string]int64{
		"input":       input,
		"output":      output,
		"cache_read":  cacheRead,
		"cache_write": cacheWrite,
	} {
		if n > 0 {
			m.TokenUseCount.WithLabelValues(provider, model, typ).Add(float64(n))
		}
	}
}

func statusText(code int) string {
	// Keep the label set bounded.
	switch code {
	case 408:
		return "408"
	case 429:
		return "429"
	case 500:
		return "500"
	case 502:
		return "502"
	case 503:
		return "503"
	case 504:
		return "504"
	case 529:
		return "529"
	default:
		if code >= 500 {
			return "5xx"
		}
		return "other"
	}
}
