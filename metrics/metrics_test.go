package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"

	"github.com/coder/airouter/metrics"
)

func TestRecorder(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics(prometheus.NewRegistry())

	m.DeliveryCompleted("anthropic", "claude", metrics.StatusSuccess, 2, time.Second)
	m.Retried("anthropic", "claude", 503)
	m.Retried("anthropic", "claude", 0)
	m.FallbackActivated("anthropic", "openrouter", "circuit_open")
	m.BreakerTransition("anthropic", gobreaker.StateClosed, gobreaker.StateOpen)
	m.BreakerRejected("anthropic")

	assert.Equal(t, 1.0, promtest.ToFloat64(m.DeliveryCount.WithLabelValues("anthropic", "claude", metrics.StatusSuccess)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RetryCount.WithLabelValues("anthropic", "claude", "503")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RetryCount.WithLabelValues("anthropic", "claude", "network_error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FallbackActivations.WithLabelValues("anthropic", "openrouter", "circuit_open")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CircuitBreakerState.WithLabelValues("anthropic")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("anthropic")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CircuitBreakerRejects.WithLabelValues("anthropic")))

	m.BreakerTransition("anthropic", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 0.5, promtest.ToFloat64(m.CircuitBreakerState.WithLabelValues("anthropic")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("anthropic")), "only transitions to open count as trips")

	m.ObserveTokens("anthropic", "claude", 10, 5, 0, 0)
	assert.Equal(t, 10.0, promtest.ToFloat64(m.TokenUseCount.WithLabelValues("anthropic", "claude", "input")))
	assert.Equal(t, 5.0, promtest.ToFloat64(m.TokenUseCount.WithLabelValues("anthropic", "claude", "output")))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.DeliveryCompleted("p", "m", metrics.StatusUpstreamError, 1, 0)
		m.Retried("p", "m", 500)
		m.FallbackActivated("p", "f", "r")
		m.BreakerTransition("p", gobreaker.StateClosed, gobreaker.StateOpen)
		m.BreakerRejected("p")
		m.ObserveRequest("p", "m", "s", "r", "", 0)
		m.ObserveTokens("p", "m", 1, 1, 1, 1)
	})
}
