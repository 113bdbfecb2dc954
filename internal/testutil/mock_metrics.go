package testutil

import (
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/coder/airouter/metrics"
)

type Delivery struct {
	Provider, Model, Status string
	Attempts                int
	Duration                time.Duration
}

type Fallback struct {
	Primary, Fallback, Reason string
}

type Transition struct {
	Provider string
	From, To gobreaker.State
}

// MockMetrics is a metrics.Recorder which captures every event for test
// assertions.
type MockMetrics struct {
	mu sync.Mutex

	deliveries  []Delivery
	retries     []int
	fallbacks   []Fallback
	transitions []Transition
	rejections  []string
}

var _ metrics.Recorder = &MockMetrics{}

func (m *MockMetrics) DeliveryCompleted(provider, model, status string, attempts int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, Delivery{Provider: provider, Model: model, Status: status, Attempts: attempts, Duration: d})
}

func (m *MockMetrics) Retried(_, _ string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, statusCode)
}

func (m *MockMetrics) FallbackActivated(primary, fallback, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, Fallback{Primary: primary, Fallback: fallback, Reason: reason})
}

func (m *MockMetrics) BreakerTransition(provider string, from, to gobreaker.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, Transition{Provider: provider, From: from, To: to})
}

func (m *MockMetrics) BreakerRejected(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, provider)
}

func (m *MockMetrics) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deliveries)
}

// Retries returns the status code of every retried attempt; zero for network errors.
func (m *MockMetrics) Retries() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.retries)
}

func (m *MockMetrics) Fallbacks() []Fallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.fallbacks)
}

func (m *MockMetrics) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.transitions)
}

func (m *MockMetrics) Rejections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rejections)
}
