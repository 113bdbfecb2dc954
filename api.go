// Package airouter is an HTTP gateway which routes Anthropic Messages API
// calls from coding agents to configured providers, translating to and from
// the OpenAI Chat Completions format where needed.
package airouter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coder/airouter/config"
	"github.com/coder/airouter/envelope"
	"github.com/coder/airouter/metrics"
)

// Type aliases for the types callers need to construct a [Gateway].
type (
	Config   = config.Config
	Provider = config.Provider
	Metrics  = metrics.Metrics

	Store            = envelope.Store
	RequestEnvelope  = envelope.RequestEnvelope
	ResponseEnvelope = envelope.ResponseEnvelope
)

func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.NewMetrics(reg)
}
