// Package envelope defines the narrow write interface through which every
// request and its outcome are logged.
package envelope

import (
	"context"
	"time"
)

// Outcomes of a request.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// RequestEnvelope is written when a request is submitted upstream.
type RequestEnvelope struct {
	// RequestID is the correlation id shared with logs and dumps.
	RequestID  string
	ReceivedAt time.Time
	Method     string
	Path       string

	RequestedModel string
	Provider       string
	Model          string
	Subagent       string
	Streaming      bool

	// Body is the raw inbound body.
	Body []byte
}

// ResponseEnvelope finalizes a request.
type ResponseEnvelope struct {
	CompletedAt time.Time
	Status      int
	Outcome     string
	// ServedBy is the provider which produced the response; it differs from
	// the request's provider when a fallback answered.
	ServedBy string

	// Body is the whole response for non-streaming requests.
	Body []byte
	// Chunks is the event log of a streamed response, in order.
	Chunks          [][]byte
	ChunksTruncated bool

	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64

	Error string
}

// Store persists envelopes. Implementations must be safe for concurrent use.
type Store interface {
	// SaveRequestEnvelope persists env and returns its id.
	SaveRequestEnvelope(ctx context.Context, env *RequestEnvelope) (string, error)
	// AttachResponseEnvelope completes the request envelope identified by id.
	AttachResponseEnvelope(ctx context.Context, id string, env *ResponseEnvelope) error
}

// NopStore discards every envelope.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) SaveRequestEnvelope(_ context.Context, env *RequestEnvelope) (string, error) {
	return env.RequestID, nil
}

func (NopStore) AttachResponseEnvelope(context.Context, string, *ResponseEnvelope) error {
	return nil
}
