package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/airouter/envelope"
)

// SpyStore records envelopes in memory. If Err is set every call fails with it.
type SpyStore struct {
	Err error

	mu        sync.Mutex
	requests  []*envelope.RequestEnvelope
	responses map[string]*envelope.ResponseEnvelope
	ids       []string
}

var _ envelope.Store = &SpyStore{}

func (s *SpyStore) SaveRequestEnvelope(_ context.Context, env *envelope.RequestEnvelope) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("env-%d", len(s.requests)+1)
	cp := *env
	s.requests = append(s.requests, &cp)
	s.ids = append(s.ids, id)
	return id, nil
}

func (s *SpyStore) AttachResponseEnvelope(_ context.Context, id string, env *envelope.ResponseEnvelope) error {
	if s.Err != nil {
		return s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.responses == nil {
		s.responses = map[string]*envelope.ResponseEnvelope{}
	}
	if _, ok := s.responses[id]; ok {
		return fmt.Errorf("envelope %q already has a response", id)
	}
	cp := *env
	s.responses[id] = &cp
	return nil
}

func (s *SpyStore) Requests() []*envelope.RequestEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*envelope.RequestEnvelope(nil), s.requests...)
}

// IDs returns envelope ids in the order they were saved.
func (s *SpyStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func (s *SpyStore) Response(id string) *envelope.ResponseEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[id]
}

// Responses returns the number of attached responses.
func (s *SpyStore) Responses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}
