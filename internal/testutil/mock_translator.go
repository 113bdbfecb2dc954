package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/airouter/translate"
)

// MockTranslator is a translate.Translator driven by ForwardFunc. It records
// every request it receives.
type MockTranslator struct {
	Name_       string
	Format_     string
	ForwardFunc func(ctx context.Context, req *translate.Request) (*http.Response, error)

	mu    sync.Mutex
	calls []*translate.Request
}

var _ translate.Translator = &MockTranslator{}

func (m *MockTranslator) Name() string   { return m.Name_ }
func (m *MockTranslator) Format() string { return m.Format_ }

func (m *MockTranslator) Forward(ctx context.Context, req *translate.Request) (*http.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.ForwardFunc != nil {
		return m.ForwardFunc(ctx, req)
	}
	return Respond(http.StatusOK, `{}`), nil
}

// Calls returns the requests forwarded so far.
func (m *MockTranslator) Calls() []*translate.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*translate.Request(nil), m.calls...)
}

// Respond builds a JSON response with the given status and body.
func Respond(status int, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// Sequence answers the Nth call with the Nth status, repeating the last one.
func Sequence(statuses ...int) func(context.Context, *translate.Request) (*http.Response, error) {
	var (
		mu sync.Mutex
		n  int
	)
	return func(context.Context, *translate.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		status := statuses[min(n, len(statuses)-1)]
		n++
		return Respond(status, fmt.Sprintf(`{"status":%d}`, status)), nil
	}
}
