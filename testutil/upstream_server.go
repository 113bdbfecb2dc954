package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// UpstreamRequest captures a single request received by an [UpstreamServer].
type UpstreamRequest struct {
	Call   int
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is one scripted reply.
type UpstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
	// Frames, when set, are written one at a time with a flush after each.
	// Content-Type defaults to text/event-stream.
	Frames [][]byte
}

// JSONResponse is a convenience constructor for a JSON reply.
func JSONResponse(status int, body []byte) UpstreamResponse {
	return UpstreamResponse{
		Status: status,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
}

// StreamResponse replies 200 with the given event-stream frames.
func StreamResponse(frames [][]byte) UpstreamResponse {
	return UpstreamResponse{Status: http.StatusOK, Frames: frames}
}

// UpstreamServer is an httptest.Server that mimics an upstream provider. It
// answers the Nth call with the Nth scripted response; once the script runs
// out the last response is repeated.
type UpstreamServer struct {
	*httptest.Server

	responses []UpstreamResponse
	callCount atomic.Int32

	requestsMu sync.Mutex
	requests   []UpstreamRequest
}

func NewUpstreamServer(t testing.TB, responses ...UpstreamResponse) *UpstreamServer {
	t.Helper()
	if len(responses) == 0 {
		t.Fatalf("upstream server needs at least one response")
	}

	s := &UpstreamServer{responses: responses}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(s.callCount.Add(1))

		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			t.Errorf("read upstream request body: %v", err)
			return
		}
		s.recordRequest(call, r, body)

		resp := s.responses[min(call, len(s.responses))-1]
		s.write(t, w, resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *UpstreamServer) write(t testing.TB, w http.ResponseWriter, resp UpstreamResponse) {
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Frames == nil {
		w.WriteHeader(status)
		_, _ = w.Write(resp.Body)
		return
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Errorf("upstream response writer does not support flushing")
		return
	}
	for _, frame := range resp.Frames {
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *UpstreamServer) recordRequest(call int, r *http.Request, body []byte) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests = append(s.requests, UpstreamRequest{
		Call:   call,
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
}

// Calls returns how many requests the server has received.
func (s *UpstreamServer) Calls() int {
	return int(s.callCount.Load())
}

// Requests returns a copy of every request received so far.
func (s *UpstreamServer) Requests() []UpstreamRequest {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	return append([]UpstreamRequest(nil), s.requests...)
}

// LastRequest fails the test if nothing has been received yet.
func (s *UpstreamServer) LastRequest(t testing.TB) UpstreamRequest {
	t.Helper()
	reqs := s.Requests()
	if len(reqs) == 0 {
		t.Fatalf("upstream received no requests")
	}
	return reqs[len(reqs)-1]
}
