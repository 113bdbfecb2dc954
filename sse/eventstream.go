package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cdr.dev/slog"
)

var ErrEventStreamClosed = errors.New("event stream closed")

const DefaultPingInterval = time.Second * 10

// AnthropicPing is the keepalive event Anthropic clients expect.
var AnthropicPing = EncodeRaw("ping", []byte(`{"type": "ping"}`))

type Option func(*EventStream)

func WithPingInterval(d time.Duration) Option {
	return func(s *EventStream) {
		s.pingInterval = d
	}
}

// EventStream writes pre-encoded events to a client. Events are handed over
// through a minimally buffered channel so a slow client stalls the producer
// rather than letting events pile up in memory.
type EventStream struct {
	ctx    context.Context
	logger slog.Logger

	pingPayload  []byte
	pingInterval time.Duration

	initiated    atomic.Bool
	initiateOnce sync.Once

	shutdownOnce sync.Once
	eventsCh     chan []byte

	written atomic.Int64

	// doneCh is closed when the start loop exits.
	doneCh chan struct{}
}

// NewEventStream creates a new SSE stream, with an optional payload which is
// sent as a keepalive whenever nothing has been written for the ping interval.
func NewEventStream(ctx context.Context, logger slog.Logger, pingPayload []byte, opts ...Option) *EventStream {
	s := &EventStream{
		ctx:    ctx,
		logger: logger,

		pingPayload:  pingPayload,
		pingInterval: DefaultPingInterval,

		eventsCh: make(chan []byte, 1),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start handles sending events to the client until the stream is shut down,
// the client goes away or a write fails.
func (s *EventStream) Start(w http.ResponseWriter, r *http.Request) {
	defer close(s.doneCh)

	ctx := r.Context()

	// Pings start after stream initiation.
	tick := time.NewTicker(time.Hour)
	tick.Stop()
	defer tick.Stop()

	for {
		var (
			ev   []byte
			open bool
		)

		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			s.logger.Debug(ctx, "request context canceled", slog.Error(ctx.Err()))
			return
		case ev, open = <-s.eventsCh:
			if !open {
				s.logger.Debug(ctx, "events channel closed")
				return
			}

			// Headers are only sent once there is something to stream so that a
			// failure before the first event can still be answered with a plain
			// error response. See IsStreaming.
			s.initiateOnce.Do(func() {
				s.initiated.Store(true)
				s.logger.Debug(ctx, "stream initiated")

				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.Header().Set("X-Accel-Buffering", "no")
				w.WriteHeader(http.StatusOK)

				if s.pingInterval > 0 {
					tick.Reset(s.pingInterval)
				}
			})
		case <-tick.C:
			ev = s.pingPayload
			if ev == nil {
				continue
			}
		}

		n, err := w.Write(ev)
		s.written.Add(int64(n))
		if err != nil {
			if IsConnError(err) {
				s.logger.Debug(ctx, "client disconnected during SSE write", slog.Error(err))
			} else {
				s.logger.Warn(ctx, "failed to write SSE event", slog.Error(err))
			}
			return
		}
		if err := flush(w); err != nil {
			s.logger.Warn(ctx, "failed to flush", slog.Error(err))
			return
		}

		if s.pingInterval > 0 {
			tick.Reset(s.pingInterval)
		}
	}
}

// Send blocks until the writer has accepted the event, or the stream ends.
func (s *EventStream) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.doneCh:
		return ErrEventStreamClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-s.doneCh:
		return ErrEventStreamClosed
	case s.eventsCh <- payload:
		return nil
	}
}

// Shutdown waits for every submitted event to be written.
// ONLY call this once all events have been submitted.
func (s *EventStream) Shutdown(shutdownCtx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Debug(shutdownCtx, "shutdown initiated", slog.F("outstanding_events", len(s.eventsCh)))
		close(s.eventsCh)
	})

	var err error
	select {
	case <-shutdownCtx.Done():
		err = fmt.Errorf("shutdown ended prematurely with %d outstanding events: %w", len(s.eventsCh), shutdownCtx.Err())
	case <-s.ctx.Done():
		err = fmt.Errorf("shutdown ended prematurely with %d outstanding events: %w", len(s.eventsCh), s.ctx.Err())
	case <-s.doneCh:
		return nil
	}

	// Even if the context is canceled, we need to wait for Start() to complete.
	<-s.doneCh
	return err
}

// IsStreaming reports whether response headers have been (or are about to be) sent.
func (s *EventStream) IsStreaming() bool {
	return s.initiated.Load() || len(s.eventsCh) > 0
}

// Written returns the number of bytes written to the client so far.
func (s *EventStream) Written() int64 {
	return s.written.Load()
}

// IsConnError checks if an error is related to client disconnection.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

func IsUnrecoverableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}

	return IsConnError(err)
}

func flush(w http.ResponseWriter) (err error) {
	flusher, ok := w.(http.Flusher)
	if !ok || flusher == nil {
		return errors.New("SSE not supported")
	}

	defer func() {
		// Flushing a broken connection can panic.
		_ = recover()
	}()

	flusher.Flush()
	return nil
}
