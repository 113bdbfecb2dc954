package retry_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/coder/airouter/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func response(code int) (*http.Response, *trackedBody) {
	body := &trackedBody{Reader: strings.NewReader(http.StatusText(code))}
	return &http.Response{StatusCode: code, Header: http.Header{}, Body: body}, body
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := retry.Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(4))
	assert.Equal(t, time.Second, cfg.Backoff(1000), "huge exponents must clamp, not overflow")

	// Non-decreasing and capped for a range of multipliers, including degenerate ones.
	for _, mult := range []float64{0, 0.5, 1, 1.5, 2, 10} {
		cfg := retry.Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: mult}
		prev := time.Duration(0)
		for attempt := 0; attempt < 64; attempt++ {
			d := cfg.Backoff(attempt)
			require.GreaterOrEqual(t, d, prev, "multiplier %v attempt %d", mult, attempt)
			require.LessOrEqual(t, d, cfg.MaxBackoff, "multiplier %v attempt %d", mult, attempt)
			prev = d
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		resp, _ := response(code)
		assert.Equal(t, retry.Retryable, retry.Classify(resp, nil), code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 413, 422} {
		resp, _ := response(code)
		assert.Equal(t, retry.Terminal, retry.Classify(resp, nil), code)
	}

	assert.Equal(t, retry.Retryable, retry.Classify(nil, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}))
	assert.Equal(t, retry.Retryable, retry.Classify(nil, &url.Error{Op: "Post", URL: "http://upstream", Err: io.EOF}))
	assert.Equal(t, retry.Retryable, retry.Classify(nil, fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)))
	assert.Equal(t, retry.Terminal, retry.Classify(nil, errors.New(`convert request: unsupported role "system"`)))
	assert.Equal(t, retry.Terminal, retry.Classify(nil, fmt.Errorf("decode: %w", &json.SyntaxError{})))
	assert.Equal(t, retry.Terminal, retry.Classify(nil, context.Canceled))
	assert.Equal(t, retry.Terminal, retry.Classify(nil, context.DeadlineExceeded))
}

func TestDo_TerminalNotRetried(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		var calls atomic.Int32
		resp, attempts, err := retry.Do(t.Context(), fastConfig(3), func(context.Context) (*http.Response, error) {
			calls.Add(1)
			r, _ := response(code)
			return r, nil
		})
		require.NoError(t, err)
		require.Equal(t, code, resp.StatusCode)
		require.Equal(t, 1, attempts)
		require.EqualValues(t, 1, calls.Load())
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var (
		calls  atomic.Int32
		first  *trackedBody
		events []retry.Event
	)
	resp, attempts, err := retry.Do(t.Context(), fastConfig(3), func(context.Context) (*http.Response, error) {
		if calls.Add(1) == 1 {
			r, b := response(http.StatusServiceUnavailable)
			first = b
			return r, nil
		}
		r, _ := response(http.StatusOK)
		return r, nil
	}, retry.WithOnRetry(func(ev retry.Event) {
		events = append(events, ev)
	}))

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, attempts)
	require.True(t, first.closed.Load(), "retried response must be closed")

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Attempt)
	assert.Equal(t, http.StatusServiceUnavailable, events[0].StatusCode)
	assert.Equal(t, time.Millisecond, events[0].Wait)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	for _, maxRetries := range []int{0, 1, 4} {
		var (
			calls  atomic.Int32
			bodies []*trackedBody
		)
		resp, attempts, err := retry.Do(t.Context(), fastConfig(maxRetries), func(context.Context) (*http.Response, error) {
			calls.Add(1)
			r, b := response(http.StatusBadGateway)
			bodies = append(bodies, b)
			return r, nil
		})

		require.NoError(t, err)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode, "final outcome is returned unmodified")
		require.Equal(t, 1+maxRetries, attempts)
		require.EqualValues(t, 1+maxRetries, calls.Load())

		for i, b := range bodies {
			last := i == len(bodies)-1
			assert.Equal(t, !last, b.closed.Load(), "body %d", i)
		}
	}
}

func TestDo_TransportErrors(t *testing.T) {
	t.Parallel()

	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	var calls atomic.Int32
	resp, attempts, err := retry.Do(t.Context(), fastConfig(2), func(context.Context) (*http.Response, error) {
		calls.Add(1)
		return nil, netErr
	})

	require.ErrorIs(t, err, netErr)
	require.Nil(t, resp)
	require.Equal(t, 3, attempts)
}

func TestDo_NonTransportErrorNotRetried(t *testing.T) {
	t.Parallel()

	convErr := errors.New(`convert request: unsupported role "system"`)
	var calls atomic.Int32
	resp, attempts, err := retry.Do(t.Context(), fastConfig(3), func(context.Context) (*http.Response, error) {
		calls.Add(1)
		return nil, convErr
	})

	require.ErrorIs(t, err, convErr)
	require.Nil(t, resp)
	require.Equal(t, 1, attempts)
	require.EqualValues(t, 1, calls.Load())
}

func TestDo_CancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cfg := retry.Config{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}

	var body *trackedBody
	done := make(chan struct{})
	var (
		attempts int
		err      error
		resp     *http.Response
	)
	go func() {
		defer close(done)
		resp, attempts, err = retry.Do(ctx, cfg, func(context.Context) (*http.Response, error) {
			r, b := response(http.StatusTooManyRequests)
			body = b
			return r, nil
		}, retry.WithOnRetry(func(retry.Event) { cancel() }))
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}

	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, resp)
	require.Equal(t, 1, attempts)
	require.True(t, body.closed.Load())
}

func TestDo_AlreadyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var calls atomic.Int32
	_, attempts, err := retry.Do(ctx, fastConfig(3), func(context.Context) (*http.Response, error) {
		calls.Add(1)
		r, _ := response(http.StatusOK)
		return r, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, attempts)
	require.Zero(t, calls.Load())
}

func TestDo_RetryAfterHonouredAndCapped(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	var calls atomic.Int32
	cfg := retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: 20 * time.Millisecond, Multiplier: 2}
	_, attempts, err := retry.Do(t.Context(), cfg, func(context.Context) (*http.Response, error) {
		if calls.Add(1) == 1 {
			r, _ := response(http.StatusTooManyRequests)
			r.Header.Set("Retry-After", "30")
			return r, nil
		}
		r, _ := response(http.StatusOK)
		return r, nil
	}, retry.WithOnRetry(func(ev retry.Event) { waits = append(waits, ev.Wait) }))

	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, []time.Duration{20 * time.Millisecond}, waits)
}
