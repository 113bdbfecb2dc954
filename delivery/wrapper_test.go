package delivery_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/airouter/circuitbreaker"
	"github.com/coder/airouter/delivery"
	"github.com/coder/airouter/internal/testutil"
	"github.com/coder/airouter/metrics"
	"github.com/coder/airouter/retry"
	"github.com/coder/airouter/translate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// noWait retries immediately so tests never touch the clock.
var noWait = retry.Config{MaxRetries: 2, InitialBackoff: 0, MaxBackoff: 0, Multiplier: 2}

func newRequest() *translate.Request {
	return &translate.Request{ID: "req-1", Model: "claude-sonnet-4-0", Body: []byte(`{}`), Path: "/v1/messages"}
}

func logger(t *testing.T) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestDeliverSuccess(t *testing.T) {
	t.Parallel()

	tr := &testutil.MockTranslator{Name_: "anthropic"}
	rec := &testutil.MockMetrics{}
	w := delivery.NewWrapper(delivery.Direct(tr), delivery.Options{
		Provider: "anthropic",
		Retry:    noWait,
		Metrics:  rec,
		Logger:   logger(t),
		Clock:    quartz.NewMock(t),
	})

	resp, err := w.Deliver(t.Context(), newRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)

	require.Len(t, tr.Calls(), 1)
	require.Equal(t, []testutil.Delivery{{Provider: "anthropic", Model: "claude-sonnet-4-0", Status: metrics.StatusSuccess, Attempts: 1}}, rec.Deliveries())
}

func TestDeliverClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	tr := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusBadRequest)}
	fallback := &testutil.MockTranslator{Name_: "openrouter"}
	rec := &testutil.MockMetrics{}
	breaker := circuitbreaker.New("anthropic", circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Minute}, nil, nil)

	w := delivery.NewWrapper(delivery.Direct(tr), delivery.Options{
		Provider:     "anthropic",
		Retry:        noWait,
		Breaker:      breaker,
		Fallback:     delivery.Direct(fallback),
		FallbackName: "openrouter",
		Metrics:      rec,
		Logger:       logger(t),
	})

	resp, err := w.Deliver(t.Context(), newRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = readBody(t, resp)

	require.Len(t, tr.Calls(), 1)
	require.Empty(t, fallback.Calls())
	require.Empty(t, rec.Retries())
	require.Empty(t, rec.Fallbacks())
	// A rejected request says nothing about the provider's health.
	require.Equal(t, gobreaker.StateClosed, breaker.State())
	require.Equal(t, metrics.StatusClientError, rec.Deliveries()[0].Status)
}

func TestDeliverRetriesTransientFailureOnce(t *testing.T) {
	t.Parallel()

	tr := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusServiceUnavailable, http.StatusOK)}
	rec := &testutil.MockMetrics{}
	w := delivery.NewWrapper(delivery.Direct(tr), delivery.Options{
		Provider: "anthropic",
		Retry:    noWait,
		Metrics:  rec,
		Logger:   logger(t),
	})

	resp, err := w.Deliver(t.Context(), newRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)

	require.Len(t, tr.Calls(), 2)
	require.Equal(t, []int{http.StatusServiceUnavailable}, rec.Retries())
	require.Equal(t, 2, rec.Deliveries()[0].Attempts)
}

func TestDeliverExhaustedWithoutFallback(t *testing.T) {
	t.Parallel()

	tr := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusBadGateway)}
	w := delivery.NewWrapper(delivery.Direct(tr), delivery.Options{
		Provider: "anthropic",
		Retry:    noWait,
		Logger:   logger(t),
	})

	resp, err := w.Deliver(t.Context(), newRequest())
	require.Nil(t, resp)
	require.ErrorIs(t, err, delivery.ErrTransientUpstream)

	var up *delivery.UpstreamError
	require.ErrorAs(t, err, &up)
	require.Equal(t, "anthropic", up.Provider)
	require.Equal(t, http.StatusBadGateway, up.StatusCode)
	require.Equal(t, 3, up.Attempts)
	require.JSONEq(t, `{"status":502}`, string(up.Body))
	require.Len(t, tr.Calls(), 3)
}

func TestDeliverNetworkError(t *testing.T) {
	t.Parallel()

	tr := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: func(context.Context, *translate.Request) (*http.Response, error) {
		return nil, syscall.ECONNREFUSED
	}}
	w := delivery.NewWrapper(delivery.Direct(tr), delivery.Options{
		Provider: "anthropic",
		Retry:    noWait,
		Logger:   logger(t),
	})

	_, err := w.Deliver(t.Context(), newRequest())
	require.ErrorIs(t, err, delivery.ErrTransientUpstream)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)

	var up *delivery.UpstreamError
	require.ErrorAs(t, err, &up)
	require.Zero(t, up.StatusCode)
}

// A primary which always fails and a fallback which always succeeds: the
// caller gets the fallback's answer and exactly one activation is recorded.
func TestDeliverFallsBackOnce(t *testing.T) {
	t.Parallel()

	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusInternalServerError)}
	fallback := &testutil.MockTranslator{Name_: "openrouter", ForwardFunc: func(context.Context, *translate.Request) (*http.Response, error) {
		return testutil.Respond(http.StatusOK, `{"served_by":"openrouter"}`), nil
	}}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider:     "anthropic",
		Retry:        noWait,
		Fallback:     delivery.WithModel(delivery.Direct(fallback), "anthropic/claude-sonnet-4"),
		FallbackName: "openrouter",
		Metrics:      m,
		Logger:       logger(t),
	})

	resp, err := w.Deliver(t.Context(), newRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"served_by":"openrouter"}`, readBody(t, resp))
	require.Equal(t, "openrouter", resp.Header.Get(delivery.ProviderHeader))

	require.Len(t, primary.Calls(), 3)
	require.Len(t, fallback.Calls(), 1)
	require.Equal(t, "anthropic/claude-sonnet-4", fallback.Calls()[0].Model)

	require.Equal(t, 1, promtest.CollectAndCount(m.FallbackActivations))
	require.Equal(t, 1.0, promtest.ToFloat64(m.FallbackActivations.WithLabelValues("anthropic", "openrouter", delivery.ReasonUpstreamError)))
	require.Equal(t, 2.0, promtest.ToFloat64(m.RetryCount.WithLabelValues("anthropic", "claude-sonnet-4-0", "500")))
}

func TestDeliverCircuitOpenFallsBackWithoutCallingPrimary(t *testing.T) {
	t.Parallel()

	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusServiceUnavailable)}
	fallback := &testutil.MockTranslator{Name_: "openrouter"}
	rec := &testutil.MockMetrics{}
	breaker := circuitbreaker.New("anthropic", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}, nil, delivery.BreakerObserver(logger(t), rec))

	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider: "anthropic",
		Retry:    retry.Config{MaxRetries: 0},
		Breaker:  breaker,
		Metrics:  rec,
		Logger:   logger(t),
	})
	withFallback := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider:     "anthropic",
		Retry:        retry.Config{MaxRetries: 0},
		Breaker:      breaker,
		Fallback:     delivery.Direct(fallback),
		FallbackName: "openrouter",
		Metrics:      rec,
		Logger:       logger(t),
	})

	for range 2 {
		_, err := w.Deliver(t.Context(), newRequest())
		require.ErrorIs(t, err, delivery.ErrTransientUpstream)
	}
	require.Equal(t, gobreaker.StateOpen, breaker.State())
	require.Len(t, primary.Calls(), 2)

	// Open: rejected without a network call.
	_, err := w.Deliver(t.Context(), newRequest())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	var open *delivery.CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, time.Hour, open.RetryAfter)
	require.Len(t, primary.Calls(), 2)

	resp, err := withFallback.Deliver(t.Context(), newRequest())
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Len(t, primary.Calls(), 2)
	require.Len(t, fallback.Calls(), 1)

	require.Equal(t, []testutil.Fallback{{Primary: "anthropic", Fallback: "openrouter", Reason: delivery.ReasonCircuitOpen}}, rec.Fallbacks())
	require.Equal(t, []string{"anthropic", "anthropic"}, rec.Rejections())
	require.Equal(t, []testutil.Transition{{Provider: "anthropic", From: gobreaker.StateClosed, To: gobreaker.StateOpen}}, rec.Transitions())
}

func TestDeliverBreakerCountsLogicalCalls(t *testing.T) {
	t.Parallel()

	// Three failed attempts make one failed call.
	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusServiceUnavailable)}
	breaker := circuitbreaker.New("anthropic", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}, nil, nil)
	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider: "anthropic",
		Retry:    noWait,
		Breaker:  breaker,
		Logger:   logger(t),
	})

	_, err := w.Deliver(t.Context(), newRequest())
	require.Error(t, err)
	require.Len(t, primary.Calls(), 3)
	require.Equal(t, gobreaker.StateClosed, breaker.State())
	require.EqualValues(t, 1, breaker.Counts().ConsecutiveFailures)
}

func TestDeliverCanceledDoesNotFallBack(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: func(ctx context.Context, _ *translate.Request) (*http.Response, error) {
		cancel()
		return nil, ctx.Err()
	}}
	fallback := &testutil.MockTranslator{Name_: "openrouter"}
	rec := &testutil.MockMetrics{}
	breaker := circuitbreaker.New("anthropic", circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour}, nil, nil)

	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider:     "anthropic",
		Retry:        noWait,
		Breaker:      breaker,
		Fallback:     delivery.Direct(fallback),
		FallbackName: "openrouter",
		Metrics:      rec,
		Logger:       logger(t),
	})

	_, err := w.Deliver(ctx, newRequest())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, primary.Calls(), 1)
	require.Empty(t, fallback.Calls())
	require.Equal(t, gobreaker.StateClosed, breaker.State())
	require.Equal(t, metrics.StatusCanceled, rec.Deliveries()[0].Status)
}

// A request the translator cannot express is the caller's fault: it is not
// retried, does not fall back and says nothing about the provider.
func TestDeliverRequestErrorIsTerminal(t *testing.T) {
	t.Parallel()

	convErr := &translate.RequestError{Err: errors.New(`messages[0]: unsupported role "system"`)}
	primary := &testutil.MockTranslator{Name_: "openrouter", ForwardFunc: func(context.Context, *translate.Request) (*http.Response, error) {
		return nil, convErr
	}}
	fallback := &testutil.MockTranslator{Name_: "anthropic"}
	rec := &testutil.MockMetrics{}
	breaker := circuitbreaker.New("openrouter", circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour}, nil, nil)

	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider:     "openrouter",
		Retry:        noWait,
		Breaker:      breaker,
		Fallback:     delivery.Direct(fallback),
		FallbackName: "anthropic",
		Metrics:      rec,
		Logger:       logger(t),
	})

	for range 3 {
		resp, err := w.Deliver(t.Context(), newRequest())
		require.Nil(t, resp)
		require.ErrorIs(t, err, convErr)
		require.False(t, errors.Is(err, delivery.ErrTransientUpstream))
	}

	require.Len(t, primary.Calls(), 3)
	require.Empty(t, fallback.Calls())
	require.Empty(t, rec.Retries())
	require.Empty(t, rec.Fallbacks())
	require.Equal(t, gobreaker.StateClosed, breaker.State())
	require.Zero(t, breaker.Counts().ConsecutiveFailures)
	require.Equal(t, metrics.StatusClientError, rec.Deliveries()[0].Status)
}

// A 2xx answer which cannot be converted is the provider's fault but retrying
// it will not help.
func TestDeliverUnusableResponseIsNotRetried(t *testing.T) {
	t.Parallel()

	primary := &testutil.MockTranslator{Name_: "openrouter", ForwardFunc: func(context.Context, *translate.Request) (*http.Response, error) {
		return nil, &translate.ResponseError{StatusCode: http.StatusOK, Err: errors.New("decode upstream response: invalid character")}
	}}
	fallback := &testutil.MockTranslator{Name_: "anthropic"}
	breaker := circuitbreaker.New("openrouter", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}, nil, nil)

	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider:     "openrouter",
		Retry:        noWait,
		Breaker:      breaker,
		Fallback:     delivery.Direct(fallback),
		FallbackName: "anthropic",
		Logger:       logger(t),
	})

	_, err := w.Deliver(t.Context(), newRequest())
	require.ErrorIs(t, err, delivery.ErrTerminalUpstream)
	var respErr *translate.ResponseError
	require.ErrorAs(t, err, &respErr)

	require.Len(t, primary.Calls(), 1)
	require.Empty(t, fallback.Calls())
	require.EqualValues(t, 1, breaker.Counts().ConsecutiveFailures)
}

// A half-open trial call which is canceled before the provider answers must not
// close the circuit.
func TestDeliverCanceledTrialKeepsCircuitOpen(t *testing.T) {
	t.Parallel()

	const (
		failing = iota
		hanging
		healthy
	)
	var mode atomic.Int32
	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: func(ctx context.Context, _ *translate.Request) (*http.Response, error) {
		switch mode.Load() {
		case hanging:
			<-ctx.Done()
			return nil, ctx.Err()
		case healthy:
			return testutil.Respond(http.StatusOK, `{}`), nil
		default:
			return testutil.Respond(http.StatusServiceUnavailable, `{}`), nil
		}
	}}
	breaker := circuitbreaker.New("anthropic", circuitbreaker.Config{FailureThreshold: 1, Timeout: 20 * time.Millisecond}, nil, nil)
	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider: "anthropic",
		Retry:    retry.Config{MaxRetries: 0},
		Breaker:  breaker,
		Logger:   logger(t),
	})

	_, err := w.Deliver(t.Context(), newRequest())
	require.ErrorIs(t, err, delivery.ErrTransientUpstream)
	require.Equal(t, gobreaker.StateOpen, breaker.State())

	require.Eventually(t, func() bool {
		return breaker.State() == gobreaker.StateHalfOpen
	}, 5*time.Second, 5*time.Millisecond)

	mode.Store(hanging)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = w.Deliver(ctx, newRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, gobreaker.StateOpen, breaker.State())

	// The next trial call, answered, closes it.
	mode.Store(healthy)
	require.Eventually(t, func() bool {
		return breaker.State() == gobreaker.StateHalfOpen
	}, 5*time.Second, 5*time.Millisecond)
	resp, err := w.Deliver(t.Context(), newRequest())
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, gobreaker.StateClosed, breaker.State())
}

func TestDeliverFallbackExhausted(t *testing.T) {
	t.Parallel()

	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusServiceUnavailable)}
	fallbackTr := &testutil.MockTranslator{Name_: "openrouter", ForwardFunc: testutil.Sequence(http.StatusBadGateway)}

	fallback := delivery.NewWrapper(delivery.Direct(fallbackTr), delivery.Options{
		Provider: "openrouter",
		Retry:    retry.Config{MaxRetries: 1},
		Logger:   logger(t),
	})
	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider:     "anthropic",
		Retry:        retry.Config{MaxRetries: 0},
		Fallback:     fallback,
		FallbackName: "openrouter",
		Logger:       logger(t),
	})

	_, err := w.Deliver(t.Context(), newRequest())
	require.ErrorIs(t, err, delivery.ErrFallbackExhausted)
	require.ErrorIs(t, err, delivery.ErrTransientUpstream)

	var exhausted *delivery.FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "anthropic", exhausted.Primary)
	assert.Equal(t, "openrouter", exhausted.Fallback)
	assert.Contains(t, err.Error(), `"anthropic"`)
	assert.Contains(t, err.Error(), `"openrouter"`)

	var up *delivery.UpstreamError
	require.ErrorAs(t, exhausted.FallbackErr, &up)
	assert.Equal(t, http.StatusBadGateway, up.StatusCode)
	assert.Equal(t, 2, up.Attempts)
	assert.Len(t, fallbackTr.Calls(), 2)
}

func TestDeliverWaitsBetweenAttempts(t *testing.T) {
	t.Parallel()

	clk := quartz.NewMock(t)

	primary := &testutil.MockTranslator{Name_: "anthropic", ForwardFunc: testutil.Sequence(http.StatusTooManyRequests, http.StatusOK)}
	rec := &testutil.MockMetrics{}
	w := delivery.NewWrapper(delivery.Direct(primary), delivery.Options{
		Provider: "anthropic",
		Retry:    retry.Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2},
		Clock:    clk,
		Metrics:  rec,
		Logger:   logger(t),
	})

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := w.Deliver(context.Background(), newRequest())
		done <- result{resp, err}
	}()

	var wait time.Duration
	require.Eventually(t, func() bool {
		d, ok := clk.Peek()
		wait = d
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, time.Second, wait)
	require.Len(t, primary.Calls(), 1)
	clk.Advance(wait).MustWait(t.Context())

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, http.StatusOK, res.resp.StatusCode)
	_ = readBody(t, res.resp)
	require.Len(t, primary.Calls(), 2)
	require.Equal(t, time.Second, rec.Deliveries()[0].Duration)
}

func TestWithModel(t *testing.T) {
	t.Parallel()

	var got string
	d := delivery.WithModel(delivery.DelivererFunc(func(_ context.Context, req *translate.Request) (*http.Response, error) {
		got = req.Model
		return testutil.Respond(http.StatusOK, `{}`), nil
	}), "qwen/qwen3-coder")

	req := newRequest()
	resp, err := d.Deliver(t.Context(), req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, "qwen/qwen3-coder", got)
	require.Equal(t, "claude-sonnet-4-0", req.Model)
}

func TestErrorsClassify(t *testing.T) {
	t.Parallel()

	terminal := &delivery.UpstreamError{Provider: "p", StatusCode: 400}
	require.ErrorIs(t, terminal, delivery.ErrTerminalUpstream)
	require.False(t, errors.Is(terminal, delivery.ErrTransientUpstream))

	transient := &delivery.UpstreamError{Provider: "p", StatusCode: 503, Attempts: 4, Retryable: true}
	require.ErrorIs(t, transient, delivery.ErrTransientUpstream)
	require.Equal(t, `provider "p": status 503 after 4 attempts`, transient.Error())
}
