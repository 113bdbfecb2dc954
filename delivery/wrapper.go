package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coder/airouter/circuitbreaker"
	"github.com/coder/airouter/metrics"
	"github.com/coder/airouter/retry"
	"github.com/coder/airouter/tracing"
	"github.com/coder/airouter/translate"
)

const maxCapturedBody = 64 << 10

// Fallback reasons.
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonUpstreamError = "upstream_error"
	ReasonNetworkError  = "network_error"
)

type Options struct {
	// Provider names the primary in logs and metrics.
	Provider string
	Retry    retry.Config
	// Breaker guards the primary. Nil disables circuit breaking.
	Breaker *circuitbreaker.Breaker
	// Fallback, if set, is tried once when the primary is exhausted or its
	// circuit is open.
	Fallback     Deliverer
	FallbackName string

	Clock   quartz.Clock
	Metrics metrics.Recorder
	Logger  slog.Logger
	Tracer  trace.Tracer
}

// Wrapper is the single place where delivery failures are classified.
type Wrapper struct {
	primary Deliverer
	opts    Options
}

var _ Deliverer = &Wrapper{}

func NewWrapper(primary Deliverer, opts Options) *Wrapper {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/coder/airouter/delivery")
	}
	if opts.Fallback != nil && opts.FallbackName == "" {
		opts.FallbackName = "fallback"
	}
	return &Wrapper{primary: primary, opts: opts}
}

// Deliver sends req to the primary and, if that fails in a way a fallback can
// help with, to the fallback. Upstream 4xx answers are returned as responses.
// Errors are one of *CircuitOpenError, *UpstreamError,
// *FallbackExhaustedError or the context's error.
func (w *Wrapper) Deliver(ctx context.Context, req *translate.Request) (_ *http.Response, outErr error) {
	ctx, span := w.opts.Tracer.Start(ctx, "Wrapper.Deliver", trace.WithAttributes(append(
		tracing.RequestAttributesFromContext(ctx),
		attribute.String(tracing.Provider, w.opts.Provider),
		attribute.String(tracing.Model, req.Model),
	)...))
	defer tracing.EndSpanErr(span, &outErr)

	resp, err := w.deliverPrimary(ctx, req, span)
	if err == nil || w.opts.Fallback == nil {
		return resp, err
	}

	reason, ok := fallbackReason(err)
	if !ok {
		return nil, err
	}

	logger := w.opts.Logger.With(slog.F("request_id", req.ID))
	logger.Info(ctx, "fallback activated",
		slog.F("primary", w.opts.Provider),
		slog.F("fallback", w.opts.FallbackName),
		slog.F("reason", reason),
		slog.Error(err),
	)
	w.opts.Metrics.FallbackActivated(w.opts.Provider, w.opts.FallbackName, reason)
	span.SetAttributes(attribute.String(tracing.Fallback, w.opts.FallbackName))

	resp, ferr := w.opts.Fallback.Deliver(ctx, req)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil, ferr
		}
		logger.Warn(ctx, "fallback failed", slog.F("fallback", w.opts.FallbackName), slog.Error(ferr))
		return nil, &FallbackExhaustedError{
			Primary:     w.opts.Provider,
			Fallback:    w.opts.FallbackName,
			PrimaryErr:  err,
			FallbackErr: ferr,
		}
	}
	return resp, nil
}

// deliverPrimary runs one logical call: a single breaker admission around the
// whole retry sequence.
func (w *Wrapper) deliverPrimary(ctx context.Context, req *translate.Request, span trace.Span) (*http.Response, error) {
	var (
		provider = w.opts.Provider
		logger   = w.opts.Logger.With(slog.F("provider", provider), slog.F("request_id", req.ID))
		start    = w.opts.Clock.Now()
	)

	var done func(circuitbreaker.Outcome)
	if w.opts.Breaker != nil {
		var err error
		done, err = w.opts.Breaker.Allow()
		if err != nil {
			w.opts.Metrics.BreakerRejected(provider)
			w.opts.Metrics.DeliveryCompleted(provider, req.Model, metrics.StatusCircuitOpen, 0, 0)
			span.SetAttributes(attribute.String(tracing.CircuitState, w.opts.Breaker.State().String()))
			logger.Warn(ctx, "circuit open, call rejected")
			return nil, &CircuitOpenError{
				Provider:   provider,
				RetryAfter: w.opts.Breaker.Config().Timeout,
				Err:        err,
			}
		}
	}

	resp, attempts, err := retry.Do(ctx, w.opts.Retry, func(ctx context.Context) (*http.Response, error) {
		return w.primary.Deliver(ctx, req)
	}, retry.WithClock(w.opts.Clock), retry.WithOnRetry(func(ev retry.Event) {
		logger.Warn(ctx, "retrying upstream call",
			slog.F("attempt", ev.Attempt),
			slog.F("wait", ev.Wait),
			slog.F("status", ev.StatusCode),
			slog.Error(ev.Err),
		)
		w.opts.Metrics.Retried(provider, req.Model, ev.StatusCode)
	}))
	span.SetAttributes(attribute.Int(tracing.Attempts, attempts))
	elapsed := w.opts.Clock.Now().Sub(start)

	status, verdict, outErr := w.outcome(ctx, resp, err, attempts)
	if done != nil {
		done(verdict)
	}
	w.opts.Metrics.DeliveryCompleted(provider, req.Model, status, attempts, elapsed)

	switch status {
	case metrics.StatusUpstreamError:
		logger.Warn(ctx, "upstream call failed", slog.F("attempts", attempts), slog.Error(outErr))
		return nil, outErr
	case metrics.StatusCanceled:
		logger.Debug(ctx, "upstream call canceled", slog.F("attempts", attempts), slog.Error(outErr))
		return nil, outErr
	case metrics.StatusClientError:
		if resp == nil {
			logger.Debug(ctx, "request could not be translated", slog.Error(outErr))
			return nil, outErr
		}
		logger.Debug(ctx, "upstream rejected request", slog.Error(outErr))
	}
	return resp, nil
}

// outcome classifies the final result of a retry sequence and what it says
// about the provider's health. Only failures the provider is responsible for
// count against it; calls which ended without its answer prove nothing. For
// upstream failures the response body is consumed and closed.
func (w *Wrapper) outcome(ctx context.Context, resp *http.Response, err error, attempts int) (string, circuitbreaker.Outcome, error) {
	if err != nil {
		var reqErr *translate.RequestError
		switch {
		case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return metrics.StatusCanceled, circuitbreaker.Inconclusive, err
		case errors.As(err, &reqErr):
			// Nothing was sent; the caller has to fix the request.
			return metrics.StatusClientError, circuitbreaker.Inconclusive, err
		}
		return metrics.StatusUpstreamError, circuitbreaker.Failure, &UpstreamError{
			Provider:  w.opts.Provider,
			Attempts:  attempts,
			Retryable: retry.IsRetryableError(err),
			Err:       err,
		}
	}
	if resp == nil {
		return metrics.StatusUpstreamError, circuitbreaker.Failure, &UpstreamError{
			Provider:  w.opts.Provider,
			Attempts:  attempts,
			Retryable: true,
			Err:       errors.New("no response"),
		}
	}

	switch {
	case retry.IsRetryableStatus(resp.StatusCode):
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
		_ = resp.Body.Close()
		return metrics.StatusUpstreamError, circuitbreaker.Failure, &UpstreamError{
			Provider:   w.opts.Provider,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
			Attempts:   attempts,
			Retryable:  true,
		}
	case resp.StatusCode >= 400:
		return metrics.StatusClientError, circuitbreaker.Success, &UpstreamError{
			Provider:   w.opts.Provider,
			StatusCode: resp.StatusCode,
			Attempts:   attempts,
		}
	default:
		return metrics.StatusSuccess, circuitbreaker.Success, nil
	}
}

func fallbackReason(err error) (string, bool) {
	var (
		open *CircuitOpenError
		up   *UpstreamError
	)
	switch {
	case errors.As(err, &open):
		return ReasonCircuitOpen, true
	case errors.As(err, &up) && up.Retryable:
		if up.StatusCode == 0 {
			return ReasonNetworkError, true
		}
		return ReasonUpstreamError, true
	default:
		return "", false
	}
}

// BreakerObserver returns a transition callback which logs every breaker
// state change and reports it to rec.
func BreakerObserver(logger slog.Logger, rec metrics.Recorder) func(circuitbreaker.Transition) {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return func(t circuitbreaker.Transition) {
		logger.Info(context.Background(), "circuit breaker state changed",
			slog.F("provider", t.Provider),
			slog.F("from", t.From.String()),
			slog.F("to", t.To.String()),
			slog.F("at", t.At.Format(time.RFC3339Nano)),
		)
		rec.BreakerTransition(t.Provider, t.From, t.To)
	}
}
