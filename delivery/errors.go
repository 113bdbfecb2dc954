package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrTransientUpstream matches failures which were retried until the
	// budget ran out: 5xx, 429, 408 and network errors.
	ErrTransientUpstream = errors.New("transient upstream failure")
	// ErrTerminalUpstream matches upstream 4xx answers. These are relayed to
	// the caller as responses; the error only appears in logs and envelopes.
	ErrTerminalUpstream = errors.New("terminal upstream failure")
	// ErrFallbackExhausted matches calls for which both the primary and the
	// fallback failed.
	ErrFallbackExhausted = errors.New("primary and fallback providers failed")
)

// UpstreamError is a failed upstream call.
type UpstreamError struct {
	Provider string
	// StatusCode is zero when no response was received.
	StatusCode int
	Header     http.Header
	// Body is a bounded prefix of the final response body.
	Body      []byte
	Attempts  int
	Retryable bool
	// Err is the transport error, if any.
	Err error
}

func (e *UpstreamError) Error() string {
	var what string
	switch {
	case e.Err != nil:
		what = e.Err.Error()
	case e.StatusCode != 0:
		what = fmt.Sprintf("status %d", e.StatusCode)
	default:
		what = "no response"
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("provider %q: %s after %d attempts", e.Provider, what, e.Attempts)
	}
	return fmt.Sprintf("provider %q: %s", e.Provider, what)
}

func (e *UpstreamError) Is(target error) bool {
	if e.Retryable {
		return target == ErrTransientUpstream
	}
	return target == ErrTerminalUpstream
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when a provider's breaker rejected the call
// without it being attempted.
type CircuitOpenError struct {
	Provider string
	// RetryAfter is how long the circuit stays open at most.
	RetryAfter time.Duration
	// Err wraps circuitbreaker.ErrOpen.
	Err error
}

func (e *CircuitOpenError) Error() string {
	return e.Err.Error()
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Err
}

// FallbackExhaustedError names both providers of a failed call along with
// their errors.
type FallbackExhaustedError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("primary provider %q failed (%v); fallback provider %q failed (%v)",
		e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

func (e *FallbackExhaustedError) Unwrap() []error {
	return []error{ErrFallbackExhausted, e.PrimaryErr, e.FallbackErr}
}
