package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"
)

// Config holds the parameters for retrying a single upstream call.
type Config struct {
	// MaxRetries is the number of retries after the first attempt; a call is
	// attempted at most 1+MaxRetries times.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier grows the backoff between attempts. Values below 1 are treated as 1.
	Multiplier float64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the wait before retry number attempt (0-based):
// InitialBackoff * Multiplier^attempt, capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(c.InitialBackoff) * math.Pow(mult, float64(attempt))
	if c.MaxBackoff > 0 && (d > float64(c.MaxBackoff) || math.IsInf(d, 1) || math.IsNaN(d)) {
		return c.MaxBackoff
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Class is the retry classification of a single attempt's outcome.
type Class int

const (
	// Terminal outcomes are returned to the caller as-is.
	Terminal Class = iota
	// Retryable outcomes are retried while budget remains.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

// IsRetryableStatus reports whether an HTTP status indicates a transient upstream failure:
// 5xx, 429 (Too Many Requests) and 408 (Request Timeout).
func IsRetryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether err is a transport failure worth retrying:
// a network error, or a connection which ended mid-response. Context
// cancellation and deadline expiry are never retried, nor is any other error.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		netErr net.Error
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &urlErr):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return true
	default:
		return false
	}
}

// Classify returns the class of an attempt's outcome. A transport error takes
// precedence over the response.
func Classify(resp *http.Response, err error) Class {
	if err != nil {
		if IsRetryableError(err) {
			return Retryable
		}
		return Terminal
	}
	if resp != nil && IsRetryableStatus(resp.StatusCode) {
		return Retryable
	}
	return Terminal
}

// retryAfter parses a delay-seconds Retry-After header. HTTP-date values are ignored.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
