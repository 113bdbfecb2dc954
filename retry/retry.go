package retry

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/coder/quartz"
)

// Operation performs one attempt of a logical upstream call.
type Operation func(ctx context.Context) (*http.Response, error)

// Event describes a retry which is about to happen.
type Event struct {
	// Attempt is the 1-based number of the attempt which just failed.
	Attempt    int
	Wait       time.Duration
	StatusCode int
	Err        error
}

type Option func(*options)

type options struct {
	clock   quartz.Clock
	onRetry func(Event)
}

// WithClock overrides the clock used for waiting between attempts.
func WithClock(clk quartz.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithOnRetry registers a callback invoked before every wait.
func WithOnRetry(fn func(Event)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do runs op until it produces a terminal outcome or the retry budget is spent,
// waiting Config.Backoff between attempts. It returns the final outcome
// unmodified (a non-2xx terminal response is a value, not an error) along with
// the number of attempts made.
//
// The body of every response which is retried is drained and closed before the
// next attempt. If ctx is done while waiting, Do returns ctx's error.
func Do(ctx context.Context, cfg Config, op Operation, opts ...Option) (*http.Response, int, error) {
	o := options{clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := 1 + max(cfg.MaxRetries, 0)

	var attempts int
	for {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		attempts++
		resp, err := op(ctx)

		if Classify(resp, err) == Terminal || attempts >= maxAttempts {
			return resp, attempts, err
		}

		wait := max(cfg.Backoff(attempts-1), retryAfter(resp))
		if cfg.MaxBackoff > 0 {
			wait = min(wait, cfg.MaxBackoff)
		}

		if o.onRetry != nil {
			ev := Event{Attempt: attempts, Wait: wait, Err: err}
			if resp != nil {
				ev.StatusCode = resp.StatusCode
			}
			o.onRetry(ev)
		}

		discard(resp)

		if err := sleep(ctx, o.clock, wait); err != nil {
			return nil, attempts, err
		}
	}
}

func sleep(ctx context.Context, clk quartz.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := clk.NewTimer(d, "retry", "backoff")
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// discard drains a bounded amount of the body so the connection can be reused, then closes it.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
