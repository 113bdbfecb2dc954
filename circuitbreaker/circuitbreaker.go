package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned when a call is rejected without being attempted because
// the circuit is open (or a half-open trial call is already in flight).
var ErrOpen = errors.New("circuit breaker is open")

// Config holds configuration for a provider's circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a trial call is allowed through.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// Transition describes a state change of a provider's circuit.
type Transition struct {
	Provider string
	From, To gobreaker.State
	At       time.Time
}

// Breaker guards calls to a single provider.
//
// Closed: calls pass; consecutive failures are counted and reaching the
// threshold opens the circuit. Open: calls are rejected with [ErrOpen] until
// the timeout elapses, after which exactly one call is let through as a trial call
// (half-open). The trial call's outcome closes or re-opens the circuit.
//
// State is only locked while admitting a call and while recording its
// outcome, never for the duration of the call itself.
type Breaker struct {
	provider string
	cfg      Config
	cb       *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// New creates a breaker for provider. onChange, if non-nil, is called for every
// state transition while the breaker's lock is held; it must not call back into
// the breaker.
func New(provider string, cfg Config, clk quartz.Clock, onChange func(Transition)) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if clk == nil {
		clk = quartz.NewReal()
	}

	b := &Breaker{provider: provider, cfg: cfg}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name: provider,
		// A single trial call is admitted in half-open; its success closes the circuit.
		MaxRequests: 1,
		// Zero means failure counts are never cleared while closed; only a success resets them.
		Interval: 0,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(Transition{Provider: provider, From: from, To: to, At: clk.Now()})
			}
		},
	})
	return b
}

func (b *Breaker) Provider() string {
	return b.provider
}

func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the current state. Reading the state of an open circuit whose
// timeout has elapsed moves it to half-open.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns a snapshot of the current failure/success counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Outcome is what an admitted call tells the breaker about its provider.
type Outcome int

const (
	Success Outcome = iota
	Failure
	// Inconclusive calls ended without an answer from the provider, for
	// example because the caller went away. They are not counted, except
	// that an inconclusive half-open trial call re-opens the circuit.
	Inconclusive
)

// Allow admits a call. On success the caller MUST invoke done exactly once with
// the call's outcome. If the circuit rejects the call the returned error wraps
// [ErrOpen].
func (b *Breaker) Allow() (done func(Outcome), err error) {
	record, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q: %w", b.provider, ErrOpen)
		}
		return nil, err
	}

	// Only the trial call is admitted while half-open and the state cannot leave
	// half-open until it reports, so this identifies the trial call. A stale
	// reading belongs to an older generation, which gobreaker ignores.
	trial := b.cb.State() == gobreaker.StateHalfOpen

	return func(o Outcome) {
		switch o {
		case Success:
			record(true)
		case Failure:
			record(false)
		default:
			// The half-open slot must be released, and a trial call without an
			// answer must not close the circuit.
			if trial {
				record(false)
			}
		}
	}, nil
}

// Execute runs fn if the circuit admits it, counting a non-nil error as a
// failure unless it is the context's.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	switch {
	case err == nil:
		done(Success)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		done(Inconclusive)
	default:
		done(Failure)
	}
	return err
}

// StateToGaugeValue converts gobreaker.State to a gauge value.
// closed=0, half-open=0.5, open=1
func StateToGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 0.5
	case gobreaker.StateOpen:
		return 1
	default:
		return 0
	}
}
