package envelope

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
)

var (
	_ Store = &StoreWrapper{}
	_ Store = &AsyncStore{}
)

// StoreWrapper stamps envelope times and logs failures.
type StoreWrapper struct {
	logger slog.Logger
	store  Store
	clock  quartz.Clock
}

func NewStoreWrapper(logger slog.Logger, store Store, clk quartz.Clock) *StoreWrapper {
	if store == nil {
		store = NopStore{}
	}
	if clk == nil {
		clk = quartz.NewReal()
	}
	return &StoreWrapper{logger: logger, store: store, clock: clk}
}

func (s *StoreWrapper) SaveRequestEnvelope(ctx context.Context, env *RequestEnvelope) (string, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = s.clock.Now().UTC()
	}
	id, err := s.store.SaveRequestEnvelope(ctx, env)
	if err == nil {
		return id, nil
	}

	s.logger.Warn(ctx, "failed to save request envelope", slog.Error(err), slog.F("request_id", env.RequestID))
	return "", err
}

func (s *StoreWrapper) AttachResponseEnvelope(ctx context.Context, id string, env *ResponseEnvelope) error {
	env.CompletedAt = s.clock.Now().UTC()
	err := s.store.AttachResponseEnvelope(ctx, id, env)
	if err == nil {
		return nil
	}

	s.logger.Warn(ctx, "failed to attach response envelope", slog.Error(err), slog.F("envelope_id", id))
	return err
}

// AsyncStore attaches response envelopes in the background so a slow store
// never holds up a response. Request envelopes are saved synchronously.
// Failures are dropped; wrap a [StoreWrapper] to have them logged.
type AsyncStore struct {
	wrapped Store
	timeout time.Duration

	wg sync.WaitGroup
}

func NewAsyncStore(wrapped Store, timeout time.Duration) *AsyncStore {
	return &AsyncStore{wrapped: wrapped, timeout: timeout}
}

func (a *AsyncStore) SaveRequestEnvelope(ctx context.Context, env *RequestEnvelope) (string, error) {
	return a.wrapped.SaveRequestEnvelope(ctx, env)
}

func (a *AsyncStore) AttachResponseEnvelope(_ context.Context, id string, env *ResponseEnvelope) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		timedCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		_ = a.wrapped.AttachResponseEnvelope(timedCtx, id, env)
	}()

	return nil // Caller is not interested in error.
}

// Wait blocks until every pending envelope has been attached.
func (a *AsyncStore) Wait() {
	a.wg.Wait()
}
