package airouter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/coder/airouter/circuitbreaker"
	"github.com/coder/airouter/config"
	"github.com/coder/airouter/delivery"
	"github.com/coder/airouter/envelope"
	"github.com/coder/airouter/metrics"
	"github.com/coder/airouter/retry"
	"github.com/coder/airouter/routing"
	"github.com/coder/airouter/sse"
	"github.com/coder/airouter/translate"
)

const (
	// DefaultMaxBodyBytes matches the largest request Anthropic accepts.
	DefaultMaxBodyBytes = 32 << 20

	// The duration after which an async envelope write will be aborted.
	envelopeTimeout = time.Second * 5
)

type Option func(*options)

type options struct {
	client       *http.Client
	clock        quartz.Clock
	pingInterval time.Duration
	maxBodyBytes int64
}

// WithHTTPClient sets the client used for every upstream call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

func WithClock(clk quartz.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithPingInterval sets how often keepalive pings are written to idle
// streams. Zero disables them.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

// WithMaxBodyBytes limits the size of inbound request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		o.maxBodyBytes = n
	}
}

// Gateway is an [http.Handler] which accepts Anthropic Messages API calls, routes
// each to a configured provider and delivers it with retries, circuit breaking
// and fallback. Responses always reach the caller in the Anthropic wire
// format.
//
// Gateway has no concept of authentication or authorization: client
// credentials are forwarded unless a provider is configured with its own key.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	mux    *http.ServeMux
	cfg    *config.Config
	logger slog.Logger
	opts   options

	router      *routing.Router
	translators map[string]translate.Translator
	breakers    map[string]*circuitbreaker.Breaker
	deliverers  map[string]delivery.Deliverer

	store   *envelope.AsyncStore
	metrics *metrics.Metrics
	tracer  trace.Tracer

	inflightReqs atomic.Int32
	inflightWG   sync.WaitGroup // For graceful shutdown.

	inflightCtx    context.Context
	inflightCancel func()

	shutdownOnce sync.Once
	closed       chan struct{}
}

var _ http.Handler = &Gateway{}

// NewGateway builds a translator, circuit breaker and delivery chain for every
// configured provider and registers the gateway's routes.
//
// store receives an envelope for every routed request; it may be nil. m may be
// nil to disable metrics.
func NewGateway(cfg *config.Config, store envelope.Store, logger slog.Logger, m *metrics.Metrics, tracer trace.Tracer, opts ...Option) (*Gateway, error) {
	o := options{
		clock:        quartz.NewReal(),
		pingInterval: sse.DefaultPingInterval,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if tracer == nil {
		tracer = otel.Tracer("github.com/coder/airouter")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	g := &Gateway{
		mux:         http.NewServeMux(),
		cfg:         cfg,
		logger:      logger,
		opts:        o,
		translators: make(map[string]translate.Translator, len(cfg.Providers)),
		breakers:    make(map[string]*circuitbreaker.Breaker),
		deliverers:  make(map[string]delivery.Deliverer, len(cfg.Providers)),
		metrics:     m,
		tracer:      tracer,
		closed:      make(chan struct{}, 1),
	}

	topts := []translate.Option{
		translate.WithLogger(logger.Named("translate")),
		translate.WithClock(o.clock),
		translate.WithTracer(tracer),
		translate.WithDumpDir(cfg.DumpDir),
	}
	if o.client != nil {
		topts = append(topts, translate.WithHTTPClient(o.client))
	}
	for name, p := range cfg.Providers {
		t, err := translate.New(name, p, topts...)
		if err != nil {
			return nil, err
		}
		g.translators[name] = t

		if p.CircuitBreaker.Enabled {
			g.breakers[name] = circuitbreaker.New(name, circuitbreaker.Config{
				FailureThreshold: p.CircuitBreaker.FailureThreshold,
				Timeout:          p.CircuitBreaker.Timeout,
			}, o.clock, delivery.BreakerObserver(logger.Named("circuitbreaker"), g.recorder()))
		}
	}
	for name, p := range cfg.Providers {
		g.deliverers[name] = g.primaryDeliverer(name)
		logger.Debug(context.Background(), "provider configured",
			slog.F("provider", name),
			slog.F("format", p.Format),
			slog.F("base_url", p.BaseURL),
			slog.F("circuit_breaker", p.CircuitBreaker.Enabled),
			slog.F("fallbacks", cfg.FallbackChain(name)),
		)
	}

	extract := routing.HeaderExtractor(cfg.SubagentHeader)
	if cfg.SubagentTag != "" {
		extract = routing.FirstOf(extract, routing.SystemTagExtractor(cfg.SubagentTag))
	}
	g.router = routing.NewRouter(cfg, g.translators, extract)

	if store == nil {
		store = envelope.NopStore{}
	}
	g.store = envelope.NewAsyncStore(envelope.NewStoreWrapper(logger.Named("envelope"), store, o.clock), envelopeTimeout)

	g.mux.HandleFunc(routeMessages, g.handleMessages)
	g.mux.HandleFunc(routeCountTokens, g.handleCountTokens)
	// Catch-all.
	g.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		logger.Warn(r.Context(), "route not supported", slog.F("path", r.URL.Path), slog.F("method", r.Method))
		writeError(w, http.StatusNotFound, fmt.Sprintf("route not supported: %s %s", r.Method, r.URL.Path), nil)
	})

	g.inflightCtx, g.inflightCancel = context.WithCancel(context.Background())
	return g, nil
}

// primaryDeliverer is the entry point for requests routed to name: the
// provider's own breaker and retry budget, then its fallback chain.
func (g *Gateway) primaryDeliverer(name string) delivery.Deliverer {
	return g.wrap(name, g.breakers[name], delivery.Direct(g.translators[name]))
}

// fallbackDeliverer serves a "provider" or "provider:model" fallback target.
// Fallbacks carry a retry budget but no breaker of their own.
func (g *Gateway) fallbackDeliverer(target string) delivery.Deliverer {
	name, model := config.SplitTarget(target)
	return g.wrap(name, nil, delivery.WithModel(delivery.Direct(g.translators[name]), model))
}

func (g *Gateway) wrap(name string, breaker *circuitbreaker.Breaker, d delivery.Deliverer) delivery.Deliverer {
	p := g.cfg.Providers[name]
	opts := delivery.Options{
		Provider: name,
		Retry:    retryConfig(p),
		Breaker:  breaker,
		Clock:    g.opts.clock,
		Metrics:  g.recorder(),
		Logger:   g.logger.Named("delivery"),
		Tracer:   g.tracer,
	}
	if p.Fallback != "" {
		// Validation rejects cycles, so the recursion terminates.
		opts.Fallback = g.fallbackDeliverer(p.Fallback)
		opts.FallbackName, _ = config.SplitTarget(p.Fallback)
	}
	return delivery.NewWrapper(d, opts)
}

func retryConfig(p config.Provider) retry.Config {
	return retry.Config{
		MaxRetries:     p.Retries(),
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
		Multiplier:     p.BackoffMultiplier,
	}
}

func (g *Gateway) recorder() metrics.Recorder {
	if g.metrics == nil {
		return metrics.Nop{}
	}
	return g.metrics
}

// Breaker returns the circuit breaker guarding the named provider, if any.
func (g *Gateway) Breaker(provider string) (*circuitbreaker.Breaker, bool) {
	b, ok := g.breakers[provider]
	return b, ok
}

// ServeHTTP exposes the internal http.Handler, which has all routes registered.
// It also tracks inflight requests.
func (g *Gateway) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-g.closed:
		writeError(rw, http.StatusServiceUnavailable, "server is shutting down", nil)
		return
	default:
	}

	// We want to abide by the context passed in without losing any of its
	// functionality, but we still want to link our shutdown context to each
	// request.
	ctx, cancel := mergeContexts(r.Context(), g.inflightCtx)
	defer cancel()

	g.inflightReqs.Add(1)
	g.inflightWG.Add(1)
	defer func() {
		g.inflightReqs.Add(-1)
		g.inflightWG.Done()
	}()

	g.mux.ServeHTTP(rw, r.WithContext(ctx))
}

// Shutdown stops accepting requests and waits for inflight ones to complete.
// If ctx ends first, inflight requests are canceled. Pending envelope writes
// are always waited for.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		// Prevent any new requests from being accepted.
		close(g.closed)

		// Wait for inflight requests to complete or context cancellation.
		done := make(chan struct{})
		go func() {
			g.inflightWG.Wait()
			close(done)
		}()

		select {
		case <-ctx.Done():
			// Cancel all inflight requests, if any are still running.
			g.logger.Debug(ctx, "shutdown context canceled; cancelling inflight requests", slog.Error(ctx.Err()))
			g.inflightCancel()
			<-done
			err = ctx.Err()
		case <-done:
			g.inflightCancel()
		}

		g.store.Wait()

		for _, t := range g.translators {
			if c, ok := t.(interface{ CloseIdleConnections() }); ok {
				c.CloseIdleConnections()
			}
		}
	})

	return err
}

func (g *Gateway) InflightRequests() int32 {
	return g.inflightReqs.Load()
}

// mergeContexts merges two contexts together, so that if either is cancelled
// the returned context is cancelled. The context values will only be used from
// the first context.
func mergeContexts(base, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
