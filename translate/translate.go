// Package translate adapts caller requests, which always use the Anthropic
// Messages wire format, to a provider's wire format and normalizes the
// provider's responses back.
package translate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/coder/airouter/apidump"
	"github.com/coder/airouter/config"
	"github.com/coder/airouter/wire"
)

// Request is the provider-agnostic form of one inbound call.
type Request struct {
	// ID correlates log lines, envelopes and dumps.
	ID string
	// Model is the model to request upstream. It differs from Params.Model
	// when routing resolved a different target.
	Model string
	// Body is the raw inbound body.
	Body []byte
	// Params is Body decoded.
	Params *wire.MessagesRequest
	Header http.Header
	// Path and RawQuery are those of the inbound URL.
	Path     string
	RawQuery string
}

// WithModel returns a shallow copy of r targeting model.
func (r *Request) WithModel(model string) *Request {
	c := *r
	c.Model = model
	return &c
}

// Streaming reports whether the caller asked for an event stream.
func (r *Request) Streaming() bool {
	return r.Params != nil && r.Params.Stream
}

// Translator sends a request to one provider. The returned response is always
// in the caller's wire format. Non-2xx upstream responses are returned as
// values with their status preserved; only transport failures are errors.
// Translators never retry.
type Translator interface {
	Name() string
	Format() string
	Forward(ctx context.Context, req *Request) (*http.Response, error)
}

type Option func(*options)

type options struct {
	client  *http.Client
	dumpDir string
	logger  slog.Logger
	clock   quartz.Clock
	tracer  trace.Tracer
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithDumpDir dumps every upstream exchange below dir.
func WithDumpDir(dir string) Option {
	return func(o *options) {
		o.dumpDir = dir
	}
}

func WithLogger(logger slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithClock(clk quartz.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// New builds the translator for a configured provider, selected by its format.
func New(name string, cfg config.Provider, opts ...Option) (Translator, error) {
	o := options{
		clock:  quartz.NewReal(),
		tracer: otel.Tracer("github.com/coder/airouter/translate"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.Named(name)

	if o.client == nil {
		o.client = &http.Client{Transport: newTransport()}
	}
	if o.dumpDir != "" {
		c := *o.client
		c.Transport = apidump.NewTransport(o.dumpDir, name, c.Transport, o.logger, o.clock)
		o.client = &c
	}

	switch cfg.Format {
	case config.FormatAnthropic:
		return newPassthrough(name, cfg, o)
	case config.FormatOpenAI:
		return newCrossFormat(name, cfg, o)
	default:
		return nil, fmt.Errorf("provider %q: unknown format %q", name, cfg.Format)
	}
}

// newTransport is tuned for streaming: there is no response header timeout.
func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Response bodies are decoded by decodeBody.
		DisableCompression: true,
	}
}
