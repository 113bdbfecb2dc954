package translate

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"cdr.dev/slog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coder/airouter/apidump"
	"github.com/coder/airouter/buildinfo"
	"github.com/coder/airouter/config"
	"github.com/coder/airouter/tracing"
)

// hopHeaders are removed in both directions, as are any headers named in Connection.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Passthrough forwards requests to a provider speaking the caller's own wire
// format. Only transport-level fields are rewritten.
type Passthrough struct {
	name    string
	cfg     config.Provider
	baseURL *url.URL
	client  *http.Client
	logger  slog.Logger
	tracer  trace.Tracer
}

var _ Translator = &Passthrough{}

func newPassthrough(name string, cfg config.Provider, o options) (*Passthrough, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider %q: parse base URL: %w", name, err)
	}
	return &Passthrough{
		name:    name,
		cfg:     cfg,
		baseURL: u,
		client:  o.client,
		logger:  o.logger,
		tracer:  o.tracer,
	}, nil
}

func (p *Passthrough) Name() string {
	return p.name
}

func (*Passthrough) Format() string {
	return config.FormatAnthropic
}

func (p *Passthrough) CloseIdleConnections() {
	p.client.CloseIdleConnections()
}

func (p *Passthrough) Forward(ctx context.Context, req *Request) (_ *http.Response, outErr error) {
	ctx, span := p.tracer.Start(ctx, "Passthrough.Forward", trace.WithAttributes(
		attribute.String(tracing.Provider, p.name),
		attribute.String(tracing.Model, req.Model),
		attribute.String(tracing.RequestPath, req.Path),
	))
	defer tracing.EndSpanErr(span, &outErr)

	u := p.baseURL.JoinPath(req.Path)
	u.RawQuery = req.RawQuery
	span.SetAttributes(attribute.String(tracing.UpstreamURL, u.String()))

	body := req.Body
	if req.Model != "" && gjson.GetBytes(body, "model").String() != req.Model {
		var err error
		body, err = sjson.SetBytes(body, "model", req.Model)
		if err != nil {
			return nil, &RequestError{Err: fmt.Errorf("rewrite model: %w", err)}
		}
	}

	out, err := http.NewRequestWithContext(apidump.WithRequestID(ctx, req.ID), http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	out.Header = outboundHeaders(req.Header)
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	if out.Header.Get("Anthropic-Version") == "" && p.cfg.Version != "" {
		out.Header.Set("Anthropic-Version", p.cfg.Version)
	}
	if p.cfg.Key != "" {
		out.Header.Set("X-Api-Key", p.cfg.Key)
		out.Header.Del("Authorization")
	}

	resp, err := p.client.Do(out)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int(tracing.UpstreamStatus, resp.StatusCode))

	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	removeHopHeaders(resp.Header)

	p.logger.Debug(ctx, "passthrough response",
		slog.F("request_id", req.ID),
		slog.F("status", resp.StatusCode),
		slog.F("url", u.String()),
	)
	return resp, nil
}

// outboundHeaders clones the inbound headers minus hop-by-hop and
// length/host fields which the client recomputes.
func outboundHeaders(in http.Header) http.Header {
	h := in.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopHeaders(h)
	h.Del("Host")
	h.Del("Content-Length")
	if _, ok := h["User-Agent"]; !ok {
		h.Set("User-Agent", buildinfo.UserAgent())
	}
	return h
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
