package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"cdr.dev/slog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coder/airouter/apidump"
	"github.com/coder/airouter/buildinfo"
	"github.com/coder/airouter/config"
	"github.com/coder/airouter/tracing"
	"github.com/coder/airouter/wire"
)

const chatCompletionsPath = "chat/completions"

// CrossFormat forwards requests to a provider speaking the OpenAI Chat
// Completions API, converting requests, responses, event streams and errors.
type CrossFormat struct {
	name    string
	cfg     config.Provider
	baseURL *url.URL
	client  *http.Client
	logger  slog.Logger
	tracer  trace.Tracer
}

var _ Translator = &CrossFormat{}

func newCrossFormat(name string, cfg config.Provider, o options) (*CrossFormat, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider %q: parse base URL: %w", name, err)
	}
	return &CrossFormat{
		name:    name,
		cfg:     cfg,
		baseURL: u,
		client:  o.client,
		logger:  o.logger,
		tracer:  o.tracer,
	}, nil
}

func (c *CrossFormat) Name() string {
	return c.name
}

func (*CrossFormat) Format() string {
	return config.FormatOpenAI
}

func (c *CrossFormat) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Forward converts and sends req. For streaming requests the returned body is
// fed by a goroutine; the caller MUST close it.
func (c *CrossFormat) Forward(ctx context.Context, req *Request) (_ *http.Response, outErr error) {
	ctx, span := c.tracer.Start(ctx, "CrossFormat.Forward", trace.WithAttributes(
		attribute.String(tracing.Provider, c.name),
		attribute.String(tracing.Model, req.Model),
		attribute.Bool(tracing.Streaming, req.Streaming()),
	))
	defer tracing.EndSpanErr(span, &outErr)

	if req.Params == nil {
		return nil, &RequestError{Err: errors.New("cross-format translation requires a decoded request")}
	}

	chatReq, err := ToChatRequest(req.Params, req.Model)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("convert request: %w", err)}
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	u := c.baseURL.JoinPath(chatCompletionsPath)
	span.SetAttributes(attribute.String(tracing.UpstreamURL, u.String()))

	out, err := http.NewRequestWithContext(apidump.WithRequestID(ctx, req.ID), http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	out.Header.Set("Content-Type", "application/json")
	if req.Streaming() {
		out.Header.Set("Accept", "text/event-stream")
	} else {
		out.Header.Set("Accept", "application/json")
	}
	if ua := req.Header.Get("User-Agent"); ua != "" {
		out.Header.Set("User-Agent", ua)
	} else {
		out.Header.Set("User-Agent", buildinfo.UserAgent())
	}
	if key := c.apiKey(req.Header); key != "" {
		out.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(out)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int(tracing.UpstreamStatus, resp.StatusCode))

	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug(ctx, "upstream error response", slog.F("request_id", req.ID), slog.F("status", resp.StatusCode))
		return rewrapError(resp), nil
	}

	if req.Streaming() && isEventStream(resp.Header) {
		return transcode(ctx, resp, req.Model, c.logger), nil
	}
	return c.convertWhole(ctx, req, resp)
}

func (c *CrossFormat) convertWhole(ctx context.Context, req *Request, resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()

	var chat wire.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode upstream response: %w", err)}
	}
	msg := FromChatResponse(&chat, req.Model)

	var (
		buf bytes.Buffer
		h   = http.Header{}
	)
	if req.Streaming() {
		// The server ignored the stream flag; render the message as a stream.
		c.logger.Debug(ctx, "upstream answered a streaming request with a whole response", slog.F("request_id", req.ID))
		if err := writeMessageStream(&buf, msg, c.logger); err != nil {
			return nil, &ResponseError{StatusCode: resp.StatusCode, Err: err}
		}
		h.Set("Content-Type", "text/event-stream")
	} else {
		if err := json.NewEncoder(&buf).Encode(msg); err != nil {
			return nil, &ResponseError{StatusCode: resp.StatusCode, Err: fmt.Errorf("encode response: %w", err)}
		}
		h.Set("Content-Type", "application/json")
	}
	if id := resp.Header.Get("X-Request-Id"); id != "" {
		h.Set("X-Request-Id", id)
	}

	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        h,
		Body:          io.NopCloser(&buf),
		ContentLength: int64(buf.Len()),
		Request:       resp.Request,
	}, nil
}

// apiKey prefers the configured key, falling back to whatever credential the
// client presented.
func (c *CrossFormat) apiKey(h http.Header) string {
	if c.cfg.Key != "" {
		return c.cfg.Key
	}
	if key := h.Get("X-Api-Key"); key != "" {
		return key
	}
	if auth := h.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return key
		}
	}
	return ""
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}
