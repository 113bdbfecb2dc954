package airouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coder/airouter/apidump"
	"github.com/coder/airouter/config"
	"github.com/coder/airouter/delivery"
	"github.com/coder/airouter/envelope"
	"github.com/coder/airouter/routing"
	"github.com/coder/airouter/sse"
	"github.com/coder/airouter/tracing"
	"github.com/coder/airouter/translate"
	"github.com/coder/airouter/wire"
)

const (
	routeMessages    = "/v1/messages"
	routeCountTokens = "/v1/messages/count_tokens"

	// RequestIDHeader carries the id correlating a response with its logs,
	// envelope and dumps.
	RequestIDHeader = "X-Airouter-Request-Id"
)

// Limits on what is kept of a streamed response in its envelope.
const (
	maxLoggedChunks     = 4096
	maxLoggedChunkBytes = 4 << 20
)

// interception is the state of one routed request.
type interception struct {
	id       string
	start    time.Time
	route    string
	req      *translate.Request
	decision *routing.Decision
	logger   slog.Logger

	envelopeID string
	result     envelope.ResponseEnvelope
	loggedSize int
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	g.intercept(w, r, routeMessages)
}

// handleCountTokens is only served by providers speaking the caller's format;
// no other format has an equivalent endpoint.
func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	g.intercept(w, r, routeCountTokens)
}

func (g *Gateway) intercept(w http.ResponseWriter, r *http.Request, route string) {
	ctx := r.Context()
	ix := &interception{
		id:    uuid.NewString(),
		start: g.opts.clock.Now(),
		route: route,
	}
	ix.logger = g.logger.With(slog.F("request_id", ix.id), slog.F("route", route))
	w.Header().Set(RequestIDHeader, ix.id)

	if g.metrics != nil {
		g.metrics.RequestsInflight.WithLabelValues(route).Inc()
		defer g.metrics.RequestsInflight.WithLabelValues(route).Dec()
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, route), http.Header{"Allow": {http.MethodPost}})
		return
	}

	req, status, err := g.readRequest(w, r, ix.id)
	if err != nil {
		ix.logger.Debug(ctx, "rejected inbound request", slog.F("status", status), slog.Error(err))
		writeError(w, status, err.Error(), nil)
		return
	}
	ix.req = req

	ctx, span := g.tracer.Start(ctx, "Gateway.intercept", trace.WithAttributes(
		attribute.String(tracing.RequestPath, route),
		attribute.String(tracing.RequestID, ix.id),
		attribute.String(tracing.RequestedModel, req.Model),
		attribute.Bool(tracing.Streaming, req.Streaming()),
	))
	var outErr error
	defer tracing.EndSpanErr(span, &outErr)

	decision, err := g.router.DetermineRoute(req)
	if err != nil {
		outErr = err
		ix.logger.Warn(ctx, "request could not be routed", slog.F("model", req.Model), slog.Error(err))
		mapError(err).write(w)
		g.observe(ix, envelope.OutcomeError)
		return
	}
	ix.decision = decision
	ix.logger = ix.logger.With(
		slog.F("provider", decision.Provider),
		slog.F("model", decision.Model),
		slog.F("subagent", decision.Subagent),
	)

	// The identity header is ours; providers never see it.
	req.Header.Del(g.cfg.SubagentHeader)
	req.Model = decision.Model

	attrs := []attribute.KeyValue{
		attribute.String(tracing.RequestID, ix.id),
		attribute.String(tracing.Provider, decision.Provider),
		attribute.String(tracing.Model, decision.Model),
		attribute.String(tracing.Subagent, decision.Subagent),
	}
	span.SetAttributes(attrs...)
	ctx = tracing.WithRequestAttributesInContext(ctx, attrs)
	ctx = apidump.WithRequestID(ctx, ix.id)
	r = r.WithContext(ctx)

	ix.logger.Debug(ctx, "interception started", slog.F("requested_model", decision.RequestedModel), slog.F("streaming", req.Streaming()))

	if route == routeCountTokens {
		outErr = g.countTokens(w, r, ix)
		return
	}

	g.saveEnvelope(ctx, ix, r)

	resp, err := g.deliverers[decision.Provider].Deliver(ctx, req)
	if err != nil {
		outErr = err
		er := mapError(err)
		if ctx.Err() == nil {
			er.write(w)
		}
		ix.result.Status = er.status
		ix.result.Body = er.body
		ix.result.Error = er.message()
		g.finish(ctx, ix, outcomeFor(ctx, err))
		return
	}

	ix.result.ServedBy = resp.Header.Get(delivery.ProviderHeader)
	if isEventStream(resp.Header) && resp.StatusCode < 300 {
		outErr = g.relayStream(w, r, ix, resp)
	} else {
		outErr = g.relayWhole(w, ix, resp)
	}

	outcome := envelope.OutcomeSuccess
	switch {
	case ctx.Err() != nil:
		outcome = envelope.OutcomeCanceled
	case outErr != nil || ix.result.Status >= 400 || ix.result.Error != "":
		outcome = envelope.OutcomeError
	}
	g.finish(ctx, ix, outcome)
}

// readRequest decodes the inbound body. On failure the returned status is the
// one to answer with.
func (g *Gateway) readRequest(w http.ResponseWriter, r *http.Request, id string) (*translate.Request, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read request body: %w", err)
	}

	var params wire.MessagesRequest
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err)
	}

	return &translate.Request{
		ID:       id,
		Model:    params.Model,
		Body:     body,
		Params:   &params,
		Header:   r.Header.Clone(),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}, 0, nil
}

// countTokens forwards a token count request once, without retries or
// fallback.
func (g *Gateway) countTokens(w http.ResponseWriter, r *http.Request, ix *interception) error {
	t := ix.decision.Translator
	if t.Format() != config.FormatAnthropic {
		err := fmt.Errorf("provider %q does not support token counting", ix.decision.Provider)
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		g.observe(ix, envelope.OutcomeError)
		return err
	}

	resp, err := t.Forward(r.Context(), ix.req)
	if err != nil {
		ix.logger.Warn(r.Context(), "token count failed", slog.Error(err))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("provider %q could not be reached", ix.decision.Provider), nil)
		g.observe(ix, outcomeFor(r.Context(), err))
		return err
	}

	ix.result.ServedBy = t.Name()
	err = g.relayWhole(w, ix, resp)
	outcome := envelope.OutcomeSuccess
	if err != nil || ix.result.Status >= 400 {
		outcome = envelope.OutcomeError
	}
	g.observe(ix, outcome)
	return err
}

func (g *Gateway) saveEnvelope(ctx context.Context, ix *interception, r *http.Request) {
	id, err := g.store.SaveRequestEnvelope(ctx, &envelope.RequestEnvelope{
		RequestID:      ix.id,
		ReceivedAt:     ix.start.UTC(),
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestedModel: ix.decision.RequestedModel,
		Provider:       ix.decision.Provider,
		Model:          ix.decision.Model,
		Subagent:       ix.decision.Subagent,
		Streaming:      ix.req.Streaming(),
		Body:           ix.req.Body,
	})
	if err != nil {
		// Losing the envelope is not worth failing the request over.
		return
	}
	ix.envelopeID = id
}

// relayWhole copies a complete response to the client.
func (g *Gateway) relayWhole(w http.ResponseWriter, ix *interception, resp *http.Response) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		ix.logger.Warn(context.Background(), "failed to read upstream response", slog.Error(err))
		msg := fmt.Sprintf("read upstream response: %v", err)
		writeError(w, http.StatusBadGateway, msg, nil)
		ix.result.Status = http.StatusBadGateway
		ix.result.Error = msg
		return err
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	_, werr := w.Write(body)

	ix.result.Status = resp.StatusCode
	ix.result.Body = body
	if resp.StatusCode >= 400 {
		ix.result.Error = gjson.GetBytes(body, "error.message").String()
		if ix.result.Error == "" {
			ix.result.Error = http.StatusText(resp.StatusCode)
		}
		return nil
	}

	usage := gjson.GetBytes(body, "usage")
	ix.result.InputTokens = usage.Get("input_tokens").Int()
	ix.result.OutputTokens = usage.Get("output_tokens").Int()
	ix.result.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
	ix.result.CacheWriteTokens = usage.Get("cache_creation_input_tokens").Int()
	return werr
}

// relayStream forwards a response's events as they arrive. Response headers
// are only written with the first event, so a stream which fails before
// producing anything is still answered with a plain error.
func (g *Gateway) relayStream(w http.ResponseWriter, r *http.Request, ix *interception, resp *http.Response) error {
	ctx := r.Context()
	defer resp.Body.Close()

	for _, k := range []string{"X-Request-Id", "Request-Id", delivery.ProviderHeader} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}

	stream := sse.NewEventStream(ctx, ix.logger.Named("sse"), sse.AnthropicPing, sse.WithPingInterval(g.opts.pingInterval))
	go stream.Start(w, r)

	var (
		reader   = sse.NewReader(resp.Body)
		sent     int
		sawStop  bool
		sawErr   bool
		relayErr error
	)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			relayErr = fmt.Errorf("read upstream stream: %w", err)
			break
		}

		ix.record(frame)
		switch frame.Event {
		case wire.EventMessageStop:
			sawStop = true
		case wire.EventError:
			sawErr = true
		}

		if err := stream.Send(ctx, frame.Bytes()); err != nil {
			relayErr = fmt.Errorf("relay event: %w", err)
			break
		}
		sent++
	}

	clientGone := ctx.Err() != nil || errors.Is(relayErr, sse.ErrEventStreamClosed)
	if relayErr == nil && !sawStop && !sawErr {
		relayErr = fmt.Errorf("read upstream stream: %w", io.ErrUnexpectedEOF)
	}

	// A stream must end in a stop or exactly one error event.
	if relayErr != nil && !sawErr && !clientGone && sent > 0 {
		ev, _ := sse.Encode(wire.EventError, wire.StreamErrorEvent{
			Type:  wire.EventError,
			Error: wire.ErrorDetail{Type: wire.ErrorTypeAPI, Message: relayErr.Error()},
		})
		if err := stream.Send(ctx, ev); err == nil {
			sent++
		}
	}
	if relayErr != nil && ix.result.Error == "" {
		ix.result.Error = relayErr.Error()
	}

	if err := stream.Shutdown(ctx); err != nil && !clientGone {
		ix.logger.Warn(ctx, "event stream shutdown failed", slog.Error(err))
	}

	ix.result.Status = resp.StatusCode
	if sent == 0 && !clientGone {
		// Nothing reached the client; answer with a whole error instead.
		msg := "upstream stream ended without events"
		if relayErr != nil {
			msg = relayErr.Error()
		}
		writeError(w, http.StatusBadGateway, msg, nil)
		ix.result.Status = http.StatusBadGateway
		ix.result.Error = msg
	}

	if relayErr != nil {
		ix.logger.Warn(ctx, "stream relay ended early", slog.F("events", sent), slog.Error(relayErr))
	}
	return relayErr
}

// record appends frame to the envelope's chunk log and tracks usage.
func (ix *interception) record(f sse.Frame) {
	switch f.Event {
	case wire.EventMessageStart:
		usage := gjson.Get(f.Data, "message.usage")
		ix.result.InputTokens = usage.Get("input_tokens").Int()
		ix.result.OutputTokens = usage.Get("output_tokens").Int()
		ix.result.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
		ix.result.CacheWriteTokens = usage.Get("cache_creation_input_tokens").Int()
	case wire.EventMessageDelta:
		// The final message_delta carries cumulative counts.
		usage := gjson.Get(f.Data, "usage")
		for field, dst := range map[string]*int64{
			"input_tokens":                &ix.result.InputTokens,
			"output_tokens":               &ix.result.OutputTokens,
			"cache_read_input_tokens":     &ix.result.CacheReadTokens,
			"cache_creation_input_tokens": &ix.result.CacheWriteTokens,
		} {
			if v := usage.Get(field); v.Exists() {
				*dst = v.Int()
			}
		}
	case wire.EventError:
		ix.result.Error = gjson.Get(f.Data, "error.message").String()
	}

	if ix.result.ChunksTruncated {
		return
	}
	b := f.Bytes()
	if len(ix.result.Chunks) >= maxLoggedChunks || ix.loggedSize+len(b) > maxLoggedChunkBytes {
		ix.result.ChunksTruncated = true
		return
	}
	ix.result.Chunks = append(ix.result.Chunks, b)
	ix.loggedSize += len(b)
}

// finish completes the request's envelope and records its metrics.
func (g *Gateway) finish(ctx context.Context, ix *interception, outcome string) {
	ix.result.Outcome = outcome
	if ix.envelopeID != "" {
		result := ix.result
		_ = g.store.AttachResponseEnvelope(ctx, ix.envelopeID, &result)
	}
	g.observe(ix, outcome)
}

func (g *Gateway) observe(ix *interception, outcome string) {
	elapsed := g.opts.clock.Now().Sub(ix.start)

	var provider, model, subagent string
	if ix.decision != nil {
		provider, model, subagent = ix.decision.Provider, ix.decision.Model, ix.decision.Subagent
	}
	if ix.result.ServedBy != "" {
		provider = ix.result.ServedBy
	}

	fields := []any{slog.F("outcome", outcome), slog.F("served_by", ix.result.ServedBy), slog.F("duration", elapsed)}
	if outcome == envelope.OutcomeSuccess {
		ix.logger.Debug(context.Background(), "interception ended", fields...)
	} else {
		ix.logger.Info(context.Background(), "interception failed", append(fields, slog.F("error", ix.result.Error))...)
	}

	if g.metrics == nil {
		return
	}
	g.metrics.ObserveRequest(provider, model, outcome, ix.route, subagent, elapsed)
	if outcome == envelope.OutcomeSuccess || ix.result.OutputTokens > 0 {
		g.metrics.ObserveTokens(provider, model, ix.result.InputTokens, ix.result.OutputTokens,
			ix.result.CacheReadTokens, ix.result.CacheWriteTokens)
	}
}

func outcomeFor(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return envelope.OutcomeCanceled
	}
	return envelope.OutcomeError
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	// Bodies are always relayed decoded.
	"Content-Encoding": true,
	"Content-Length":   true,
}

func copyHeaders(dst, src http.Header) {
	for k, v := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = append([]string(nil), v...)
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
