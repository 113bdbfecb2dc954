package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type traceRequestAttrsContextKey struct{}

const (
	// trace attribute key constants
	RequestPath = "request_path"
	RequestID   = "request_id"

	RequestedModel = "requested_model"
	Provider       = "provider"
	Model          = "model"
	Subagent       = "subagent"
	Streaming      = "streaming"
	Format         = "format"

	UpstreamURL    = "upstream_url"
	UpstreamStatus = "upstream_status"
	Attempts       = "attempts"
	Fallback       = "fallback"
	CircuitState   = "circuit_state"
)

// EndSpanErr ends given span and sets Error status if error is not nil
// uses pointer to error because defer evaluates function arguments
// when defer statement is executed not when deferred function is called
//
// example usage:
//
//	func Example() (result any, outErr error) {
//	    _, span := tracer.Start(...)
//	    defer tracing.EndSpanErr(span, &outErr)
//
// }
func EndSpanErr(span trace.Span, err *error) {
	if span == nil {
		return
	}

	if err != nil && *err != nil {
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// WithRequestAttributesInContext stores attributes which every span created
// while handling the request should carry.
func WithRequestAttributesInContext(ctx context.Context, traceAttrs []attribute.KeyValue) context.Context {
	return context.WithValue(ctx, traceRequestAttrsContextKey{}, traceAttrs)
}

func RequestAttributesFromContext(ctx context.Context) []attribute.KeyValue {
	attrs, ok := ctx.Value(traceRequestAttrsContextKey{}).([]attribute.KeyValue)
	if !ok {
		return nil
	}

	return attrs
}
