package airouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/coder/airouter/delivery"
	"github.com/coder/airouter/routing"
	"github.com/coder/airouter/translate"
	"github.com/coder/airouter/wire"
)

// writeError answers with an Anthropic error envelope whose type follows status.
func writeError(w http.ResponseWriter, status int, msg string, h http.Header) {
	writeTypedError(w, status, wire.ErrorTypeForStatus(status), msg, h)
}

func writeTypedError(w http.ResponseWriter, status int, typ, msg string, h http.Header) {
	body, _ := json.Marshal(wire.NewError(typ, msg))
	writeJSON(w, status, body, h)
}

func writeJSON(w http.ResponseWriter, status int, body []byte, h http.Header) {
	for k, v := range h {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// errorResponse is the caller-facing form of a routing or delivery error.
type errorResponse struct {
	status int
	header http.Header
	body   []byte
}

// mapError converts err into a single response in the caller's error schema.
func mapError(err error) errorResponse {
	var (
		unroutable *routing.UnroutableError
		open       *delivery.CircuitOpenError
		exhausted  *delivery.FallbackExhaustedError
		upstream   *delivery.UpstreamError
		invalid    *translate.RequestError
	)

	switch {
	case errors.As(err, &unroutable):
		return newErrorResponse(http.StatusBadRequest, wire.ErrorTypeInvalid, err.Error(), nil)

	case errors.As(err, &exhausted):
		msg := fmt.Sprintf("primary provider %q and fallback provider %q both failed", exhausted.Primary, exhausted.Fallback)
		return newErrorResponse(http.StatusBadGateway, wire.ErrorTypeAPI, msg, nil)

	case errors.As(err, &invalid):
		return newErrorResponse(http.StatusBadRequest, wire.ErrorTypeInvalid, err.Error(), nil)

	case errors.As(err, &open):
		h := http.Header{}
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(open.RetryAfter.Seconds()))))
		return newErrorResponse(http.StatusServiceUnavailable, "overloaded_error",
			fmt.Sprintf("provider %q is unavailable", open.Provider), h)

	case errors.As(err, &upstream):
		if upstream.StatusCode == 0 && !upstream.Retryable {
			return newErrorResponse(http.StatusBadGateway, wire.ErrorTypeAPI,
				fmt.Sprintf("provider %q returned an unusable response: %v", upstream.Provider, upstream.Err), nil)
		}
		if upstream.StatusCode == 0 {
			return newErrorResponse(http.StatusBadGateway, wire.ErrorTypeAPI,
				fmt.Sprintf("provider %q could not be reached after %d attempts", upstream.Provider, upstream.Attempts), nil)
		}

		h := http.Header{}
		if ra := upstream.Header.Get("Retry-After"); ra != "" {
			h.Set("Retry-After", ra)
		}
		// Translators have already normalized the body; relay it when it is an
		// error envelope.
		if gjson.GetBytes(upstream.Body, "error.type").Exists() {
			return errorResponse{status: upstream.StatusCode, header: h, body: upstream.Body}
		}
		return newErrorResponse(upstream.StatusCode, wire.ErrorTypeForStatus(upstream.StatusCode),
			fmt.Sprintf("provider %q failed after %d attempts", upstream.Provider, upstream.Attempts), h)

	case errors.Is(err, context.DeadlineExceeded):
		return newErrorResponse(http.StatusGatewayTimeout, wire.ErrorTypeAPI, "upstream call timed out", nil)

	default:
		return newErrorResponse(http.StatusBadGateway, wire.ErrorTypeAPI, err.Error(), nil)
	}
}

func newErrorResponse(status int, typ, msg string, h http.Header) errorResponse {
	body, _ := json.Marshal(wire.NewError(typ, msg))
	return errorResponse{status: status, header: h, body: body}
}

func (e errorResponse) write(w http.ResponseWriter) {
	writeJSON(w, e.status, e.body, e.header)
}

func (e errorResponse) message() string {
	return gjson.GetBytes(e.body, "error.message").String()
}
