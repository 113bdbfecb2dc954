package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/airouter/wire"
)

const maxErrorBody = 1 << 20

// RequestError reports an inbound request which cannot be expressed in the
// provider's format. Nothing was sent upstream.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return "invalid request: " + e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }

// ResponseError reports a 2xx upstream response which could not be converted
// to the caller's format.
type ResponseError struct {
	StatusCode int
	Err        error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("invalid upstream response (status %d): %v", e.StatusCode, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// rewrapError replaces a non-2xx Chat Completions response with an equivalent
// response carrying the Anthropic error envelope. The status code and
// Retry-After are preserved.
func rewrapError(resp *http.Response) *http.Response {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	body, _ := json.Marshal(wire.NewError(wire.ErrorTypeForStatus(resp.StatusCode), errorMessage(resp.StatusCode, raw)))

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		h.Set("Retry-After", ra)
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
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       resp.Request,
	}
}

// errorMessage extracts a human readable message from an upstream error body.
func errorMessage(status int, raw []byte) string {
	var ce wire.ChatError
	if err := json.Unmarshal(raw, &ce); err == nil && ce.Error.Message != "" {
		return ce.Error.Message
	}
	var ae wire.ErrorResponse
	if err := json.Unmarshal(raw, &ae); err == nil && ae.Error.Message != "" {
		return ae.Error.Message
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" && len(msg) <= 1024 {
		return msg
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "upstream error"
}
