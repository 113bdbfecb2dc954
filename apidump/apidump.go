// Package apidump writes raw upstream requests and responses to disk for
// debugging translation problems.
package apidump

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

const (
	SuffixRequest  = ".req.txt"
	SuffixResponse = ".resp.txt"
)

type requestIDKey struct{}

// WithRequestID tags outbound requests made with ctx so their dumps can be
// correlated with the inbound request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	if id == "" {
		return "unknown"
	}
	return id
}

// Transport is an http.RoundTripper which dumps every exchange under
// <dir>/<provider>/<model>/. Response bodies are written as they are read, so
// streaming is unaffected.
type Transport struct {
	dir      string
	provider string
	next     http.RoundTripper
	clk      quartz.Clock
	logger   slog.Logger

	seq atomic.Uint64
}

// NewTransport wraps next. If dir is empty next is returned unchanged.
func NewTransport(dir, provider string, next http.RoundTripper, logger slog.Logger, clk quartz.Clock) http.RoundTripper {
	if dir == "" {
		return next
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if clk == nil {
		clk = quartz.NewReal()
	}
	return &Transport{
		dir:      dir,
		provider: provider,
		next:     next,
		clk:      clk,
		logger:   logger.Named("apidump"),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	base := t.basePath(requestIDFrom(ctx), gjson.GetBytes(body, "model").String())
	if err := writeRequest(base+SuffixRequest, req, body); err != nil {
		t.logger.Warn(ctx, "failed to dump request", slog.Error(err))
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %s\r\n", resp.Proto, resp.Status)
	writeRedactedHeaders(&head, resp.Header, sensitiveResponseHeaders, nil)
	head.WriteString("\r\n")

	resp.Body = &bodyDumper{
		body: resp.Body,
		path: base + SuffixResponse,
		head: head.Bytes(),
		onErr: func(err error) {
			t.logger.Warn(ctx, "failed to dump response", slog.Error(err))
		},
	}
	return resp, nil
}

// basePath returns the dump path, without suffix, for one upstream attempt.
func (t *Transport) basePath(requestID, model string) string {
	if model == "" {
		model = "unknown"
	}
	safeModel := strings.ReplaceAll(model, "/", "-")
	return filepath.Join(t.dir, t.provider, safeModel,
		fmt.Sprintf("%d-%s-%d", t.clk.Now().UTC().UnixMilli(), requestID, t.seq.Add(1)))
}

func writeRequest(path string, req *http.Request, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}

	prettyBody := prettyPrintJSON(body)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, req.URL.String(), req.Proto)
	writeRedactedHeaders(&buf, req.Header, sensitiveRequestHeaders, map[string]string{
		"Content-Length": fmt.Sprintf("%d", len(prettyBody)),
	})
	buf.WriteString("\r\n")
	buf.Write(prettyBody)

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// writeRedactedHeaders writes headers sorted by key in wire form, redacting
// sensitive values and applying overrides. Keys must be canonical.
func writeRedactedHeaders(w io.Writer, headers http.Header, sensitive map[string]struct{}, overrides map[string]string) {
	keys := make([]string, 0, len(headers)+len(overrides))
	for key := range headers {
		keys = append(keys, key)
	}
	for key := range overrides {
		if _, ok := headers[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	for _, key := range keys {
		if override, ok := overrides[key]; ok {
			fmt.Fprintf(w, "%s: %s\r\n", key, override)
			continue
		}
		_, isSensitive := sensitive[key]
		for _, value := range headers[key] {
			if isSensitive {
				value = redactHeaderValue(value)
			}
			fmt.Fprintf(w, "%s: %s\r\n", key, value)
		}
	}
}

// prettyPrintJSON indents valid JSON, preserving key order; anything else is
// returned unchanged.
func prettyPrintJSON(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	result := pretty.Pretty(body)
	if !json.Valid(result) {
		return body
	}
	return bytes.TrimSuffix(result, []byte("\n"))
}

// bodyDumper tees a response body into a dump file as it is read. The file is
// created lazily on the first read.
type bodyDumper struct {
	body  io.ReadCloser
	path  string
	head  []byte
	onErr func(error)

	once sync.Once
	file *os.File
}

func (b *bodyDumper) open() {
	b.once.Do(func() {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
			b.onErr(fmt.Errorf("create dump dir: %w", err))
			return
		}
		f, err := os.Create(b.path)
		if err != nil {
			b.onErr(fmt.Errorf("create dump file: %w", err))
			return
		}
		if _, err := f.Write(b.head); err != nil {
			b.onErr(fmt.Errorf("write headers: %w", err))
			_ = f.Close()
			return
		}
		b.file = f
	})
}

func (b *bodyDumper) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.open()
	if n > 0 && b.file != nil {
		_, _ = b.file.Write(p[:n])
	}
	return n, err
}

func (b *bodyDumper) Close() error {
	b.open()
	var fileErr error
	if b.file != nil {
		fileErr = b.file.Close()
	}
	if err := b.body.Close(); err != nil {
		return err
	}
	return fileErr
}
