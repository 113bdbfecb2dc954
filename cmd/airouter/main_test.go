package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/coder/airouter/config"
	"github.com/coder/airouter/envelope"
	"github.com/coder/airouter/envelope/sqlitestore"
)

const upstreamMessage = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-0","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}`

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()

	cfg, err := config.Parse([]byte(`
default_provider: anthropic
providers:
  anthropic:
    format: anthropic
    base_url: ` + upstream + `
    key: sk-test
`))
	require.NoError(t, err)
	return cfg
}

func TestHandler(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamMessage))
	}))
	t.Cleanup(upstream.Close)

	reg := prometheus.NewRegistry()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	handler, gw, err := newHandler(testConfig(t, upstream.URL), envelope.NopStore{}, logger, reg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", string(body))

	resp, err = srv.Client().Post(srv.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"claude-sonnet-4-0","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", gjson.GetBytes(body, "content.0.text").String())

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "airouter_requests_total")

	resp, err = srv.Client().Get(srv.URL + "/v1/unknown")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnvelopeShow(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "envelopes.db")
	store, err := sqlitestore.Open(t.Context(), dbPath)
	require.NoError(t, err)

	id, err := store.SaveRequestEnvelope(t.Context(), &envelope.RequestEnvelope{
		RequestID:      "req-1",
		Method:         http.MethodPost,
		Path:           "/v1/messages",
		RequestedModel: "claude-sonnet-4-0",
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-0",
		Body:           []byte(`{"model":"claude-sonnet-4-0"}`),
	})
	require.NoError(t, err)
	require.NoError(t, store.AttachResponseEnvelope(t.Context(), id, &envelope.ResponseEnvelope{
		Status:   http.StatusOK,
		Outcome:  envelope.OutcomeSuccess,
		ServedBy: "anthropic",
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	cmd := envelopeCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show", "--db", dbPath, id})
	require.NoError(t, cmd.ExecuteContext(t.Context()))

	require.Equal(t, id, gjson.Get(out.String(), "id").String())
	require.Equal(t, "req-1", gjson.Get(out.String(), "request.RequestID").String())
	require.Equal(t, "anthropic", gjson.Get(out.String(), "response.ServedBy").String())

	cmd = envelopeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"show", "--db", dbPath, "missing"})
	require.ErrorIs(t, cmd.ExecuteContext(t.Context()), sqlitestore.ErrNotFound)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := parseLevel("loud")
	require.Error(t, err)
}
