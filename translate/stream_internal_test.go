package translate

import (
	"bytes"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/coder/airouter/sse"
	"github.com/coder/airouter/wire"
)

func ptr[T any](v T) *T { return &v }

func TestAppendArgs(t *testing.T) {
	t.Parallel()

	var c toolCall
	require.Equal(t, `{"q":`, c.appendArgs(`{"q":`))
	require.Equal(t, `"x"}`, c.appendArgs(`"x"}`))
	require.Equal(t, `{"q":"x"}`, c.args)

	// Full resend.
	var r toolCall
	require.Equal(t, `{"a":`, r.appendArgs(`{"a":`))
	require.Equal(t, `1}`, r.appendArgs(`{"a":1}`))
	require.Equal(t, `{"a":1}`, r.args)
	require.Empty(t, r.appendArgs(""))
}

func TestStopReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, wire.StopEndTurn, stopReason(wire.FinishStop, false))
	require.Equal(t, wire.StopToolUse, stopReason(wire.FinishStop, true))
	require.Equal(t, wire.StopMaxTokens, stopReason(wire.FinishLength, true))
	require.Equal(t, wire.StopToolUse, stopReason(wire.FinishFunctionCall, false))
	require.Equal(t, wire.StopRefusal, stopReason(wire.FinishContentFilter, false))
	require.Equal(t, wire.StopEndTurn, stopReason("", false))
}

func TestTranscoderToolNameArrivesLate(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tc := newTranscoder(&buf, "gpt-4o", slogtest.Make(t, nil))

	chunks := []wire.ChatChunk{
		{ID: "c", Choices: []wire.ChatChunkChoice{{Delta: wire.ChatDelta{ToolCalls: []wire.ToolCall{
			{Index: ptr(0), ID: "call_a", Function: wire.FunctionCall{Arguments: `{"path":`}},
		}}}}},
		{ID: "c", Choices: []wire.ChatChunkChoice{{Delta: wire.ChatDelta{ToolCalls: []wire.ToolCall{
			{Index: ptr(0), Function: wire.FunctionCall{Name: "read", Arguments: `"a.go"}`}},
		}}}}},
		{ID: "c", Choices: []wire.ChatChunkChoice{{Delta: wire.ChatDelta{ToolCalls: []wire.ToolCall{
			{Index: ptr(1), ID: "call_b", Function: wire.FunctionCall{Name: "read", Arguments: `{"path":"b.go"}`}},
		}}, FinishReason: ptr(wire.FinishToolCalls)}}},
	}
	for i := range chunks {
		require.NoError(t, tc.chunk(&chunks[i]))
	}
	require.NoError(t, tc.finish())

	frames, err := sse.ReadAll(&buf)
	require.NoError(t, err)

	var (
		events []string
		inputs = map[int64]string{}
		names  = map[int64]string{}
	)
	for _, f := range frames {
		events = append(events, f.Event)
		idx := gjson.Get(f.Data, "index").Int()
		switch f.Event {
		case wire.EventContentBlockStart:
			names[idx] = gjson.Get(f.Data, "content_block.name").String()
		case wire.EventContentBlockDelta:
			inputs[idx] += gjson.Get(f.Data, "delta.partial_json").String()
		}
	}

	require.Equal(t, []string{
		wire.EventMessageStart,
		wire.EventContentBlockStart, wire.EventContentBlockDelta,
		wire.EventContentBlockStop,
		wire.EventContentBlockStart, wire.EventContentBlockDelta,
		wire.EventContentBlockStop,
		wire.EventMessageDelta,
		wire.EventMessageStop,
	}, events)
	require.Equal(t, map[int64]string{0: "read", 1: "read"}, names)
	require.JSONEq(t, `{"path":"a.go"}`, inputs[0])
	require.JSONEq(t, `{"path":"b.go"}`, inputs[1])

	last := frames[len(frames)-2]
	require.Equal(t, wire.StopToolUse, gjson.Get(last.Data, "delta.stop_reason").String())
}

func TestTranscoderToolCallsWithoutIndex(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tc := newTranscoder(&buf, "qwen3", slogtest.Make(t, nil))

	chunks := []wire.ChatChunk{
		{ID: "c", Choices: []wire.ChatChunkChoice{{Delta: wire.ChatDelta{ToolCalls: []wire.ToolCall{
			{ID: "call_a", Function: wire.FunctionCall{Name: "read", Arguments: `{"path":"a.go"}`}},
		}}}}},
		{ID: "c", Choices: []wire.ChatChunkChoice{{Delta: wire.ChatDelta{ToolCalls: []wire.ToolCall{
			{ID: "call_b", Function: wire.FunctionCall{Name: "write", Arguments: `{"path":`}},
		}}}}},
		{ID: "c", Choices: []wire.ChatChunkChoice{{Delta: wire.ChatDelta{ToolCalls: []wire.ToolCall{
			{Function: wire.FunctionCall{Arguments: `"b.go"}`}},
		}}, FinishReason: ptr(wire.FinishToolCalls)}}},
	}
	for i := range chunks {
		require.NoError(t, tc.chunk(&chunks[i]))
	}
	require.NoError(t, tc.finish())

	frames, err := sse.ReadAll(&buf)
	require.NoError(t, err)

	var (
		ids    = map[int64]string{}
		names  = map[int64]string{}
		inputs = map[int64]string{}
	)
	for _, f := range frames {
		idx := gjson.Get(f.Data, "index").Int()
		switch f.Event {
		case wire.EventContentBlockStart:
			ids[idx] = gjson.Get(f.Data, "content_block.id").String()
			names[idx] = gjson.Get(f.Data, "content_block.name").String()
		case wire.EventContentBlockDelta:
			inputs[idx] += gjson.Get(f.Data, "delta.partial_json").String()
		}
	}

	require.Equal(t, map[int64]string{0: "call_a", 1: "call_b"}, ids)
	require.Equal(t, map[int64]string{0: "read", 1: "write"}, names)
	require.JSONEq(t, `{"path":"a.go"}`, inputs[0])
	require.JSONEq(t, `{"path":"b.go"}`, inputs[1])
}

func TestWriteMessageStream(t *testing.T) {
	t.Parallel()

	msg := &wire.MessagesResponse{
		ID:    "msg_x",
		Model: "gpt-4o",
		Content: []wire.ContentBlock{
			{Type: wire.BlockText, Text: "done"},
		},
		StopReason: wire.StopMaxTokens,
		Usage:      wire.Usage{InputTokens: 3, OutputTokens: 4},
	}

	var buf bytes.Buffer
	require.NoError(t, writeMessageStream(&buf, msg, slogtest.Make(t, nil)))

	frames, err := sse.ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, frames, 6)
	require.Equal(t, "msg_x", gjson.Get(frames[0].Data, "message.id").String())
	require.Equal(t, "done", gjson.Get(frames[2].Data, "delta.text").String())
	require.Equal(t, wire.StopMaxTokens, gjson.Get(frames[4].Data, "delta.stop_reason").String())
	require.EqualValues(t, 3, gjson.Get(frames[4].Data, "usage.input_tokens").Int())
	require.EqualValues(t, 4, gjson.Get(frames[4].Data, "usage.output_tokens").Int())
}
