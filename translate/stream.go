package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cdr.dev/slog"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/coder/airouter/sse"
	"github.com/coder/airouter/wire"
)

var doneMarker = []byte("[DONE]")

type blockKind int

const (
	textKind blockKind = iota + 1
	toolKind
)

type openBlock struct {
	kind  blockKind
	index int
	tool  *toolCall
}

// toolCall accumulates one streamed OpenAI tool call, keyed by its index.
type toolCall struct {
	index   int
	id      string
	name    string
	args    string
	started bool
	closed  bool
}

// appendArgs records an arguments fragment and returns the part not seen
// before. Some servers resend the full arguments on every chunk instead of
// sending increments.
func (c *toolCall) appendArgs(frag string) string {
	if frag == "" {
		return ""
	}
	if c.args != "" && strings.HasPrefix(frag, c.args) {
		delta := frag[len(c.args):]
		c.args = frag
		return delta
	}
	c.args += frag
	return frag
}

// transcoder re-emits a Chat Completions chunk stream as a Messages event
// stream, one event at a time.
type transcoder struct {
	w      io.Writer
	model  string
	logger slog.Logger

	started      bool
	nextIndex    int
	open         *openBlock
	tools        map[int]*toolCall
	lastTool     int
	sawToolCalls bool
	finishReason string
	usage        wire.Usage
}

func newTranscoder(w io.Writer, model string, logger slog.Logger) *transcoder {
	return &transcoder{
		w:      w,
		model:  model,
		logger: logger,
		tools:  make(map[int]*toolCall),
	}
}

// transcode starts a goroutine converting upstream's event stream and returns
// a response whose body yields the converted events. The pipe between the two
// is unbuffered: the goroutine only reads upstream as fast as the body is
// consumed. Closing the body stops the goroutine and closes upstream.
func transcode(ctx context.Context, upstream *http.Response, model string, logger slog.Logger) *http.Response {
	pr, pw := io.Pipe()
	t := newTranscoder(pw, model, logger)

	go func() {
		err := t.run(ctx, upstream)
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Warn(ctx, "stream translation failed", slog.Error(err))
		}
		_ = pw.CloseWithError(err)
	}()

	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	if id := upstream.Header.Get("X-Request-Id"); id != "" {
		h.Set("X-Request-Id", id)
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         upstream.Proto,
		ProtoMajor:    upstream.ProtoMajor,
		ProtoMinor:    upstream.ProtoMinor,
		Header:        h,
		Body:          pr,
		ContentLength: -1,
		Request:       upstream.Request,
	}
}

func (t *transcoder) run(ctx context.Context, upstream *http.Response) error {
	dec := ssestream.NewDecoder(upstream)
	defer dec.Close()

	for dec.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := bytes.TrimSpace(dec.Event().Data)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, doneMarker) {
			return t.finish()
		}
		if e := gjson.GetBytes(data, "error"); e.Exists() {
			msg := e.Get("message").String()
			if msg == "" {
				msg = e.String()
			}
			return t.fail(fmt.Errorf("upstream stream error: %s", msg))
		}

		var chunk wire.ChatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return t.fail(fmt.Errorf("decode chunk: %w", err))
		}
		if err := t.chunk(&chunk); err != nil {
			return err
		}
	}

	if err := dec.Err(); err != nil {
		return t.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Not every server sends [DONE]; a finish reason is enough.
	if t.finishReason != "" {
		return t.finish()
	}
	return t.fail(io.ErrUnexpectedEOF)
}

func (t *transcoder) chunk(ch *wire.ChatChunk) error {
	if ch.Usage != nil {
		t.usage = usageFromChat(ch.Usage)
	}
	if err := t.start(ch.ID, ch.Model); err != nil {
		return err
	}

	for _, choice := range ch.Choices {
		if choice.Index != 0 {
			continue
		}
		d := choice.Delta
		if d.Content != nil && *d.Content != "" {
			if err := t.text(*d.Content); err != nil {
				return err
			}
		}
		for _, tc := range d.ToolCalls {
			idx := t.toolIndex(tc)
			t.lastTool = idx
			if err := t.toolCall(idx, tc); err != nil {
				return err
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			t.finishReason = *choice.FinishReason
		}
	}
	return nil
}

func (t *transcoder) start(id, model string) error {
	if t.started {
		return nil
	}
	t.started = true
	if model == "" {
		model = t.model
	}
	return t.emit(wire.EventMessageStart, wire.MessageStartEvent{
		Type: wire.EventMessageStart,
		Message: wire.MessagesResponse{
			ID:      messageID(id),
			Type:    "message",
			Role:    wire.RoleAssistant,
			Model:   model,
			Content: []wire.ContentBlock{},
		},
	})
}

func (t *transcoder) text(s string) error {
	if t.open == nil || t.open.kind != textKind {
		if err := t.closeOpen(); err != nil {
			return err
		}
		empty := ""
		idx := t.nextIndex
		t.nextIndex++
		t.open = &openBlock{kind: textKind, index: idx}
		if err := t.emit(wire.EventContentBlockStart, wire.ContentBlockStartEvent{
			Type:         wire.EventContentBlockStart,
			Index:        idx,
			ContentBlock: wire.StreamBlock{Type: wire.BlockText, Text: &empty},
		}); err != nil {
			return err
		}
	}
	return t.emit(wire.EventContentBlockDelta, wire.ContentBlockDeltaEvent{
		Type:  wire.EventContentBlockDelta,
		Index: t.open.index,
		Delta: wire.BlockDelta{Type: wire.DeltaText, Text: s},
	})
}

// toolIndex picks the slot a tool call fragment belongs to. Some servers omit
// the index; their calls are told apart by id, and a fragment with neither
// continues the latest call.
func (t *transcoder) toolIndex(tc wire.ToolCall) int {
	if tc.Index != nil {
		return *tc.Index
	}
	if tc.ID == "" && len(t.tools) > 0 {
		return t.lastTool
	}
	next := 0
	for idx, call := range t.tools {
		if tc.ID != "" && call.id == tc.ID {
			return idx
		}
		next = max(next, idx+1)
	}
	return next
}

func (t *transcoder) toolCall(idx int, tc wire.ToolCall) error {
	call := t.tools[idx]
	if call == nil {
		call = &toolCall{}
		t.tools[idx] = call
	}
	if call.id == "" {
		call.id = tc.ID
	}
	if call.name == "" {
		call.name = tc.Function.Name
	}
	delta := call.appendArgs(tc.Function.Arguments)

	if !call.started {
		// The block can only be announced once the name is known.
		if call.name == "" {
			return nil
		}
		if err := t.closeOpen(); err != nil {
			return err
		}
		call.started = true
		call.index = t.nextIndex
		t.nextIndex++
		t.sawToolCalls = true
		t.open = &openBlock{kind: toolKind, index: call.index, tool: call}
		if err := t.emit(wire.EventContentBlockStart, wire.ContentBlockStartEvent{
			Type:  wire.EventContentBlockStart,
			Index: call.index,
			ContentBlock: wire.StreamBlock{
				Type:  wire.BlockToolUse,
				ID:    toolUseID(call.id),
				Name:  call.name,
				Input: json.RawMessage("{}"),
			},
		}); err != nil {
			return err
		}
		// Everything received so far, including fragments which arrived before the name.
		delta = call.args
	}

	if delta == "" {
		return nil
	}
	if call.closed {
		t.logger.Debug(context.Background(), "dropping arguments for a closed tool call", slog.F("tool", call.name))
		return nil
	}
	return t.emit(wire.EventContentBlockDelta, wire.ContentBlockDeltaEvent{
		Type:  wire.EventContentBlockDelta,
		Index: call.index,
		Delta: wire.BlockDelta{Type: wire.DeltaInputJSON, PartialJSON: delta},
	})
}

func (t *transcoder) closeOpen() error {
	if t.open == nil {
		return nil
	}
	idx := t.open.index
	if t.open.tool != nil {
		t.open.tool.closed = true
	}
	t.open = nil
	return t.emit(wire.EventContentBlockStop, wire.ContentBlockStopEvent{Type: wire.EventContentBlockStop, Index: idx})
}

func (t *transcoder) finish() error {
	return t.finishWith(stopReason(t.finishReason, t.sawToolCalls))
}

func (t *transcoder) finishWith(reason string) error {
	if err := t.start("", ""); err != nil {
		return err
	}
	if err := t.closeOpen(); err != nil {
		return err
	}
	if err := t.emit(wire.EventMessageDelta, wire.MessageDeltaEvent{
		Type:  wire.EventMessageDelta,
		Delta: wire.MessageDelta{StopReason: reason},
		Usage: t.usage,
	}); err != nil {
		return err
	}
	return t.emit(wire.EventMessageStop, wire.MessageStopEvent{Type: wire.EventMessageStop})
}

// fail reports err to the client as an error event and returns it.
func (t *transcoder) fail(err error) error {
	if emitErr := t.emit(wire.EventError, wire.StreamErrorEvent{
		Type:  wire.EventError,
		Error: wire.ErrorDetail{Type: wire.ErrorTypeAPI, Message: err.Error()},
	}); emitErr != nil {
		return errors.Join(err, emitErr)
	}
	return err
}

func (t *transcoder) emit(event string, v any) error {
	b, err := sse.Encode(event, v)
	if err != nil {
		return err
	}
	_, err = t.w.Write(b)
	return err
}

// writeMessageStream renders a whole message as the event sequence a streamed
// response would have produced.
func writeMessageStream(w io.Writer, msg *wire.MessagesResponse, logger slog.Logger) error {
	t := newTranscoder(w, msg.Model, logger)
	t.usage = msg.Usage
	if err := t.start(msg.ID, msg.Model); err != nil {
		return err
	}
	for i, b := range msg.Content {
		var err error
		switch b.Type {
		case wire.BlockText:
			err = t.text(b.Text)
		case wire.BlockToolUse:
			err = t.toolCall(i, wire.ToolCall{ID: b.ID, Function: wire.FunctionCall{Name: b.Name, Arguments: string(b.Input)}})
		}
		if err != nil {
			return err
		}
	}
	return t.finishWith(msg.StopReason)
}
