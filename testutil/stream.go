package testutil

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tidwall/gjson"
)

// StreamBlock is one reassembled content block.
type StreamBlock struct {
	Type string
	Text string
	// ID, Name and Input are set for tool_use blocks. Input is the
	// concatenation of every input_json_delta.
	ID    string
	Name  string
	Input string
}

// StreamResult is a Messages event stream reassembled.
type StreamResult struct {
	// Events lists every event name in arrival order, pings included.
	Events     []string
	ID         string
	Model      string
	Blocks     []StreamBlock
	StopReason string
	// InputTokens and OutputTokens come from the final message_delta.
	InputTokens  int64
	OutputTokens int64
	// Error is the message of an "error" event, if one arrived.
	Error string
}

// Text concatenates every text block.
func (r StreamResult) Text() string {
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks.
func (r StreamResult) ToolUses() []StreamBlock {
	var out []StreamBlock
	for _, b := range r.Blocks {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// ReadMessageStream consumes resp's body as a Messages event stream. Content
// block indices must be announced before use and must not be reused.
func ReadMessageStream(resp *http.Response) (StreamResult, error) {
	dec := ssestream.NewDecoder(resp)
	defer dec.Close()

	var (
		res    StreamResult
		blocks = map[int64]*StreamBlock{}
		closed = map[int64]bool{}
	)
	for dec.Next() {
		ev := dec.Event()
		res.Events = append(res.Events, ev.Type)
		data := gjson.ParseBytes(ev.Data)

		switch ev.Type {
		case "message_start":
			res.ID = data.Get("message.id").String()
			res.Model = data.Get("message.model").String()
		case "content_block_start":
			idx := data.Get("index").Int()
			if _, ok := blocks[idx]; ok {
				return res, fmt.Errorf("content block %d started twice", idx)
			}
			cb := data.Get("content_block")
			blocks[idx] = &StreamBlock{
				Type: cb.Get("type").String(),
				Text: cb.Get("text").String(),
				ID:   cb.Get("id").String(),
				Name: cb.Get("name").String(),
			}
		case "content_block_delta":
			idx := data.Get("index").Int()
			b, ok := blocks[idx]
			if !ok || closed[idx] {
				return res, fmt.Errorf("delta for content block %d which is not open", idx)
			}
			switch data.Get("delta.type").String() {
			case "text_delta":
				b.Text += data.Get("delta.text").String()
			case "input_json_delta":
				b.Input += data.Get("delta.partial_json").String()
			}
		case "content_block_stop":
			idx := data.Get("index").Int()
			if _, ok := blocks[idx]; !ok {
				return res, fmt.Errorf("stop for unknown content block %d", idx)
			}
			closed[idx] = true
		case "message_delta":
			res.StopReason = data.Get("delta.stop_reason").String()
			res.InputTokens = data.Get("usage.input_tokens").Int()
			res.OutputTokens = data.Get("usage.output_tokens").Int()
		case "error":
			res.Error = data.Get("error.message").String()
		}
	}
	if err := dec.Err(); err != nil {
		return res, err
	}

	indices := make([]int, 0, len(blocks))
	for idx := range blocks {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	for _, idx := range indices {
		res.Blocks = append(res.Blocks, *blocks[int64(idx)])
	}
	return res, nil
}
