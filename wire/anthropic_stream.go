package wire

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// Anthropic streaming event names.
var (
	EventMessageStart      = string(constant.ValueOf[constant.MessageStart]())
	EventContentBlockStart = string(constant.ValueOf[constant.ContentBlockStart]())
	EventContentBlockDelta = string(constant.ValueOf[constant.ContentBlockDelta]())
	EventContentBlockStop  = string(constant.ValueOf[constant.ContentBlockStop]())
	EventMessageDelta      = string(constant.ValueOf[constant.MessageDelta]())
	EventMessageStop       = string(constant.ValueOf[constant.MessageStop]())
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types carried by content_block_delta.
var (
	DeltaText      = string(constant.ValueOf[constant.TextDelta]())
	DeltaInputJSON = string(constant.ValueOf[constant.InputJSONDelta]())
)

// MessageStartEvent opens a stream. Message.Content is always empty.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// StreamBlock is the content_block announced by content_block_start. For
// tool_use blocks Input is always the empty object; arguments follow as
// input_json_delta fragments.
type StreamBlock struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ContentBlockStartEvent struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	ContentBlock StreamBlock `json:"content_block"`
}

type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type MessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

type MessageStopEvent struct {
	Type string `json:"type"`
}

// StreamErrorEvent reports a failure after the stream has started.
type StreamErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
