// Package wire holds the JSON shapes of the Anthropic Messages and OpenAI Chat
// Completions APIs as far as the gateway needs to read or produce them.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Anthropic content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// Anthropic stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopSequence     = "stop_sequence"
	StopToolUse      = "tool_use"
	StopRefusal      = "refusal"
	StopPauseTurn    = "pause_turn"
	ErrorTypeAPI     = "api_error"
	ErrorTypeInvalid = "invalid_request_error"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice is one of auto, any, tool (with Name) or none.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// SystemPrompt accepts either a plain string or an array of text blocks.
type SystemPrompt []ContentBlock

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	blocks, err := decodeContent(data)
	if err != nil {
		return fmt.Errorf("system: %w", err)
	}
	*s = blocks
	return nil
}

// Text joins the text of every block with newlines.
func (s SystemPrompt) Text() string {
	parts := make([]string, 0, len(s))
	for _, b := range s {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content accepts either a plain string or an array of content blocks. A
// string is decoded as a single text block.
type Content []ContentBlock

func (c *Content) UnmarshalJSON(data []byte) error {
	blocks, err := decodeContent(data)
	if err != nil {
		return err
	}
	*c = blocks
	return nil
}

type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   Content `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// TextOf concatenates the text blocks in c.
func TextOf(c []ContentBlock) string {
	var sb strings.Builder
	for _, b := range c {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func decodeContent(data []byte) ([]ContentBlock, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// MessagesResponse is a whole (non-streaming) /v1/messages response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(typ, msg string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: typ, Message: msg}}
}

// ErrorTypeForStatus maps an HTTP status to the Anthropic error type used for it.
func ErrorTypeForStatus(code int) string {
	switch code {
	case 400, 422:
		return ErrorTypeInvalid
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 413:
		return "request_too_large"
	case 429:
		return "rate_limit_error"
	case 503, 529:
		return "overloaded_error"
	default:
		if code >= 400 && code < 500 {
			return ErrorTypeInvalid
		}
		return ErrorTypeAPI
	}
}
