package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/coder/airouter/wire"
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToChatRequest converts a Messages request into a Chat Completions request
// for model.
func ToChatRequest(in *wire.MessagesRequest, model string) (*wire.ChatRequest, error) {
	if model == "" {
		model = in.Model
	}
	out := &wire.ChatRequest{
		Model:       model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
	}
	if in.Stream {
		out.StreamOptions = &wire.StreamOptions{IncludeUsage: true}
	}
	if in.Metadata != nil {
		out.User = in.Metadata.UserID
	}

	if sys := in.System.Text(); sys != "" {
		out.Messages = append(out.Messages, wire.ChatMessage{Role: wire.RoleSystem, Content: sys})
	}

	for i, msg := range in.Messages {
		switch msg.Role {
		case wire.RoleUser:
			out.Messages = append(out.Messages, convertUserMessage(msg.Content)...)
		case wire.RoleAssistant:
			out.Messages = append(out.Messages, convertAssistantMessage(msg.Content))
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}

	for _, tool := range in.Tools {
		params := tool.InputSchema
		if len(params) == 0 {
			params = emptySchema
		}
		out.Tools = append(out.Tools, wire.ChatTool{
			Type: "function",
			Function: wire.FunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	// tool_choice is only valid alongside tools.
	if len(out.Tools) > 0 && in.ToolChoice != nil {
		switch in.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "none":
			out.ToolChoice = "none"
		case "tool":
			var named wire.NamedToolChoice
			named.Type = "function"
			named.Function.Name = in.ToolChoice.Name
			out.ToolChoice = named
		}
	}

	return out, nil
}

// convertUserMessage emits tool results first, as "tool" messages, followed by
// the remaining content as a single user message.
func convertUserMessage(content wire.Content) []wire.ChatMessage {
	var (
		out   []wire.ChatMessage
		parts []wire.ContentPart
	)
	for _, b := range content {
		switch b.Type {
		case wire.BlockToolResult:
			text := wire.TextOf(b.Content)
			if b.IsError && text == "" {
				text = "error"
			}
			out = append(out, wire.ChatMessage{Role: wire.RoleTool, ToolCallID: b.ToolUseID, Content: text})
		case wire.BlockText:
			parts = append(parts, wire.ContentPart{Type: "text", Text: b.Text})
		case wire.BlockImage:
			if url := imageURL(b.Source); url != "" {
				parts = append(parts, wire.ContentPart{Type: "image_url", ImageURL: &wire.ImageURL{URL: url}})
			}
		}
	}

	switch {
	case len(parts) == 1 && parts[0].Type == "text":
		out = append(out, wire.ChatMessage{Role: wire.RoleUser, Content: parts[0].Text})
	case len(parts) > 0:
		out = append(out, wire.ChatMessage{Role: wire.RoleUser, Content: parts})
	}
	return out
}

func convertAssistantMessage(content wire.Content) wire.ChatMessage {
	msg := wire.ChatMessage{Role: wire.RoleAssistant}
	if text := wire.TextOf(content); text != "" {
		msg.Content = text
	}
	for _, b := range content {
		if b.Type != wire.BlockToolUse {
			continue
		}
		args := string(b.Input)
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, wire.ToolCall{
			ID:       b.ID,
			Type:     "function",
			Function: wire.FunctionCall{Name: b.Name, Arguments: args},
		})
	}
	return msg
}

func imageURL(src *wire.ImageSource) string {
	if src == nil {
		return ""
	}
	switch src.Type {
	case "base64":
		return "data:" + src.MediaType + ";base64," + src.Data
	case "url":
		return src.URL
	default:
		return ""
	}
}

// FromChatResponse converts a whole Chat Completions response. model is used
// when the response does not name one.
func FromChatResponse(in *wire.ChatResponse, model string) *wire.MessagesResponse {
	out := &wire.MessagesResponse{
		ID:      messageID(in.ID),
		Type:    "message",
		Role:    wire.RoleAssistant,
		Model:   in.Model,
		Content: []wire.ContentBlock{},
	}
	if out.Model == "" {
		out.Model = model
	}
	if in.Usage != nil {
		out.Usage = usageFromChat(in.Usage)
	}

	if len(in.Choices) == 0 {
		out.StopReason = wire.StopEndTurn
		return out
	}

	choice := in.Choices[0]
	if c := choice.Message.Content; c != nil && *c != "" {
		out.Content = append(out.Content, wire.ContentBlock{Type: wire.BlockText, Text: *c})
	} else if r := choice.Message.Refusal; r != nil && *r != "" {
		out.Content = append(out.Content, wire.ContentBlock{Type: wire.BlockText, Text: *r})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, wire.ContentBlock{
			Type:  wire.BlockToolUse,
			ID:    toolUseID(tc.ID),
			Name:  tc.Function.Name,
			Input: toolInput(tc.Function.Arguments),
		})
	}
	out.StopReason = stopReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0)
	return out
}

func usageFromChat(u *wire.ChatUsage) wire.Usage {
	usage := wire.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

// stopReason maps an OpenAI finish_reason to an Anthropic stop_reason.
func stopReason(finish string, sawToolCalls bool) string {
	switch finish {
	case wire.FinishLength:
		return wire.StopMaxTokens
	case wire.FinishToolCalls, wire.FinishFunctionCall:
		return wire.StopToolUse
	case wire.FinishContentFilter:
		return wire.StopRefusal
	default:
		// Some servers report "stop" even when the turn ended in tool calls.
		if sawToolCalls {
			return wire.StopToolUse
		}
		return wire.StopEndTurn
	}
}

// toolInput returns arguments as a JSON object, or an empty object when the
// provider sent something unparseable.
func toolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func messageID(id string) string {
	if id == "" {
		return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if strings.HasPrefix(id, "msg_") {
		return id
	}
	return "msg_" + id
}

func toolUseID(id string) string {
	if id == "" {
		return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return id
}
