// Package anthropic translates between the Anthropic messages wire dialect
// and the canonical internal form.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/dialect"
)

// MessagesRequest is the inbound /v1/messages body.
type MessagesRequest struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature"`
	Tools       []ToolDef       `json:"tools"`
}

// Message carries content either as a plain string or as an array of
// content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ToolDef is an Anthropic tool declaration.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Decode parses an inbound Anthropic request into canonical form. A
// top-level system prompt becomes a leading user turn plus a synthetic
// assistant acknowledgement so alternation is preserved; structured blocks
// are rendered into text markers.
func Decode(body []byte) (*gateway.Request, error) {
	var in MessagesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}
	if in.Model == "" || len(in.Messages) == 0 {
		return nil, fmt.Errorf("%w: model and messages are required", gateway.ErrBadRequest)
	}
	if in.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens is required", gateway.ErrBadRequest)
	}

	var msgs []gateway.Message
	if sys := flattenSystem(in.System); sys != "" {
		msgs = append(msgs,
			gateway.Message{Role: "user", Content: dialect.RenderSystem(sys)},
			gateway.Message{Role: "assistant", Content: "Understood."},
		)
	}
	for _, m := range in.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, gateway.Message{Role: role, Content: flattenContent(m.Content)})
	}

	req := &gateway.Request{
		Model:       in.Model,
		Messages:    dialect.MergeMessages(msgs),
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		Stream:      in.Stream,
	}
	for _, t := range in.Tools {
		if t.Name == "" {
			continue
		}
		req.Tools = append(req.Tools, gateway.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return req, nil
}

// flattenSystem accepts a system prompt as a string or an array of text
// blocks.
func flattenSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// flattenContent renders message content to canonical text. Text blocks
// concatenate; tool_use and tool_result blocks become in-band markers.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}

	var parts []string
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, blk.Text)
		case "tool_use":
			input := "{}"
			if len(blk.Input) > 0 {
				input = string(blk.Input)
			}
			parts = append(parts, fmt.Sprintf("[Called %s (%s) with args: %s]", blk.Name, blk.ID, input))
		case "tool_result":
			tag := ""
			if blk.IsError {
				tag = "[Error]"
			}
			parts = append(parts, fmt.Sprintf("[Tool result (%s)%s: %s]",
				blk.ToolUseID, tag, flattenContent(blk.Content)))
		}
	}
	return strings.Join(parts, "\n")
}

// newMessageID returns an Anthropic-style message id.
func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// toolInput returns the call input as a JSON value: parsed when valid,
// wrapped as a string otherwise.
func toolInput(input string) json.RawMessage {
	if json.Valid([]byte(input)) && strings.HasPrefix(strings.TrimSpace(input), "{") {
		return json.RawMessage(input)
	}
	b, _ := json.Marshal(input)
	return b
}

// EncodeMessage renders a non-streaming messages response. Marker text is
// stripped; marker-derived tool calls merge with codec-derived ones.
func EncodeMessage(model string, comp *gateway.Completion) []byte {
	text, markerCalls := dialect.ParseMarkers(comp.Text)
	calls := dialect.MergeToolCalls(comp.ToolCalls, markerCalls)

	var content []map[string]any
	if text != "" || len(calls) == 0 {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, call := range calls {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": toolInput(call.Input),
		})
	}

	stopReason := "end_turn"
	if len(calls) > 0 {
		stopReason = "tool_use"
	}

	b, _ := json.Marshal(map[string]any{
		"id":            newMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  comp.Usage.InputTokens,
			"output_tokens": comp.Usage.OutputTokens,
		},
	})
	return b
}

// ErrorBody renders an Anthropic-dialect error object.
func ErrorBody(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	return b
}
