// Package openai translates between the OpenAI chat-completions wire
// dialect and the canonical internal form.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/dialect"
)

// ChatRequest is the inbound /v1/chat/completions body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature"`
	Tools       []Tool        `json:"tools"`
}

// ChatMessage carries content either as a plain string or as an array of
// typed parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Tool is the OpenAI function-tool wrapper.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// Decode parses an inbound OpenAI request into canonical form: multi-part
// content flattened to text, system messages rewritten as user turns, and
// consecutive same-role messages merged.
func Decode(body []byte) (*gateway.Request, error) {
	var in ChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}
	if in.Model == "" || len(in.Messages) == 0 {
		return nil, fmt.Errorf("%w: model and messages are required", gateway.ErrBadRequest)
	}

	var msgs []gateway.Message
	for _, m := range in.Messages {
		text := flattenContent(m.Content)
		switch m.Role {
		case "system", "developer":
			msgs = append(msgs, gateway.Message{Role: "user", Content: dialect.RenderSystem(text)})
		case "assistant":
			msgs = append(msgs, gateway.Message{Role: "assistant", Content: text})
		default:
			// user, tool, and anything else arrive as user turns.
			msgs = append(msgs, gateway.Message{Role: "user", Content: text})
		}
	}

	req := &gateway.Request{
		Model:       in.Model,
		Messages:    dialect.MergeMessages(msgs),
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		Stream:      in.Stream,
	}
	for _, t := range in.Tools {
		if t.Function.Name == "" {
			continue
		}
		req.Tools = append(req.Tools, gateway.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req, nil
}

// flattenContent reduces a content value to plain text: strings pass
// through, part arrays keep only their text parts.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// newID returns a chat-completion object id.
func newID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// EncodeCompletion renders a non-streaming chat-completion response.
// Marker text is stripped; marker-derived tool calls merge with the
// codec-derived ones.
func EncodeCompletion(model string, comp *gateway.Completion) []byte {
	text, markerCalls := dialect.ParseMarkers(comp.Text)
	calls := dialect.MergeToolCalls(comp.ToolCalls, markerCalls)

	finish := "stop"
	message := map[string]any{
		"role":    "assistant",
		"content": text,
	}
	if len(calls) > 0 {
		finish = "tool_calls"
		var tc []map[string]any
		for _, call := range calls {
			tc = append(tc, map[string]any{
				"id":   call.ID,
				"type": "function",
				"function": map[string]any{
					"name":      call.Name,
					"arguments": call.Input,
				},
			})
		}
		message["tool_calls"] = tc
	}

	out := map[string]any{
		"id":      newID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     comp.Usage.InputTokens,
			"completion_tokens": comp.Usage.OutputTokens,
			"total_tokens":      comp.Usage.InputTokens + comp.Usage.OutputTokens,
		},
	}
	b, _ := json.Marshal(out)
	return b
}

// ErrorBody renders an OpenAI-dialect error object.
func ErrorBody(errType, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	return b
}
