package openai

import (
	"encoding/json"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// StreamEncoder produces OpenAI streaming chunk payloads for one response.
// The caller frames each payload as an SSE data line and terminates the
// stream with the [DONE] sentinel.
type StreamEncoder struct {
	id      string
	model   string
	created int64
}

// NewStreamEncoder returns an encoder for one streamed completion.
func NewStreamEncoder(model string) *StreamEncoder {
	return &StreamEncoder{id: newID(), model: model, created: time.Now().Unix()}
}

func (e *StreamEncoder) chunk(delta map[string]any, finish any) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	})
	return b
}

// Role is the initial chunk announcing the assistant role.
func (e *StreamEncoder) Role() []byte {
	return e.chunk(map[string]any{"role": "assistant"}, nil)
}

// Text is one content delta chunk.
func (e *StreamEncoder) Text(delta string) []byte {
	return e.chunk(map[string]any{"content": delta}, nil)
}

// Finish is the terminal chunk carrying the finish reason and usage.
func (e *StreamEncoder) Finish(reason string, usage gateway.Usage) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": reason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	})
	return b
}
