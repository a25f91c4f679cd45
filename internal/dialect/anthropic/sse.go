package anthropic

import (
	"encoding/json"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/dialect"
)

// Frame is one Anthropic SSE event: "event: <Event>\ndata: <Data>\n\n".
type Frame struct {
	Event string
	Data  []byte
}

func frame(event string, v map[string]any) Frame {
	b, _ := json.Marshal(v)
	return Frame{Event: event, Data: b}
}

// StreamEncoder produces the Anthropic event sequence for one streamed
// response: message_start, a single text block fed by deltas, tool_use
// blocks buffered until the end, then message_delta and message_stop.
type StreamEncoder struct {
	model     string
	msgID     string
	textOpen  bool
	nextIndex int
}

// NewStreamEncoder returns an encoder for one streamed response.
func NewStreamEncoder(model string) *StreamEncoder {
	return &StreamEncoder{model: model, msgID: newMessageID()}
}

// Start emits message_start.
func (e *StreamEncoder) Start(inputTokens int) []Frame {
	return []Frame{frame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})}
}

// Text emits one text delta, opening the text block on first use.
func (e *StreamEncoder) Text(delta string) []Frame {
	var frames []Frame
	if !e.textOpen {
		e.textOpen = true
		frames = append(frames, frame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         e.nextIndex,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
	}
	frames = append(frames, frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.nextIndex,
		"delta": map[string]any{"type": "text_delta", "text": delta},
	}))
	return frames
}

// Finish closes the text block, emits every collected tool call as its own
// block with the input as one whole input_json_delta, then message_delta
// with the stop reason and message_stop. A non-nil streamErr forces the
// "error" stop reason.
func (e *StreamEncoder) Finish(calls []gateway.ToolCall, usage gateway.Usage, streamErr error) []Frame {
	var frames []Frame
	if e.textOpen {
		frames = append(frames, frame("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": e.nextIndex,
		}))
		e.textOpen = false
		e.nextIndex++
	}

	for _, call := range calls {
		idx := e.nextIndex
		e.nextIndex++
		frames = append(frames,
			frame("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": idx,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    dialect.NormalizeToolID(call.ID),
					"name":  call.Name,
					"input": map[string]any{},
				},
			}),
			frame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Input},
			}),
			frame("content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": idx,
			}),
		)
	}

	stopReason := "end_turn"
	switch {
	case streamErr != nil:
		stopReason = "error"
	case len(calls) > 0:
		stopReason = "tool_use"
	}

	frames = append(frames,
		frame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": usage.OutputTokens},
		}),
		frame("message_stop", map[string]any{"type": "message_stop"}),
	)
	return frames
}
