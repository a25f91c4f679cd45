package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
)

// modelTable maps the external model ids to the upstream's internal ids.
var modelTable = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// mapModel returns the internal model id, falling back to the external id
// for models not in the table (e.g. amazonq passthrough ids).
func mapModel(external string) string {
	if internal, ok := modelTable[external]; ok {
		return internal
	}
	return external
}

// Wire envelope types for generateAssistantResponse.

type wireRequest struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  currentMessage `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

type currentMessage struct {
	UserInputMessage userInputMessage `json:"userInputMessage"`
}

// historyEntry holds exactly one of its two fields.
type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content string            `json:"content"`
	ModelID string            `json:"modelId"`
	Origin  string            `json:"origin"`
	Context *userInputContext `json:"userInputMessageContext,omitempty"`
}

type assistantResponseMessage struct {
	Content string `json:"content"`
}

type userInputContext struct {
	Tools []toolEntry `json:"tools,omitempty"`
}

type toolEntry struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

const originAIEditor = "AI_EDITOR"

// buildWireRequest folds a canonical request into the conversationState
// envelope: all messages but the last become history, the last user
// message becomes currentMessage. The system prompt is fused into the
// first user content.
func buildWireRequest(req *gateway.Request, profileARN string) *wireRequest {
	modelID := mapModel(req.Model)
	msgs := fuseSystem(req)

	var history []historyEntry
	for _, m := range msgs[:len(msgs)-1] {
		if m.Role == "assistant" {
			history = append(history, historyEntry{
				AssistantResponseMessage: &assistantResponseMessage{Content: m.Content},
			})
		} else {
			history = append(history, historyEntry{
				UserInputMessage: &userInputMessage{
					Content: m.Content,
					ModelID: modelID,
					Origin:  originAIEditor,
				},
			})
		}
	}

	last := msgs[len(msgs)-1]
	content := last.Content
	if content == "" {
		content = "Continue"
	}
	cur := userInputMessage{
		Content: content,
		ModelID: modelID,
		Origin:  originAIEditor,
	}
	if len(req.Tools) > 0 {
		ctx := &userInputContext{}
		for _, t := range req.Tools {
			ctx.Tools = append(ctx.Tools, toolEntry{ToolSpecification: toolSpecification{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			}})
		}
		cur.Context = ctx
	}

	return &wireRequest{
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
			CurrentMessage:  currentMessage{UserInputMessage: cur},
			History:         history,
		},
		ProfileARN: profileARN,
	}
}

// fuseSystem folds the system prompt into the message list and guarantees
// the list is non-empty and ends with a user turn to occupy currentMessage.
func fuseSystem(req *gateway.Request) []gateway.Message {
	msgs := make([]gateway.Message, len(req.Messages))
	copy(msgs, req.Messages)

	if sys := strings.TrimSpace(req.System); sys != "" {
		fused := false
		for i := range msgs {
			if msgs[i].Role == "user" {
				msgs[i].Content = "[System]: " + sys + "\n\n" + msgs[i].Content
				fused = true
				break
			}
		}
		if !fused {
			// No user turn to fuse into: lead with the system text and a
			// synthetic assistant reply to preserve alternation.
			msgs = append([]gateway.Message{
				{Role: "user", Content: "[System]: " + sys},
				{Role: "assistant", Content: "Continue"},
			}, msgs...)
		}
	}

	if len(msgs) == 0 {
		msgs = []gateway.Message{{Role: "user", Content: "Continue"}}
	}
	if msgs[len(msgs)-1].Role != "user" {
		msgs = append(msgs, gateway.Message{Role: "user", Content: "Continue"})
	}
	return msgs
}
