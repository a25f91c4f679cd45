// Package tokencount provides token estimation for usage accounting.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for bookkeeping. Can be replaced with a real tokenizer for
// exact counts if needed.
package tokencount

import (
	gateway "github.com/eugener/shadowfax/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total input token count for a canonical
// request, including the system prompt and tool catalog.
func (c *Counter) EstimateRequest(req *gateway.Request) int {
	total := estimateTokens(req.System)
	for _, m := range req.Messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
	}
	for _, t := range req.Tools {
		total += estimateTokens(t.Name)
		total += estimateTokens(t.Description)
		total += estimateTokens(string(t.InputSchema))
	}
	total += 3 // every reply is primed with an assistant preamble
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message token overhead for role and framing.
const messageOverhead = 4
