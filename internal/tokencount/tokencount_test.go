package tokencount

import (
	"testing"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	empty := c.EstimateRequest(&gateway.Request{})
	if empty < 1 {
		t.Errorf("empty request = %d, want >= 1", empty)
	}

	small := c.EstimateRequest(&gateway.Request{
		Messages: []gateway.Message{{Role: "user", Content: "Hi"}},
	})
	big := c.EstimateRequest(&gateway.Request{
		System:   "You are a helpful assistant.",
		Messages: []gateway.Message{{Role: "user", Content: "Explain the plan in detail, step by step."}},
		Tools:    []gateway.ToolSpec{{Name: "search", Description: "web search"}},
	})
	if big <= small {
		t.Errorf("big request (%d) should estimate above small (%d)", big, small)
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	if got := c.CountText(""); got != 1 {
		t.Errorf("empty text = %d, want 1", got)
	}
	if got := c.CountText("abcdefgh"); got != 2 {
		t.Errorf("8 chars = %d, want 2", got)
	}
}
