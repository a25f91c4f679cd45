package gateway

// ToolCollector assembles ToolCalls from a canonical event stream. Feed it
// every event in order; finished calls accumulate and are available from
// Calls, which also flushes a trailing unterminated call.
type ToolCollector struct {
	calls []ToolCall
	cur   *ToolCall
}

// Observe updates the collector with one stream event. Non-tool events are
// ignored.
func (c *ToolCollector) Observe(ev StreamEvent) {
	switch ev.Type {
	case EventToolStart:
		c.flush()
		c.cur = &ToolCall{ID: ev.ToolID, Name: ev.ToolName, Input: ev.Input}
	case EventToolDelta:
		if c.cur != nil {
			c.cur.Input += ev.Input
		}
	case EventToolStop:
		c.flush()
	}
}

// Calls returns every collected tool call, closing any still-open one.
func (c *ToolCollector) Calls() []ToolCall {
	c.flush()
	return c.calls
}

func (c *ToolCollector) flush() {
	if c.cur != nil {
		c.calls = append(c.calls, *c.cur)
		c.cur = nil
	}
}
