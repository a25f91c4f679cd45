// Package kiro implements the CodeWhisperer upstream client: the wire
// codec for its event stream, request envelope construction, retries, and
// the usage-limits probe.
package kiro

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// The upstream interleaves JSON objects with framing bytes. The decoder
// scans for the earliest of these object prefixes and brace-matches from
// there; everything between objects is discarded as framing noise.
var sentinels = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"contextUsagePercentage":`),
}

var maxSentinelLen = func() int {
	n := 0
	for _, s := range sentinels {
		if len(s) > n {
			n = len(s)
		}
	}
	return n
}()

// Decoder turns the upstream's chunked JSON-delta stream into typed
// events. Feed it raw body bytes (or decoded frame payloads); it keeps an
// incomplete tail across calls. Not safe for concurrent use.
type Decoder struct {
	buf []byte

	curToolID   string
	lastText    string
	lastWasText bool

	logger *slog.Logger
}

// NewDecoder returns a Decoder. A nil logger uses slog.Default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends a chunk to the rolling buffer and returns every event
// completed by it. Incomplete objects stay buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []gateway.StreamEvent {
	d.buf = append(d.buf, chunk...)

	var events []gateway.StreamEvent
	for {
		start := earliestSentinel(d.buf)
		if start < 0 {
			// No object start in the buffer. Keep only a tail that could
			// be a sentinel split across chunks; the rest is noise.
			if keep := maxSentinelLen - 1; len(d.buf) > keep {
				d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
			}
			return events
		}

		length, ok := matchObject(d.buf[start:])
		if !ok {
			// Object incomplete. Retain from its start and wait for more.
			d.buf = append(d.buf[:0], d.buf[start:]...)
			return events
		}

		obj := make([]byte, length)
		copy(obj, d.buf[start:start+length])
		d.buf = append(d.buf[:0], d.buf[start+length:]...)

		events = append(events, d.classify(obj)...)
	}
}

// earliestSentinel returns the lowest offset at which any sentinel prefix
// begins, or -1.
func earliestSentinel(buf []byte) int {
	best := -1
	for _, s := range sentinels {
		if i := bytes.Index(buf, s); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// matchObject brace-matches a JSON object starting at buf[0], aware of
// strings and escapes. Returns the object length and whether it is
// complete within buf.
func matchObject(buf []byte) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, b := range buf {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{':
			depth++
		case b == '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func (d *Decoder) classify(obj []byte) []gateway.StreamEvent {
	var events []gateway.StreamEvent

	switch {
	case gjson.GetBytes(obj, "name").Exists() && gjson.GetBytes(obj, "toolUseId").Exists():
		id := gjson.GetBytes(obj, "toolUseId").String()
		input := gjson.GetBytes(obj, "input").String()
		if id == d.curToolID && d.curToolID != "" {
			// Continuation of the current call: only the fragment matters.
			if input != "" {
				events = append(events, gateway.StreamEvent{Type: gateway.EventToolDelta, Input: input})
			}
		} else {
			d.curToolID = id
			events = append(events, gateway.StreamEvent{
				Type:     gateway.EventToolStart,
				ToolID:   id,
				ToolName: gjson.GetBytes(obj, "name").String(),
				Input:    input,
			})
		}
		if gjson.GetBytes(obj, "stop").Bool() {
			d.curToolID = ""
			events = append(events, gateway.StreamEvent{Type: gateway.EventToolStop})
		}
		d.lastWasText = false

	case gjson.GetBytes(obj, "input").Exists():
		events = append(events, gateway.StreamEvent{
			Type:  gateway.EventToolDelta,
			Input: gjson.GetBytes(obj, "input").String(),
		})
		d.lastWasText = false

	case gjson.GetBytes(obj, "stop").Exists():
		d.curToolID = ""
		events = append(events, gateway.StreamEvent{Type: gateway.EventToolStop})
		d.lastWasText = false

	case gjson.GetBytes(obj, "contextUsagePercentage").Exists():
		events = append(events, gateway.StreamEvent{
			Type:       gateway.EventContextUsage,
			ContextPct: gjson.GetBytes(obj, "contextUsagePercentage").Float(),
		})
		d.lastWasText = false

	case gjson.GetBytes(obj, "content").Exists():
		if gjson.GetBytes(obj, "followupPrompt").Exists() {
			break
		}
		text := gjson.GetBytes(obj, "content").String()
		if text == "" {
			break
		}
		// The upstream occasionally repeats a delta verbatim.
		if d.lastWasText && text == d.lastText {
			d.logger.Debug("suppressed duplicate content delta", "len", len(text))
			break
		}
		d.lastText = text
		d.lastWasText = true
		events = append(events, gateway.StreamEvent{Type: gateway.EventText, Text: text})
	}

	return events
}

// readFrames decodes AWS binary event-stream framing from r, passing each
// event payload to fn. Exception frames become errors.
func readFrames(r io.Reader, fn func(payload []byte) error) error {
	decoder := eventstream.NewDecoder()
	for {
		msg, err := decoder.Decode(r, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode event stream frame: %w", err)
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception":
			exType := headerValue(msg.Headers, ":exception-type")
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			return fmt.Errorf("%w: %s: %s", gateway.ErrUpstreamError, exType, payload)
		case "event", "":
			if err := fn(msg.Payload); err != nil {
				return err
			}
		}
	}
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}
