package dialect

import (
	"strings"

	gateway "github.com/eugener/shadowfax/internal"
)

// MergeMessages collapses consecutive messages with the same role into one,
// joining their contents with a blank line. The upstream envelope requires
// alternating turns.
func MergeMessages(msgs []gateway.Message) []gateway.Message {
	var out []gateway.Message
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			if m.Content != "" {
				if out[n-1].Content != "" {
					out[n-1].Content += "\n\n"
				}
				out[n-1].Content += m.Content
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// SystemPrefix marks a rewritten system message in the canonical form.
const SystemPrefix = "[System]: "

// RenderSystem rewrites system text into a canonical user message body.
func RenderSystem(text string) string {
	return SystemPrefix + strings.TrimSpace(text)
}
