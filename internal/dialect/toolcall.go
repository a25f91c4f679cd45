// Package dialect holds the translation machinery shared by the OpenAI and
// Anthropic wire dialects: tool-call reconstruction from in-band text
// markers, tool-id normalization, and deduplication.
package dialect

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
)

const markerPrefix = "[Called "

// ParseMarkers scans text for bracket-marker tool calls of the form
// [Called <Name> (<id>) with args: {...}] and returns the remaining text
// with markers removed plus the parsed calls. Matching is bracket-aware:
// a "]" inside a JSON string does not close the marker. Malformed argument
// JSON is repaired when possible and kept raw otherwise; the parser is
// best-effort by design.
func ParseMarkers(text string) (string, []gateway.ToolCall) {
	var calls []gateway.ToolCall
	var out strings.Builder
	rest := text

	for {
		i := strings.Index(rest, markerPrefix)
		if i < 0 {
			out.WriteString(rest)
			break
		}
		call, length, ok := parseMarker(rest[i:])
		if !ok {
			// Not a well-formed marker; keep the literal text and move on.
			out.WriteString(rest[:i+len(markerPrefix)])
			rest = rest[i+len(markerPrefix):]
			continue
		}
		out.WriteString(rest[:i])
		calls = append(calls, call)
		rest = rest[i+length:]
	}

	return strings.TrimSpace(out.String()), calls
}

// parseMarker parses one marker starting at s[0] (which is the prefix).
// Returns the call, the marker's total length, and whether it parsed.
func parseMarker(s string) (gateway.ToolCall, int, bool) {
	p := len(markerPrefix)

	const argsSep = " with args: "
	sep := strings.Index(s[p:], argsSep)
	if sep < 0 {
		return gateway.ToolCall{}, 0, false
	}
	head := s[p : p+sep]
	argsStart := p + sep + len(argsSep)

	name := head
	id := ""
	if j := strings.LastIndex(head, " ("); j >= 0 && strings.HasSuffix(head, ")") {
		name = head[:j]
		id = head[j+2 : len(head)-1]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return gateway.ToolCall{}, 0, false
	}

	args := strings.TrimLeft(s[argsStart:], " ")
	argsStart += len(s[argsStart:]) - len(args)
	if !strings.HasPrefix(args, "{") {
		return gateway.ToolCall{}, 0, false
	}
	length, ok := matchJSONObject(args)
	if !ok {
		return gateway.ToolCall{}, 0, false
	}
	input := args[:length]

	// The closing "]" must follow the JSON, modulo whitespace.
	tail := strings.TrimLeft(args[length:], " \n\t")
	if !strings.HasPrefix(tail, "]") {
		return gateway.ToolCall{}, 0, false
	}
	end := argsStart + length + (len(args[length:]) - len(tail)) + 1

	if !json.Valid([]byte(input)) {
		if repaired := RepairJSON(input); json.Valid([]byte(repaired)) {
			input = repaired
		}
		// Still invalid: keep the raw argument string.
	}

	return gateway.ToolCall{ID: id, Name: name, Input: input}, end, true
}

// matchJSONObject brace-matches a JSON object at s[0], aware of strings and
// escapes. Returns the object length and whether it completes within s.
func matchJSONObject(s string) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		b := s[i]
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

// RepairJSON fixes the two malformations the model is known to produce:
// trailing commas before } or ], and unquoted object keys.
func RepairJSON(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	inString := false
	escaped := false
	expectKey := false // just entered an object or passed a comma inside one
	var stack []byte   // '{' or '['

	for i := 0; i < len(s); i++ {
		b := s[i]

		if inString {
			out.WriteByte(b)
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
			expectKey = false
			out.WriteByte(b)
		case '{':
			stack = append(stack, '{')
			expectKey = true
			out.WriteByte(b)
		case '[':
			stack = append(stack, '[')
			expectKey = false
			out.WriteByte(b)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			expectKey = false
			out.WriteByte(b)
		case ',':
			// Drop a trailing comma: lookahead for a closer.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				expectKey = true
			}
			out.WriteByte(b)
		default:
			if expectKey && isIdentStart(b) {
				// Quote a bare key up to the colon.
				j := i
				for j < len(s) && isIdentChar(s[j]) {
					j++
				}
				k := j
				for k < len(s) && (s[k] == ' ' || s[k] == '\n' || s[k] == '\t') {
					k++
				}
				if k < len(s) && s[k] == ':' {
					out.WriteByte('"')
					out.WriteString(s[i:j])
					out.WriteByte('"')
					i = j - 1
					expectKey = false
					continue
				}
			}
			if b != ' ' && b != '\n' && b != '\t' && b != '\r' {
				expectKey = false
			}
			out.WriteByte(b)
		}
	}
	return out.String()
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentChar(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}

// NormalizeToolID returns id if it already has the canonical form
// toolu_ + 24 alphanumerics, otherwise a fresh canonical id.
func NormalizeToolID(id string) string {
	if isCanonicalToolID(id) {
		return id
	}
	return NewToolID()
}

// NewToolID generates a canonical tool-use id.
func NewToolID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "toolu_" + raw[:24]
}

func isCanonicalToolID(id string) bool {
	if len(id) != len("toolu_")+24 || !strings.HasPrefix(id, "toolu_") {
		return false
	}
	for i := len("toolu_"); i < len(id); i++ {
		b := id[i]
		if !(b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z') {
			return false
		}
	}
	return true
}

// MergeToolCalls combines codec-derived and marker-derived calls,
// deduplicating by (name, input) and normalizing every id.
func MergeToolCalls(groups ...[]gateway.ToolCall) []gateway.ToolCall {
	seen := map[string]bool{}
	var out []gateway.ToolCall
	for _, group := range groups {
		for _, call := range group {
			key := call.Name + "\x00" + call.Input
			if seen[key] {
				continue
			}
			seen[key] = true
			call.ID = NormalizeToolID(call.ID)
			out = append(out, call)
		}
	}
	return out
}
