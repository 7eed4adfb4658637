package scanner

import (
	"encoding/json"
	"fmt"
)

// ScanEvent classifies a structured event. The text to scan is pulled
// out of the payload by a fixed precedence so that LLM requests, tool
// invocations, and raw command events all land on their user-facing
// content:
//
//	content > prompt > command > request.body > args
//
// then the flattened attribute keys llm.response.content and
// llm.request.data.{messages,prompt}. Chat-message arrays scan only the
// last user message; when no user role is identifiable the whole
// structure is stringified and scanned.
func (s *Scanner) ScanEvent(event map[string]any) Result {
	if len(event) == 0 {
		return None()
	}
	text := ExtractText(event)
	if text == "" {
		return None()
	}
	return s.ScanText(text)
}

// ExtractText resolves the scannable text of an event payload.
func ExtractText(event map[string]any) string {
	for _, key := range []string{"content", "prompt", "command"} {
		if t := asText(event[key]); t != "" {
			return t
		}
	}
	if req, ok := event["request"].(map[string]any); ok {
		if t := asText(req["body"]); t != "" {
			return t
		}
	}
	if t := asText(event["args"]); t != "" {
		return t
	}

	if msgs, ok := event["messages"]; ok {
		if t := lastUserMessage(msgs); t != "" {
			return t
		}
	}

	if attrs, ok := event["attributes"].(map[string]any); ok {
		if t := extractFromAttributes(attrs); t != "" {
			return t
		}
		return stringify(attrs)
	}

	return stringify(event)
}

// extractFromAttributes handles the flattened OpenTelemetry-style keys
// the event pipeline produces.
func extractFromAttributes(attrs map[string]any) string {
	if v, ok := attrs["llm.response.content"]; ok {
		if t := contentBlocksText(v); t != "" {
			return t
		}
	}
	if data, ok := attrs["llm.request.data"].(map[string]any); ok {
		if msgs, ok := data["messages"]; ok {
			if t := lastUserMessage(msgs); t != "" {
				return t
			}
		}
		if t := asText(data["prompt"]); t != "" {
			return t
		}
	}
	return ""
}

// lastUserMessage returns the content of the last message whose role is
// "user". When roles are absent the whole array is stringified so no
// input escapes scanning.
func lastUserMessage(v any) string {
	msgs, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			msgs = make([]any, len(typed))
			for i, m := range typed {
				msgs[i] = m
			}
		} else {
			return asText(v)
		}
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		m, ok := msgs[i].(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "user" {
			if t := contentBlocksText(m["content"]); t != "" {
				return t
			}
		}
	}

	// No identifiable user message: fall back to the whole structure.
	return stringify(msgs)
}

// contentBlocksText flattens either a plain string or a provider-style
// list of content blocks ({"type":"text","text":...}).
func contentBlocksText(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []any:
		var out string
		for _, block := range typed {
			switch b := block.(type) {
			case string:
				out += b
			case map[string]any:
				if t := asText(b["text"]); t != "" {
					out += t
				} else if t := asText(b["content"]); t != "" {
					out += t
				}
			}
		}
		return out
	case map[string]any:
		if t := asText(typed["text"]); t != "" {
			return t
		}
		return stringify(typed)
	default:
		return asText(v)
	}
}

func asText(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []string:
		out := ""
		for i, s := range typed {
			if i > 0 {
				out += " "
			}
			out += s
		}
		return out
	case []any:
		out := ""
		for i, e := range typed {
			s, ok := e.(string)
			if !ok {
				return ""
			}
			if i > 0 {
				out += " "
			}
			out += s
		}
		return out
	default:
		return ""
	}
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
