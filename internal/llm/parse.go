package llm

import (
	"encoding/json"
	"strings"
)

// parseJSONObject decodes a JSON object from raw model output. Code fences
// are stripped first; if the remainder still fails to parse, the first
// balanced {...} span is tried before giving up.
func parseJSONObject(raw string, out any) bool {
	cleaned := stripFences(raw)
	if json.Unmarshal([]byte(cleaned), out) == nil {
		return true
	}
	if span, ok := firstObjectSpan(cleaned); ok {
		return json.Unmarshal([]byte(span), out) == nil
	}
	return false
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// firstObjectSpan returns the first balanced top-level {...} span, tracking
// strings so braces inside quoted values don't break the balance.
func firstObjectSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escape {
			escape = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escape = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
