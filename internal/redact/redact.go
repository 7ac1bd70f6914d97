// Package redact scrubs secret-shaped substrings from text and nested
// structures before they reach the LLM or durable storage.
package redact

import (
	"regexp"
)

const placeholder = "[REDACTED]"

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(password|secret|token)\s*=\s*[^\s,;]+`),
	regexp.MustCompile(`\b[A-Za-z0-9+/]{32,}={0,2}\b`),
}

// Text replaces likely secrets in arbitrary text.
func Text(text string) string {
	out := text
	for _, p := range patterns {
		out = p.ReplaceAllString(out, placeholder)
	}
	return out
}

// Object recursively redacts strings inside maps and slices. Non-string
// leaves pass through unchanged.
func Object(value any) any {
	switch v := value.(type) {
	case string:
		return Text(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Object(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Object(item)
		}
		return out
	default:
		return value
	}
}
