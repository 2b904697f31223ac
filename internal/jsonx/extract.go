// Package jsonx provides a permissive JSON extractor for parsing model
// output that is supposed to be JSON but is frequently wrapped in prose
// or markdown code fences.
//
// The tool-call payloads this package parses are never guaranteed to be
// clean JSON: providers wrap them in prose or markdown fences. Extract
// strips ```json fences, then scans for the first balanced {...} run
// with string/escape awareness, and never raises — a parse failure just
// means "not JSON", which callers treat as a direct-answer fallback.
package jsonx

import (
	"encoding/json"
	"strings"
)

// Extract finds the first balanced JSON object in s and unmarshals it
// into a map. It tolerates surrounding prose and ```json / ``` fences.
// The second return value is false if no valid JSON object was found.
func Extract(s string) (map[string]any, bool) {
	candidate, ok := findBalancedObject(stripFences(s))
	if !ok {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, false
	}
	return out, true
}

// stripFences removes ```json / ``` / ~~~ code fence markers, keeping
// their inner content intact so the brace scan below can still find it.
func stripFences(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// findBalancedObject scans s for the first top-level {...} span, tracking
// string literals and escape sequences so braces inside string values
// don't throw off the depth count.
func findBalancedObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range s {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if escaped {
			escaped = false
			continue
		}

		switch {
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case !inString && r == '{':
			depth++
		case !inString && r == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}
