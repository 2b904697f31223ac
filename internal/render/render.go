// Package render formats tool results into the human-readable text that
// becomes a ToolMessage's content during synthesis.
//
// Grounded on the original agentic-core's AgentWorkflow._format_tool_result,
// which renders dicts, lists, and scalars differently so the synthesis
// prompt reads naturally instead of as a JSON dump.
package render

import (
	"fmt"
	"sort"
	"strings"
)

// ToolResult renders a tool's payload for a given tool name into a single
// string suitable for a ToolMessage's content.
func ToolResult(toolName string, status string, payload any, errMsg string) string {
	if status != "success" {
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return fmt.Sprintf("[%s ERROR]: %s", toolName, errMsg)
	}

	return fmt.Sprintf("[%s RESULT]: %s", toolName, renderValue(payload, 0))
}

func renderValue(v any, depth int) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return renderMap(val, depth)
	case []any:
		return renderList(val, depth)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func renderMap(m map[string]any, depth int) string {
	if len(m) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	indent := strings.Repeat("  ", depth+1)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s%s: %s", indent, k, renderValue(m[k], depth+1))
	}
	return b.String()
}

func renderList(items []any, depth int) string {
	if len(items) == 0 {
		return "[]"
	}

	indent := strings.Repeat("  ", depth+1)
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "\n%s- %s", indent, renderValue(item, depth+1))
	}
	return b.String()
}
