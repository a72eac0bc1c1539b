// Package dispatch implements the Tool Dispatcher's dispatch-timing and
// per-tool-response-cap concerns (spec.md §4.5) as a thin layer the Turn
// Engine calls around tool.Execute. Gate/approval evaluation and the
// suspend/resume state machine stay in policy.Gate and
// runtime/turn_runner.go — this package only wraps the
// execute-time-and-measure, envelope-normalize, and truncate-if-too-big
// steps so they have one shared, testable home instead of being inlined
// ad hoc at each call site.
package dispatch

import (
	"time"
	"unicode/utf8"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/contextmgr"
)

// Start begins timing a tool call; pair with time.Since(start) at the
// call site (metrics.RecordToolCall, hooks.PostToolContext.DurationMS).
func Start() time.Time {
	return time.Now()
}

// TruncationMarker is appended to a tool result's content when
// ApplyResponseCap cuts it short.
const TruncationMarker = "\n\n[tool response truncated: exceeded the configured token cap]"

// ApplyResponseCap truncates result.Content to limit tokens (spec.md
// §4.5's per-tool-response cap) when both counter and limit are set,
// flagging the envelope truncated and appending TruncationMarker.
// Returns the (possibly unchanged) result and whether truncation
// occurred.
func ApplyResponseCap(result api.ToolResult, counter contextmgr.TokenCounter, limit int) (api.ToolResult, bool) {
	if limit <= 0 || counter == nil {
		return result, false
	}
	if counter.CountText(result.Content) <= limit {
		return result, false
	}
	result.Content = truncateToTokenBudget(counter, result.Content, limit)
	result = api.MarkToolResultTruncated(result, TruncationMarker)
	return result, true
}

// truncateToTokenBudget binary-searches for the longest byte-length
// prefix of content whose token count is within limit, per counter, then
// backs off to the nearest rune boundary.
func truncateToTokenBudget(counter contextmgr.TokenCounter, content string, limit int) string {
	lo, hi := 0, len(content)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.CountText(content[:mid]) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for lo > 0 && !utf8.RuneStart(content[lo]) {
		lo--
	}
	return content[:lo]
}
