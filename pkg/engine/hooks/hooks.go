// Package hooks implements the System Hooks layer from spec.md's
// supplemented features (SPEC_FULL.md §4): named, matcher-gated handlers
// that run immediately before and after tool dispatch. Grounded on
// original_source/system_hooks' PreToolResult/ToolHook split and its
// <system> XML reminder formatting, adapted into the teacher's
// middleware.Chain ordering discipline (ordered slice, run-in-order /
// run-in-reverse).
package hooks

import (
	"context"
	"fmt"
	"strings"

	"AgentEngine/pkg/engine/api"
)

// PreToolVerdict is the result of a pre-tool hook evaluation.
type PreToolVerdict int

const (
	// PreToolAllow lets the tool execute normally.
	PreToolAllow PreToolVerdict = iota
	// PreToolAllowWithMessage lets the tool execute but injects a reminder
	// string into the conversation after execution.
	PreToolAllowWithMessage
	// PreToolBlock stops the tool from executing with a reason.
	PreToolBlock
)

// PreToolResult is returned by a PreToolHook.
type PreToolResult struct {
	Verdict PreToolVerdict
	Message string // set for AllowWithMessage
	Reason  string // set for Block
}

// Allowed reports whether the tool may proceed.
func (r PreToolResult) Allowed() bool { return r.Verdict != PreToolBlock }

// PreToolContext is the input to a PreToolHook.
type PreToolContext struct {
	SessionID string
	ToolName  string
	Args      api.Args
}

// PostToolContext is the input to a PostToolHook.
type PostToolContext struct {
	SessionID  string
	ToolName   string
	Args       api.Args
	ResultJSON []byte
	Success    bool
	DurationMS int64
}

// Matcher decides whether a hook fires for a given tool name. nil matches
// everything.
type Matcher func(toolName string) bool

// MatchTool returns a Matcher that fires only for the named tool.
func MatchTool(name string) Matcher {
	return func(toolName string) bool { return toolName == name }
}

// MatchAny matches every tool.
func MatchAny() Matcher { return func(string) bool { return true } }

// PreToolHook runs before dispatch and can allow, annotate, or block a call.
type PreToolHook struct {
	Name    string
	Matcher Matcher
	Enabled bool
	Handler func(ctx context.Context, pctx PreToolContext) PreToolResult
}

func (h PreToolHook) matches(toolName string) bool {
	return h.Enabled && (h.Matcher == nil || h.Matcher(toolName))
}

// PostToolHook runs after dispatch and may emit a reminder string, folded
// into the next turn context.
type PostToolHook struct {
	Name    string
	Matcher Matcher
	Enabled bool
	Handler func(ctx context.Context, pctx PostToolContext) (message string, ok bool)
}

func (h PostToolHook) matches(toolName string) bool {
	return h.Enabled && (h.Matcher == nil || h.Matcher(toolName))
}

// Registry holds the ordered set of pre/post tool hooks for a session.
type Registry struct {
	pre  []PreToolHook
	post []PostToolHook
}

// NewRegistry constructs an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddPre appends a pre-tool hook, run in registration order.
func (r *Registry) AddPre(h PreToolHook) {
	r.pre = append(r.pre, h)
}

// AddPost appends a post-tool hook, run in registration order.
func (r *Registry) AddPost(h PostToolHook) {
	r.post = append(r.post, h)
}

// RunPre evaluates all matching pre-tool hooks in order. The first Block
// short-circuits the remaining hooks. AllowWithMessage results accumulate
// into the returned message list rather than short-circuiting.
func (r *Registry) RunPre(ctx context.Context, pctx PreToolContext) (allowed bool, blockReason string, messages []string) {
	for _, h := range r.pre {
		if !h.matches(pctx.ToolName) {
			continue
		}
		res := h.Handler(ctx, pctx)
		switch res.Verdict {
		case PreToolBlock:
			return false, res.Reason, messages
		case PreToolAllowWithMessage:
			if res.Message != "" {
				messages = append(messages, res.Message)
			}
		}
	}
	return true, "", messages
}

// RunPost evaluates all matching post-tool hooks in order, collecting
// their reminder strings.
func (r *Registry) RunPost(ctx context.Context, pctx PostToolContext) []string {
	var messages []string
	for _, h := range r.post {
		if !h.matches(pctx.ToolName) {
			continue
		}
		if msg, ok := h.Handler(ctx, pctx); ok && msg != "" {
			messages = append(messages, msg)
		}
	}
	return messages
}

// FormatReminders wraps each message in its own <system> block, separated
// by a blank line, matching the original implementation's XML envelope so
// the model reliably distinguishes injected system reminders from tool
// output or user text.
func FormatReminders(messages []string) string {
	if len(messages) == 0 {
		return ""
	}
	blocks := make([]string, len(messages))
	for i, m := range messages {
		blocks[i] = fmt.Sprintf("<system>\n%s\n</system>", m)
	}
	return strings.Join(blocks, "\n\n")
}
