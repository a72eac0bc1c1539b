// Package api defines the stable public interface for Agent Engine.
// All external interactions should use these types.
package api

import (
	"context"
	"time"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Engine Interface
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Engine is the main entry point for all agent interactions.
// All communication happens through event streams.
type Engine interface {
	// Session management
	StartSession(ctx context.Context, opts StartOptions) (sessionID string, err error)
	GetSession(ctx context.Context, sessionID string) (SessionInfo, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// Send triggers a turn, returns event stream (streaming/tool/approval/plan/done/error)
	Send(ctx context.Context, sessionID, message string) (EventStream, error)

	// Resume continues from an interrupt point (approval/cancel/modify), returns same event stream
	Resume(ctx context.Context, sessionID string, decision Decision) (EventStream, error)
}

// StartOptions configures session behavior.
type StartOptions struct {
	ApprovalMode ApprovalMode

	// EmitThinking controls whether to emit thinking events (default: false)
	EmitThinking bool

	// ActiveSkill sets the initial active skill (optional)
	ActiveSkill string
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	SessionID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	ActiveSkill  string
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Approval Mode
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ApprovalMode determines when tool calls require user approval. The wire
// values are exactly "default" | "auto-approve" | "planning".
type ApprovalMode string

const (
	// ModeDefault runs the full three-stage gate: policy lookup, then the
	// learned ApprovalPattern / user-approval decision.
	ModeDefault ApprovalMode = "default"

	// ModeAutoApprove skips straight to an approved decision (still subject
	// to hard policy Deny and workspace/allowed-tools validation).
	ModeAutoApprove ApprovalMode = "auto-approve"

	// ModePlanning narrows the tool set to read-only members; any tool
	// classified RequireApproval, or not classified read-only, is denied
	// immediately with reason "planning mode is read-only".
	ModePlanning ApprovalMode = "planning"

	// ModeSuggest is a teacher-era alias kept for backward compatibility:
	// every tool call is routed through the approval stage regardless of
	// pattern/auto-approve state. Not one of the three spec modes; treated
	// as a stricter variant of ModeDefault.
	ModeSuggest ApprovalMode = "suggest"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Decision
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// DecisionKind represents the type of approval decision a user makes in
// response to a ToolApprovalRequest.
type DecisionKind string

const (
	// DecisionApproveOnce approves this single call and records an approval
	// against the tool's ApprovalPattern.
	DecisionApproveOnce DecisionKind = "approve_once"

	// DecisionApproveAlways approves this call, records an approval, and
	// immediately flips the pattern's auto-approve flag.
	DecisionApproveAlways DecisionKind = "approve_always"

	// DecisionDeny records a denial (resetting the consecutive-approval
	// counter) and fails the call with error "denied by user".
	DecisionDeny DecisionKind = "deny"

	// DecisionModify is an engine extension beyond the spec's Decision
	// vocabulary: it approves the call with user-edited arguments
	// (Decision.ModifiedArgs) in place of the original ones.
	DecisionModify DecisionKind = "modify"
)

// Decision represents a user's response to an approval request.
type Decision struct {
	Kind         DecisionKind
	RequestID    string
	ToolCallID   string
	ModifiedArgs Args // for modify kind
}

// Args is the canonical argument container for tools.
type Args = map[string]any
