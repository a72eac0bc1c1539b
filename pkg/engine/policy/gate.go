package policy

import (
	"context"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/approval"
)

// GateOutcome is the result kind of a Gate.Evaluate call.
type GateOutcome int

const (
	// GateApproved admits the call without a user prompt (hard Allow,
	// AutoApprove mode, or a learned auto-approve pattern).
	GateApproved GateOutcome = iota
	// GateDenied rejects the call without a user prompt (planning-mode
	// filter or a hard policy Deny).
	GateDenied
	// GateNeedsApproval means stage 3 must suspend the turn on a
	// ToolApprovalRequest and wait for a Decision.
	GateNeedsApproval
)

// GateResult is the outcome of evaluating the three-stage gate for a single
// tool call, per spec.md §4.3.
type GateResult struct {
	Outcome       GateOutcome
	Reason        string
	ErrorCode     string
	Risk          api.RiskLevel
	ApprovalCount int
	Suggestion    string
}

// Gate implements the full three-stage Approval/Policy gate: mode filter,
// policy lookup, and (via the approval Recorder) the learned-pattern
// decision.
type Gate struct {
	policy   Policy
	recorder *approval.Recorder
}

// NewGate constructs a Gate over the given Policy and ApprovalPattern
// recorder.
func NewGate(p Policy, r *approval.Recorder) *Gate {
	return &Gate{policy: p, recorder: r}
}

// Evaluate runs stages 1–3 for a single tool call. On GateNeedsApproval the
// caller (the Turn Engine) is responsible for emitting ToolApprovalRequest,
// suspending for a Decision, and calling Resolve with that decision.
func (g *Gate) Evaluate(ctx context.Context, pctx api.PolicyContext, tool Tool, args api.Args) GateResult {
	// Stage 1: mode filter.
	if pctx.ApprovalMode == api.ModePlanning {
		cls := g.policy.Classify(tool.Name())
		if cls == PolicyRequireApproval || !g.policy.IsReadOnly(tool.Name()) {
			return GateResult{
				Outcome:   GateDenied,
				Reason:    "planning mode is read-only",
				ErrorCode: api.ErrPolicyDeniedByPlanning,
			}
		}
		return GateResult{Outcome: GateApproved, Reason: "read-only tool permitted in planning mode"}
	}

	// Stage 2: policy lookup (AutoApprove still respects a hard Deny).
	cls := g.policy.Classify(tool.Name())
	if cls == PolicyDeny {
		return GateResult{
			Outcome:   GateDenied,
			Reason:    "tool denied by policy",
			ErrorCode: api.ErrPolicyDeniedByPolicy,
		}
	}

	if pctx.ApprovalMode == api.ModeAutoApprove {
		return GateResult{Outcome: GateApproved, Reason: "auto-approve mode"}
	}

	if cls == PolicyAllow && pctx.ApprovalMode != api.ModeSuggest {
		return GateResult{Outcome: GateApproved, Reason: "tool allowed by policy"}
	}

	// Stage 3: approval decision.
	risk := g.policy.RiskLevel(tool, args)
	pattern := g.recorder.Pattern(tool.Name())
	if pattern.AutoApprove && pctx.ApprovalMode != api.ModeSuggest {
		return GateResult{Outcome: GateApproved, Reason: "auto-approved by learned pattern", Risk: risk}
	}

	return GateResult{
		Outcome:       GateNeedsApproval,
		Risk:          risk,
		ApprovalCount: pattern.Approvals,
		Suggestion:    g.recorder.Suggestion(tool.Name()),
	}
}

// Resolve applies a user Decision reached for a GateNeedsApproval outcome,
// updating the learned ApprovalPattern accordingly.
func (g *Gate) Resolve(ctx context.Context, toolName string, decision api.DecisionKind) error {
	switch decision {
	case api.DecisionApproveOnce:
		return g.recorder.RecordApprove(ctx, toolName, false)
	case api.DecisionApproveAlways:
		return g.recorder.RecordApprove(ctx, toolName, true)
	case api.DecisionDeny:
		return g.recorder.RecordDeny(ctx, toolName)
	default:
		// DecisionModify is an engine extension: treated as an approval of
		// the (user-edited) call without advancing the learned pattern.
		return nil
	}
}
