package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/policy"
	"AgentEngine/pkg/engine/tools"
)

// maybeAutoSaveSkillOutput persists a turn's assistant output to a file when
// the active skill declares an autosave_path template in its frontmatter
// metadata (e.g. "notes/{session_id}/{seq}.md"), so skills that produce a
// durable artifact (a report, a generated file, a plan) don't depend on the
// model itself remembering to call write_file.
func (r *TurnRunner) maybeAutoSaveSkillOutput(ctx context.Context, state *api.State, userMessage, assistantContent string) (loopOutcome, bool, error) {
	if r.session == nil || r.cfg.SkillIndex == nil {
		return loopOutcomeCompleted, false, nil
	}
	if strings.TrimSpace(r.session.ActiveSkill) == "" {
		return loopOutcomeCompleted, false, nil
	}
	if strings.TrimSpace(assistantContent) == "" {
		return loopOutcomeCompleted, false, nil
	}

	sk, err := r.cfg.SkillIndex.Load(r.session.ActiveSkill)
	if err != nil || sk == nil || sk.Metadata == nil {
		return loopOutcomeCompleted, false, nil
	}
	template := strings.TrimSpace(sk.Metadata["autosave_path"])
	if template == "" {
		return loopOutcomeCompleted, false, nil
	}

	path := r.expandAutosavePath(template)
	if path == "" {
		return loopOutcomeCompleted, false, nil
	}

	outcome, did, err := r.proposeAndMaybeExecuteTool(ctx, state, "write_file", api.Args{
		"path":    path,
		"content": assistantContent,
	}, true)
	return outcome, did, err
}

// expandAutosavePath substitutes {session_id}, {skill}, {turn}, and {seq}
// placeholders in an autosave_path template. A path that still escapes the
// workspace after expansion is rejected by policy.Validate at dispatch time,
// same as any model-proposed write.
func (r *TurnRunner) expandAutosavePath(template string) string {
	repl := strings.NewReplacer(
		"{session_id}", r.session.SessionID,
		"{skill}", r.session.ActiveSkill,
		"{turn}", r.turnID,
		"{seq}", strconv.FormatInt(time.Now().UnixNano(), 10),
	)
	return filepath.ToSlash(repl.Replace(template))
}

// proposeAndMaybeExecuteTool runs a system-originated tool call (not one the
// model asked for) through the same gate and dispatch path as a model tool
// call, so skill-triggered side effects are never silently unreviewed.
func (r *TurnRunner) proposeAndMaybeExecuteTool(ctx context.Context, state *api.State, toolName string, args api.Args, stopAfter bool) (loopOutcome, bool, error) {
	tool, ok := r.cfg.Tools.Get(toolName)
	if !ok {
		return loopOutcomeCompleted, false, nil
	}

	pctx := api.PolicyContext{
		SessionID:      r.session.SessionID,
		TurnID:         r.turnID,
		ApprovalMode:   r.cfg.ApprovalMode,
		WorkspaceRoot:  r.cfg.WorkspaceRoot,
		AllowedTools:   getAllowedToolsFromState(state),
		ToolCallOrigin: api.OriginSystem,
	}

	execArgs := r.prepareExecArgs(toolName, args)

	toolCallID := "sys_" + uuid.NewString()
	toolCall := api.ToolCallPayload{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       args,
	}

	gateResult := r.evaluateGate(ctx, pctx, tool, execArgs)
	needApproval := gateResult.Outcome == policy.GateNeedsApproval
	toolCall.NeedApproval = needApproval

	var preview *api.Preview
	if needApproval {
		if p, ok := tool.(tools.Previewer); ok {
			if v, err := p.Preview(ctx, execArgs); err == nil {
				preview = v
			}
		}
	}
	toolCall.Preview = preview

	r.emit(ctx, api.Event{
		Type:     api.EventToolCall,
		ToolCall: &toolCall,
	})

	if err := r.cfg.Policy.Validate(ctx, pctx, tool, execArgs); err != nil {
		r.emit(ctx, api.Event{
			Type: api.EventToolResult,
			ToolResult: &api.ToolResultPayload{
				ToolCallID: toolCallID,
				ToolName:   toolName,
				Result:     api.ToolResult{Status: "error", Error: err.Error()},
			},
		})
		return loopOutcomeCompleted, true, nil
	}

	if gateResult.Outcome == policy.GateDenied {
		r.emit(ctx, api.Event{
			Type: api.EventToolResult,
			ToolResult: &api.ToolResultPayload{
				ToolCallID: toolCallID,
				ToolName:   toolName,
				Result:     api.ToolResult{Status: "error", Error: fmt.Sprintf("%s: %s", gateResult.ErrorCode, gateResult.Reason)},
			},
		})
		return loopOutcomeCompleted, true, nil
	}

	if needApproval {
		requestID := generateRequestID()
		r.emit(ctx, api.Event{
			Type: api.EventApproval,
			Approval: &api.ApprovalPayload{
				RequestID:  requestID,
				ToolCallID: toolCallID,
				ToolCall:   toolCall,
				Mode:       r.cfg.ApprovalMode,
				Risk:       gateResult.Risk,
				Suggestion: gateResult.Suggestion,
			},
		})

		r.session.Pending = &api.PendingApproval{
			TurnID:    r.turnID,
			RequestID: requestID,
			ToolCall:  toolCall,
			Preview:   preview,
			CreatedAt: time.Now(),
			StopAfter: stopAfter,
		}
		if err := r.saveSession(ctx); err != nil {
			return loopOutcomeCompleted, true, err
		}
		return loopOutcomeSuspended, true, nil
	}

	result, err := tool.Execute(ctx, execArgs)
	if err != nil {
		result = api.ToolResult{Status: "error", Error: err.Error()}
	}
	r.emit(ctx, api.Event{
		Type: api.EventToolResult,
		ToolResult: &api.ToolResultPayload{
			ToolCallID: toolCallID,
			ToolName:   toolName,
			Result:     result,
		},
	})

	r.session.Messages = append(r.session.Messages, api.LLMMessage{
		Role:       "tool",
		Content:    result.Content,
		ToolCallID: toolCallID,
	})
	if err := r.saveSession(ctx); err != nil {
		return loopOutcomeCompleted, true, err
	}
	return loopOutcomeCompleted, true, nil
}
