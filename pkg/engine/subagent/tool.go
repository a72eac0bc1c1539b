package subagent

import (
	"context"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/tools"
)

// Tool adapts a single SubAgentDefinition into a tools.Tool named
// sub_agent_<id>, so the Tool Dispatcher can invoke it exactly like any
// other tool — subject to the same policy gate, preview, and approval
// path. Execution is delegated to an Executor built from the parent's
// TurnRunnerConfig; the parent's event sink (if attached to ctx via
// api.WithEventSink) receives the nested turn's republished events.
//
// A single Tool instance is shared by every nesting level (the registry
// that holds it is shared with every sub-agent's own Turn Engine), so
// the depth of a given call cannot live on the Tool itself — it is read
// from ctx via api.SubAgentDepthFromContext, the same pattern used for
// the event sink.
type Tool struct {
	def      api.SubAgentDefinition
	executor *Executor
}

// NewTool wraps def as an invocable tool.
func NewTool(def api.SubAgentDefinition, executor *Executor) *Tool {
	return &Tool{def: def, executor: executor}
}

func (t *Tool) Name() string { return "sub_agent_" + t.def.ID }

func (t *Tool) Risk() api.RiskLevel {
	if len(t.def.AllowedTools) == 0 {
		return api.RiskHigh // unrestricted tool view — treat as powerful
	}
	return api.RiskMedium
}

// subAgentArgs is reflected into the tool's JSON schema and decoded back
// out of api.Args on Execute via tools.GenerateSchema/tools.DecodeArgs.
type subAgentArgs struct {
	Task           string `json:"task" jsonschema:"required,description=The task to hand off, in enough detail for the sub-agent to act without further clarification."`
	ContextSummary string `json:"context_summary,omitempty" jsonschema:"description=Optional summary of relevant conversation so far."`
}

func (t *Tool) Schema() api.ToolSchema {
	params, err := tools.GenerateSchema[subAgentArgs]()
	if err != nil {
		// A reflection failure here is a programmer error in subAgentArgs'
		// tags, not a runtime condition; fall back to an empty object schema
		// rather than panic mid-turn.
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return api.ToolSchema{
		Name:        t.Name(),
		Description: "Delegate a focused sub-task to the \"" + t.def.ID + "\" sub-agent and return its final answer.",
		Parameters:  params,
	}
}

func (t *Tool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	parsed, err := tools.DecodeArgs[subAgentArgs](args)
	if err != nil {
		return api.ToolResult{Status: "error", Error: err.Error()}, nil
	}
	if parsed.Task == "" {
		return api.ToolResult{Status: "error", Error: "task is required"}, nil
	}

	sink, _ := api.EventSinkFromContext(ctx)

	// currentDepth is 0 unless this Execute is itself running inside a
	// parent sub-agent's turn (api.WithSubAgentDepth was attached further
	// down the same ctx chain by that parent's own Tool.Execute below).
	currentDepth, _ := api.SubAgentDepthFromContext(ctx)
	depth := currentDepth + 1

	runCtx := api.WithSubAgentDepth(ctx, depth)
	result, err := t.executor.Run(runCtx, t.def, api.SubAgentContext{
		OriginalRequest:     parsed.Task,
		ConversationSummary: parsed.ContextSummary,
		Depth:               depth,
	}, sink)
	if err != nil {
		return api.ToolResult{Status: "error", Error: err.Error()}, nil
	}

	status := "success"
	if !result.Success {
		status = "error"
	}
	return api.ToolResult{
		Status:  status,
		Content: result.ResponseText,
		Error:   result.Error,
		Data:    result,
	}, nil
}
