package subagent

import (
	"context"
	"strings"
	"testing"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/approval"
	"AgentEngine/pkg/engine/policy"
	"AgentEngine/pkg/engine/runtime"
	"AgentEngine/pkg/engine/tools"
)

func TestTool_SchemaNamesAndRequiresTask(t *testing.T) {
	tool := NewTool(api.SubAgentDefinition{ID: "analyzer"}, nil)

	if got, want := tool.Name(), "sub_agent_analyzer"; got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}

	schema := tool.Schema()
	params, _ := schema.Parameters.(map[string]any)
	props, ok := params["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %T", params["properties"])
	}
	if _, ok := props["task"]; !ok {
		t.Fatalf("expected task property, got %v", props)
	}
	required, ok := params["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "task" {
		t.Fatalf("expected required=[task], got %v", params["required"])
	}
}

func TestTool_ExecuteRejectsMissingTask(t *testing.T) {
	tool := NewTool(api.SubAgentDefinition{ID: "analyzer"}, nil)

	result, err := tool.Execute(context.Background(), api.Args{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != "error" {
		t.Fatalf("expected error status, got %q", result.Status)
	}
}

func TestTool_ExecuteDelegatesToExecutor(t *testing.T) {
	workspaceRoot := t.TempDir()
	recorder, err := approval.NewRecorder(workspaceRoot)
	if err != nil {
		t.Fatalf("build recorder: %v", err)
	}
	defaultPolicy := policy.NewDefaultPolicy()
	gate := policy.NewGate(defaultPolicy, recorder)

	executor := NewExecutor(runtime.TurnRunnerConfig{
		LLM:           &runtime.MockLLM{},
		Tools:         tools.NewRegistry(),
		Policy:        defaultPolicy,
		Gate:          gate,
		WorkspaceRoot: workspaceRoot,
	})

	tool := NewTool(api.SubAgentDefinition{ID: "analyzer", MaxIterations: 3}, executor)

	result, err := tool.Execute(context.Background(), api.Args{"task": "summarize the repo"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("expected success status, got %q (error=%q)", result.Status, result.Error)
	}
	if !strings.Contains(result.Content, "Mock LLM") {
		t.Fatalf("expected mock LLM response content, got %q", result.Content)
	}
}

func TestTool_ExecuteThreadsDepthFromContext(t *testing.T) {
	workspaceRoot := t.TempDir()
	recorder, err := approval.NewRecorder(workspaceRoot)
	if err != nil {
		t.Fatalf("build recorder: %v", err)
	}
	defaultPolicy := policy.NewDefaultPolicy()
	gate := policy.NewGate(defaultPolicy, recorder)

	executor := NewExecutor(runtime.TurnRunnerConfig{
		LLM:           &runtime.MockLLM{},
		Tools:         tools.NewRegistry(),
		Policy:        defaultPolicy,
		Gate:          gate,
		WorkspaceRoot: workspaceRoot,
	}).WithMaxDepth(2)

	tool := NewTool(api.SubAgentDefinition{ID: "analyzer"}, executor)

	// Simulate this call already running inside a parent sub-agent turn
	// at depth 2 (e.g. a nested sub_agent_analyzer call one level down
	// from a depth-1 invocation): the next level must be refused, since
	// it would be depth 3 against a ceiling of 2.
	ctx := api.WithSubAgentDepth(context.Background(), 2)
	result, err := tool.Execute(ctx, api.Args{"task": "go deeper"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != "error" {
		t.Fatalf("expected depth ceiling to reject the call, got status %q", result.Status)
	}
}
