package middleware

import (
	"context"
	"strings"
	"testing"

	"AgentEngine/pkg/engine/api"
)

type stubSkillIndex struct {
	sk  *api.Skill
	err error
}

func (s stubSkillIndex) List() []api.SkillMeta { return nil }

func (s stubSkillIndex) Load(name string) (*api.Skill, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.sk == nil {
		return nil, nil
	}
	return s.sk, nil
}

func TestSkillsMiddleware_AppendsExecutionRules(t *testing.T) {
	idx := stubSkillIndex{
		sk: &api.Skill{
			SkillMeta: api.SkillMeta{
				Name: "chapter-write",
			},
			Content: "SKILL BODY",
		},
	}
	mw := NewSkillsMiddleware(idx)

	state := &api.State{
		ActiveSkill:  "chapter-write",
		SystemPrompt: "BASE",
	}
	if err := mw.BeforeTurn(context.Background(), state); err != nil {
		t.Fatalf("BeforeTurn error: %v", err)
	}
	if !strings.Contains(state.SystemPrompt, "--- BEGIN SKILL: chapter-write ---") {
		t.Fatalf("missing skill block: %q", state.SystemPrompt)
	}
	if !strings.Contains(state.SystemPrompt, "--- SKILL EXECUTION RULES ---") {
		t.Fatalf("missing execution rules: %q", state.SystemPrompt)
	}
}

func TestSubAgentsMiddleware_ListsDefinitionsByID(t *testing.T) {
	mw := NewSubAgentsMiddleware([]api.SubAgentDefinition{
		{ID: "analyzer", SystemPrompt: "You investigate code. You never write files."},
		{ID: "coder", SystemPrompt: "You implement features end to end."},
	})

	state := &api.State{SystemPrompt: "BASE"}
	if err := mw.BeforeTurn(context.Background(), state); err != nil {
		t.Fatalf("BeforeTurn error: %v", err)
	}

	for _, want := range []string{"### `analyzer`", "You investigate code", "### `coder`", "sub_agent_<id>"} {
		if !strings.Contains(state.SystemPrompt, want) {
			t.Fatalf("missing %q in prompt: %q", want, state.SystemPrompt)
		}
	}
	if strings.Contains(state.SystemPrompt, "You never write files") {
		t.Fatalf("expected only the first sentence of SystemPrompt, got full text: %q", state.SystemPrompt)
	}
}

func TestSubAgentsMiddleware_NoopWhenEmpty(t *testing.T) {
	mw := NewSubAgentsMiddleware(nil)
	state := &api.State{SystemPrompt: "BASE"}
	if err := mw.BeforeTurn(context.Background(), state); err != nil {
		t.Fatalf("BeforeTurn error: %v", err)
	}
	if state.SystemPrompt != "BASE" {
		t.Fatalf("expected prompt unchanged, got %q", state.SystemPrompt)
	}
}
