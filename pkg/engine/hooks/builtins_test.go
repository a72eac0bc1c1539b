package hooks

import (
	"context"
	"testing"
)

func TestPlanCompletionHook_FiresWhenAllDone(t *testing.T) {
	h := PlanCompletionHook()
	pctx := PostToolContext{
		ToolName:   "write_todos",
		Success:    true,
		ResultJSON: []byte(`{"plan_id":"p1","items":[{"id":1,"text":"a","status":"done"},{"id":2,"text":"b","status":"done"}]}`),
	}
	msg, ok := h.Handler(context.Background(), pctx)
	if !ok || msg == "" {
		t.Fatalf("expected reminder to fire")
	}
}

func TestPlanCompletionHook_SilentWhenIncomplete(t *testing.T) {
	h := PlanCompletionHook()
	pctx := PostToolContext{
		ToolName:   "write_todos",
		Success:    true,
		ResultJSON: []byte(`{"plan_id":"p1","items":[{"id":1,"text":"a","status":"done"},{"id":2,"text":"b","status":"pending"}]}`),
	}
	if _, ok := h.Handler(context.Background(), pctx); ok {
		t.Fatalf("expected no reminder for incomplete plan")
	}
}

func TestPlanCompletionHook_SilentOnEmptyPlan(t *testing.T) {
	h := PlanCompletionHook()
	pctx := PostToolContext{
		ToolName:   "write_todos",
		Success:    true,
		ResultJSON: []byte(`{"plan_id":"p1","items":[]}`),
	}
	if _, ok := h.Handler(context.Background(), pctx); ok {
		t.Fatalf("expected no reminder for empty plan")
	}
}

func TestRegistry_RunPost_CollectsBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, h := range BuiltinPostHooks() {
		reg.AddPost(h)
	}
	msgs := reg.RunPost(context.Background(), PostToolContext{
		ToolName:   "write_todos",
		Success:    true,
		ResultJSON: []byte(`{"plan_id":"p1","items":[{"id":1,"text":"a","status":"done"}]}`),
	})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(msgs))
	}
}
