package hooks

import (
	"context"
	"encoding/json"

	"AgentEngine/pkg/engine/api"
)

// planCompletionReminder is grounded on original_source/system_hooks'
// plan_completion_hook: when a write_todos call leaves every item done,
// remind the model that routine work doesn't need a documentation pass,
// but a feature/API/breaking change does — and not to re-open the plan
// just to re-close it.
const planCompletionReminder = `[Plan Complete - Documentation Check]

SKIP documentation updates for: bug fixes, refactors, minor tweaks, test changes, or any work that doesn't change external behavior or developer workflow.

For SIGNIFICANT changes only (new features, new commands, API changes, breaking changes):
- Developer docs (README.md, docs/*.md): commands, setup, APIs
- Agent docs (CLAUDE.md): code patterns, conventions, build commands

STOP CONDITIONS:
- Do NOT create new plan tasks after reading this message
- Do NOT call write_todos again
- If no docs need updating, respond to the user that the task is complete`

// PlanCompletionHook fires after write_todos leaves a non-empty plan with
// every item done.
func PlanCompletionHook() PostToolHook {
	return PostToolHook{
		Name:    "plan_completion",
		Matcher: MatchTool("write_todos"),
		Enabled: true,
		Handler: func(ctx context.Context, pctx PostToolContext) (string, bool) {
			if !pctx.Success || !isPlanComplete(pctx.ResultJSON) {
				return "", false
			}
			return planCompletionReminder, true
		},
	}
}

func isPlanComplete(resultJSON []byte) bool {
	var plan api.PlanPayload
	if err := json.Unmarshal(resultJSON, &plan); err != nil || len(plan.Items) == 0 {
		return false
	}
	for _, item := range plan.Items {
		if item.Status != api.PlanDone {
			return false
		}
	}
	return true
}

// BuiltinPostHooks returns the default post-tool hooks shipped with the
// engine. Callers register these (or their own) on a Registry; none are
// added implicitly.
func BuiltinPostHooks() []PostToolHook {
	return []PostToolHook{PlanCompletionHook()}
}
