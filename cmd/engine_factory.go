package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/approval"
	"AgentEngine/pkg/engine/contextmgr"
	"AgentEngine/pkg/engine/engineconfig"
	"AgentEngine/pkg/engine/hooks"
	"AgentEngine/pkg/engine/memory"
	"AgentEngine/pkg/engine/metrics"
	mw "AgentEngine/pkg/engine/middleware"
	"AgentEngine/pkg/engine/policy"
	"AgentEngine/pkg/engine/runtime"
	"AgentEngine/pkg/engine/skill"
	"AgentEngine/pkg/engine/store"
	"AgentEngine/pkg/engine/subagent"
	"AgentEngine/pkg/engine/systool"
	"AgentEngine/pkg/engine/tools"
	"AgentEngine/pkg/logger"
)

// builtinSubAgents are the sub-agent definitions shipped with the engine,
// grounded on original_source's contributors/sub_agents.rs test fixtures
// (an "analyzer" restricted to read-only tools, a "coder" with the full
// tool view).
func builtinSubAgents() []api.SubAgentDefinition {
	return []api.SubAgentDefinition{
		{
			ID:            "analyzer",
			SystemPrompt:  "You are a code analysis expert. Investigate the given task using only read-only tools and report findings precisely, without making any changes.",
			AllowedTools:  []string{"read_file", "grep", "glob", "ls"},
			MaxIterations: 15,
		},
		{
			ID:            "coder",
			SystemPrompt:  "You are a code implementation expert. Carry out the given task end to end, making the necessary file changes.",
			MaxIterations: 25,
		},
	}
}

func resolveWorkspaceRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if realWD, err := filepath.EvalSymlinks(wd); err == nil {
		wd = realWD
	}
	// Use workspace/ subdirectory as the working directory for file operations
	workspaceDir := filepath.Join(wd, "workspace")
	// Create if it doesn't exist
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return "", err
	}
	return workspaceDir, nil
}

func defaultSkillRoots(workspaceRoot string) []string {
	var roots []string

	// workspaceRoot points to workspace/ subdirectory, go up one level for project root
	projectRoot := filepath.Dir(workspaceRoot)

	// Project skills (<project>/.sea/skills). Highest priority.
	roots = append(roots, filepath.Join(projectRoot, ".sea", "skills"))

	// Legacy project skills path (<project>/workspace/.sea/skills).
	roots = append(roots, filepath.Join(workspaceRoot, ".sea", "skills"))

	// Global skills (~/.sea/<agent>/skills).
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".sea", agentFlag, "skills"))
	}

	// Built-in skills shipped with the repo.
	roots = append(roots, filepath.Join(projectRoot, "skills"))

	// Codex skills (optional).
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		roots = append(roots, filepath.Join(codexHome, "skills"))
	} else if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".codex", "skills"))
	}

	return roots
}

func newAPIEngine(workspaceRoot string) (api.Engine, error) {
	sessionStore, err := store.NewFileSessionStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	planStore, err := store.NewFilePlanStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	eventLog, err := store.NewJSONLEventLog(workspaceRoot)
	if err != nil {
		return nil, err
	}

	skillIndex, err := skill.NewDirSkillIndex(defaultSkillRoots(workspaceRoot)...)
	if err != nil {
		return nil, err
	}

	mem := memory.NewStructuredManager(workspaceRoot)

	reg := tools.NewRegistry()
	reg.MustRegister(&systool.ListSkillsTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ActivateSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.WriteTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.ReadMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UpdateMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UnderstandIntentTool{})

	if enableToolsFlag {
		for _, t := range tools.DefaultRegistry(workspaceRoot).All() {
			reg.MustRegister(t)
		}
		// run_skill_script needs skill index for path resolution.
		reg.MustRegister(tools.NewRunSkillScriptTool(workspaceRoot, skillIndex))
	}

	var llm runtime.LLM = &runtime.MockLLM{}
	model := os.Getenv("LLM_MODEL")
	if modelFlag != "" {
		model = modelFlag
	}
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		baseURL := os.Getenv("LLM_BASE_URL")
		if strings.EqualFold(os.Getenv("LLM_PROVIDER"), "anthropic") {
			llm = runtime.NewAnthropicLLM(apiKey, model)
		} else {
			llm = runtime.NewOpenAILLM(baseURL, apiKey, model)
		}
	}

	engCfg, err := engineconfig.Load(filepath.Join(filepath.Dir(workspaceRoot), "engine.yaml"))
	if err != nil {
		return nil, err
	}

	recorder, err := approval.NewRecorder(workspaceRoot)
	if err != nil {
		return nil, err
	}
	recorder.WithThreshold(engCfg.ApprovalThreshold)
	defaultPolicy := policy.NewDefaultPolicy()
	gate := policy.NewGate(defaultPolicy, recorder)

	// tool-policy.json lives beside engine.yaml; an operator edits it to
	// deny a tool without restarting the process.
	toolPolicyPath := filepath.Join(filepath.Dir(workspaceRoot), "tool-policy.json")
	if _, err := policy.WatchDeniedTools(context.Background(), defaultPolicy, toolPolicyPath); err != nil {
		logger.Warn("Engine", "tool-policy watch disabled", map[string]interface{}{"error": err.Error()})
	}

	hookRegistry := hooks.NewRegistry()
	for _, h := range hooks.BuiltinPostHooks() {
		hookRegistry.AddPost(h)
	}

	// Sub-agent turns get their own Context Manager (spec.md §4.6), not the
	// parent's: a nested conversation has its own message history and must
	// track/compact against the model budget independently.
	subAgentCtxMgr := contextmgr.New(engCfg.BudgetFor(model, 0))
	if engCfg.ContextThresholds != (contextmgr.Thresholds{}) {
		subAgentCtxMgr = subAgentCtxMgr.WithThresholds(engCfg.ContextThresholds)
	}

	subAgentDefs := builtinSubAgents()
	subExecutor := subagent.NewExecutor(runtime.TurnRunnerConfig{
		LLM:                   llm,
		Tools:                 reg,
		Policy:                defaultPolicy,
		Gate:                  gate,
		WorkspaceRoot:         workspaceRoot,
		SkillIndex:            skillIndex,
		ContextMgr:            subAgentCtxMgr,
		TokenCounter:          contextmgr.NewTiktokenCounter(model),
		MaxToolResponseTokens: engCfg.MaxToolResponseTokens,
	}).WithMaxDepth(engCfg.MaxSubAgentDepth)
	for _, def := range subAgentDefs {
		reg.MustRegister(subagent.NewTool(def, subExecutor))
	}

	// Read compression settings from environment
	autoCompressThreshold := 50 // Default
	if v := os.Getenv("AUTO_COMPRESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			autoCompressThreshold = n
		}
	}
	compressKeepTurns := 3 // Default
	if v := os.Getenv("COMPRESS_KEEP_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			compressKeepTurns = n
		}
	}

	// Filter historical tool messages (default: true for smaller context)
	filterHistoryTools := true
	if v := os.Getenv("FILTER_HISTORY_TOOLS"); v == "false" || v == "0" {
		filterHistoryTools = false
	}

	engine, err := runtime.NewEngine(runtime.EngineConfig{
		LLM:     llm,
		Tools:   reg,
		Policy:  defaultPolicy,
		Gate:    gate,
		Hooks:   hookRegistry,
		Metrics: metrics.New(),
		Middlewares: []runtime.Middleware{
			mw.NewPersonaMiddleware(workspaceRoot, filepath.Dir(workspaceRoot), agentFlag),
			mw.NewBasePromptMiddleware(workspaceRoot),
			mw.NewSkillsMiddleware(skillIndex),
			mw.NewMemoryMiddleware(mem),
			mw.NewPlanningMiddleware(planStore),
			mw.NewSubAgentsMiddleware(subAgentDefs),
		},
		WorkspaceRoot:         workspaceRoot,
		SkillIndex:            skillIndex,
		SessionStore:          sessionStore,
		PlanStore:             planStore,
		EventLog:              eventLog,
		AutoCompressThreshold: autoCompressThreshold,
		CompressKeepTurns:     compressKeepTurns,
		FilterHistoryTools:    filterHistoryTools,
		MaxContextTokens:      engCfg.BudgetFor(model, 0),
		TokenCounter:          contextmgr.NewTiktokenCounter(model),
		ContextThresholds:     engCfg.ContextThresholds,
		LoopWarnThreshold:     engCfg.LoopWarnThreshold,
		LoopBlockThreshold:    engCfg.LoopBlockThreshold,
		MaxToolResponseTokens: engCfg.MaxToolResponseTokens,
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}
