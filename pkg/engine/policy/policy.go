// Package policy provides unified tool governance for the agent engine:
// the first two stages of the Approval/Policy Layer's three-stage gate
// (spec.md §4.3) plus the workspace/allowed-tools validation that runs
// after a decision is reached. Stage 3 (the learned ApprovalPattern
// decision) is implemented by Gate in gate.go against a
// pkg/engine/approval.Recorder.
package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"AgentEngine/pkg/engine/api"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Policy Interface
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// Tool is the minimal interface needed for policy decisions.
type Tool interface {
	Name() string
}

// ToolWithMeta extends Tool with metadata for policy decisions.
type ToolWithMeta interface {
	Tool
	Risk() api.RiskLevel
}

// ToolPolicy is the per-tool classification fetched by the gate's stage 2
// (policy lookup), per spec.md §4.3.
type ToolPolicy string

const (
	PolicyAllow           ToolPolicy = "allow"
	PolicyRequireApproval ToolPolicy = "require_approval"
	PolicyDeny            ToolPolicy = "deny"
)

// Policy defines the unified interface for tool governance.
type Policy interface {
	// Filter returns the subset of tools visible to the LLM.
	Filter(ctx context.Context, pctx api.PolicyContext, tools []Tool) []Tool

	// Classify returns the tool's stage-2 policy classification.
	Classify(toolName string) ToolPolicy

	// IsReadOnly reports whether the tool is safe for Planning mode.
	IsReadOnly(toolName string) bool

	// RiskLevel is the pure function of (tool_name, args) → RiskLevel
	// described in spec.md §4.3. It is advisory to the UI; it does not by
	// itself gate admission.
	RiskLevel(tool Tool, args api.Args) api.RiskLevel

	// Validate checks if the tool call is allowed regardless of approval
	// outcome (allowed-tools allowlist, workspace boundary). Returns error
	// if denied.
	Validate(ctx context.Context, pctx api.PolicyContext, tool Tool, args api.Args) error
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// DefaultPolicy
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// DefaultPolicy implements the standard policy rules described in
// spec.md §4.3's defaults.
type DefaultPolicy struct {
	// DangerousCommands are substrings that force High risk / approval for
	// shell-family tools, even when the tool itself classifies Allow.
	DangerousCommands []string

	// DeniedTools is an explicit hard-denylist, consulted before the
	// read/write classification below. Empty by default; operators can
	// populate it from tool-policy.json (see WatchDeniedTools in watch.go).
	DeniedTools map[string]bool

	readOnlyTools map[string]bool
	writeTools    map[string]bool
	destructive   map[string]bool
}

// NewDefaultPolicy creates a new default policy.
func NewDefaultPolicy() *DefaultPolicy {
	return &DefaultPolicy{
		DangerousCommands: []string{
			"rm ", "rm\t", "rmdir",
			"sudo ", "chmod ", "chown ",
			"mv ", "cp -r",
			"> ", ">>",
			"curl ", "wget ",
			"git push", "git reset --hard",
		},
		DeniedTools: map[string]bool{},
		readOnlyTools: map[string]bool{
			"read_file": true, "ls": true, "list_dir": true, "glob": true,
			"grep": true, "search": true, "list_skills": true, "read_skill": true,
			"read_memory": true, "read_todos": true, "understand_intent": true,
		},
		writeTools: map[string]bool{
			"write_file": true, "edit_file": true, "write_todos": true,
			"update_memory": true, "activate_skill": true,
		},
		destructive: map[string]bool{
			"delete_file": true, "shell": true, "run_command": true,
			"run_skill_script": true,
		},
	}
}

// Filter returns tools visible to the LLM based on policy context.
func (p *DefaultPolicy) Filter(ctx context.Context, pctx api.PolicyContext, tools []Tool) []Tool {
	// In Planning mode, only read-only tools and system tools are offered to the model at all.
	if pctx.ApprovalMode == api.ModePlanning {
		var filtered []Tool
		for _, t := range tools {
			if p.IsReadOnly(t.Name()) || api.IsSystemTool(t.Name()) {
				filtered = append(filtered, t)
			}
		}
		return filtered
	}

	// If no skill-level restrictions, return all tools
	if len(pctx.AllowedTools) == 0 {
		return tools
	}

	// Build allowlist map
	allowedMap := make(map[string]bool)
	for _, name := range pctx.AllowedTools {
		allowedMap[name] = true
	}

	// Filter: include if in allowlist OR is a system tool
	var filtered []Tool
	for _, t := range tools {
		if allowedMap[t.Name()] || api.IsSystemTool(t.Name()) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Classify implements stage 2 of the gate: Deny > RequireApproval > Allow.
func (p *DefaultPolicy) Classify(toolName string) ToolPolicy {
	if p.DeniedTools[toolName] {
		return PolicyDeny
	}
	if p.writeTools[toolName] || p.destructive[toolName] {
		return PolicyRequireApproval
	}
	if p.readOnlyTools[toolName] || api.IsSystemTool(toolName) {
		return PolicyAllow
	}
	// Unknown tools default to requiring approval rather than silently
	// allowing unreviewed side effects.
	return PolicyRequireApproval
}

// IsReadOnly reports whether toolName is classified as a pure read.
func (p *DefaultPolicy) IsReadOnly(toolName string) bool {
	return p.readOnlyTools[toolName]
}

// RiskLevel implements spec.md §4.3's risk classification defaults.
func (p *DefaultPolicy) RiskLevel(tool Tool, args api.Args) api.RiskLevel {
	toolName := tool.Name()

	if tm, ok := tool.(ToolWithMeta); ok {
		// A tool that declares RiskHigh is High regardless of the rules
		// below; any lower declared risk is ignored and the rules decide.
		if r := tm.Risk(); r == api.RiskHigh {
			return api.RiskHigh
		}
	}

	if p.readOnlyTools[toolName] {
		return api.RiskLow
	}

	if toolName == "shell" || toolName == "run_command" {
		if command, ok := args["command"].(string); ok {
			for _, pattern := range p.DangerousCommands {
				if strings.Contains(command, pattern) {
					return api.RiskHigh
				}
			}
		}
		return api.RiskHigh
	}

	if p.destructive[toolName] {
		return api.RiskHigh
	}

	if p.writeTools[toolName] {
		return api.RiskMedium
	}

	return api.RiskLow
}

// Validate checks if a tool call is allowed.
func (p *DefaultPolicy) Validate(ctx context.Context, pctx api.PolicyContext, tool Tool, args api.Args) error {
	toolName := tool.Name()

	// Check allowed-tools constraint (skip for system tools)
	if len(pctx.AllowedTools) > 0 && !api.IsSystemTool(toolName) {
		allowed := false
		for _, name := range pctx.AllowedTools {
			if name == toolName {
				allowed = true
				break
			}
		}
		if !allowed {
			return &PolicyError{
				Code:    api.ErrPolicyDenied,
				Message: fmt.Sprintf("tool %q not in skill allowed-tools", toolName),
			}
		}
	}

	// Check workspace boundary for file operations
	if path, ok := args["path"].(string); ok && pctx.WorkspaceRoot != "" {
		if err := p.validatePath(path, pctx.WorkspaceRoot); err != nil {
			return err
		}
	}

	return nil
}

// validatePath ensures a path is within the workspace boundary.
func (p *DefaultPolicy) validatePath(targetPath, workspaceRoot string) error {
	// Handle relative paths
	if !filepath.IsAbs(targetPath) {
		targetPath = filepath.Join(workspaceRoot, targetPath)
	}

	// Resolve to absolute canonical path
	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return &PolicyError{
			Code:    api.ErrWorkspaceEscape,
			Message: fmt.Sprintf("invalid path: %v", err),
		}
	}

	absWorkspace, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return &PolicyError{
			Code:    api.ErrWorkspaceEscape,
			Message: fmt.Sprintf("invalid workspace root: %v", err),
		}
	}

	// Check if path is within workspace
	if !strings.HasPrefix(absPath, absWorkspace+string(filepath.Separator)) && absPath != absWorkspace {
		return &PolicyError{
			Code:    api.ErrWorkspaceEscape,
			Message: fmt.Sprintf("path %q escapes workspace boundary", targetPath),
		}
	}

	return nil
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// PolicyError
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// PolicyError represents a policy violation.
type PolicyError struct {
	Code    string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
