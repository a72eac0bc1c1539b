// Package engineconfig loads the process-wide immutable settings shared
// across Turn Engine instances — model context budgets, approval
// thresholds, loop-detector thresholds, and compaction intervals — from
// engine.yaml plus environment overrides. Grounded on the teacher's skill
// package's gopkg.in/yaml.v3 usage; env override parsing follows the same
// "best-effort, fall back to default" discipline as the rest of the
// engine's config-adjacent code.
package engineconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"AgentEngine/pkg/engine/contextmgr"
	"AgentEngine/pkg/engine/loopdetect"
)

// ModelBudget declares a model's context window for the Context Manager.
type ModelBudget struct {
	Model            string `yaml:"model"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
}

// Config is the engine's process-wide configuration.
type Config struct {
	Models []ModelBudget `yaml:"models"`

	ContextThresholds contextmgr.Thresholds `yaml:"context_thresholds"`
	AntiThrashTurns   int                   `yaml:"anti_thrash_turns"`

	LoopWarnThreshold  int `yaml:"loop_warn_threshold"`
	LoopBlockThreshold int `yaml:"loop_block_threshold"`

	ApprovalThreshold int `yaml:"approval_threshold"`

	MaxSubAgentDepth int `yaml:"max_sub_agent_depth"`
	MaxIterations    int `yaml:"max_iterations"`

	MaxToolResponseTokens int `yaml:"max_tool_response_tokens"`
}

// Default returns the engine's built-in defaults (spec.md §4.3–§4.6).
func Default() Config {
	return Config{
		ContextThresholds:     contextmgr.DefaultThresholds(),
		AntiThrashTurns:       contextmgr.DefaultAntiThrashTurns,
		LoopWarnThreshold:     loopdetect.DefaultWarnThreshold,
		LoopBlockThreshold:    loopdetect.DefaultBlockThreshold,
		ApprovalThreshold:     5,
		MaxSubAgentDepth:      5,
		MaxIterations:         50,
		MaxToolResponseTokens: 4000,
	}
}

// Load reads engine.yaml at path (if present — a missing file is not an
// error, the defaults apply) and then applies AGENT_ENGINE_*
// environment-variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read engine config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse engine config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides reads AGENT_ENGINE_* variables. Malformed values are
// ignored in favor of whatever Load already resolved, rather than failing
// startup over an operator typo.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_ENGINE_LOOP_WARN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoopWarnThreshold = n
		}
	}
	if v := os.Getenv("AGENT_ENGINE_LOOP_BLOCK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoopBlockThreshold = n
		}
	}
	if v := os.Getenv("AGENT_ENGINE_APPROVAL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ApprovalThreshold = n
		}
	}
	if v := os.Getenv("AGENT_ENGINE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv("AGENT_ENGINE_CONTEXT_THRESHOLDS"); v != "" {
		// "warn,compact,hard_ceiling" e.g. "0.7,0.8,0.9"
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			warn, e1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			compact, e2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			hard, e3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if e1 == nil && e2 == nil && e3 == nil {
				cfg.ContextThresholds = contextmgr.Thresholds{Warn: warn, Compact: compact, HardCeiling: hard}
			}
		}
	}
}

// BudgetFor returns the configured max_context_tokens for model, or the
// fallback if the model isn't listed.
func (c Config) BudgetFor(model string, fallback int) int {
	for _, b := range c.Models {
		if b.Model == model {
			return b.MaxContextTokens
		}
	}
	return fallback
}
