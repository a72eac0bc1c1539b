// Package contextmgr implements the Context Manager described in
// spec.md §4.5: token-budget tracking against a model's declared
// max_context_tokens, utilization thresholds that drive warnings and
// compaction, and an anti-thrash interval so compaction doesn't fire every
// turn. The actual compaction protocol (summarizer-agent call, history
// replacement) is the teacher's CompressHistory in
// pkg/engine/runtime/compress.go; this package only decides *whether* and
// *when* to trigger it.
package contextmgr

import (
	"sync"
	"time"

	"AgentEngine/pkg/engine/api"
)

// Thresholds are utilization fractions (used/max) that gate warning,
// compaction, and hard-abort behavior.
type Thresholds struct {
	Warn        float64
	Compact     float64
	HardCeiling float64
}

// DefaultThresholds returns spec.md §4.5's default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 0.75, Compact: 0.85, HardCeiling: 0.95}
}

// DefaultAntiThrashTurns is the minimum number of turns between
// compactions (N=3 in spec.md §4.5).
const DefaultAntiThrashTurns = 3

// Decision is the result of Evaluate: what the Turn Engine should do before
// its next LLM call.
type Decision struct {
	Utilization       float64
	Warn              bool
	TriggerCompaction bool
	Abort             bool
}

// Manager tracks cumulative token usage for one session/sub-agent context
// and decides when warnings, compaction, or a hard abort are due.
type Manager struct {
	mu sync.Mutex

	maxContextTokens int
	thresholds       Thresholds
	antiThrashTurns  int

	used                 api.TokenUsage
	turnsSinceCompaction int
	justCompacted        bool
	state                api.CompactionState
}

// New constructs a Manager for a model with the given max_context_tokens,
// using the spec's default thresholds and anti-thrash interval.
func New(maxContextTokens int) *Manager {
	return &Manager{
		maxContextTokens: maxContextTokens,
		thresholds:       DefaultThresholds(),
		antiThrashTurns:  DefaultAntiThrashTurns,
		turnsSinceCompaction: DefaultAntiThrashTurns, // compaction is eligible from turn one
	}
}

// WithThresholds overrides the default thresholds (e.g. from engineconfig).
func (m *Manager) WithThresholds(t Thresholds) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
	return m
}

// RecordUsage folds in token usage reported by the backend after an LLM
// call (input + output + reasoning, per spec.md §4.5).
func (m *Manager) RecordUsage(u api.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = m.used.Add(u)
	m.turnsSinceCompaction++
	m.justCompacted = false
}

// MaxContextTokens returns the configured budget.
func (m *Manager) MaxContextTokens() int {
	return m.maxContextTokens
}

// Utilization returns used/max. Returns 0 if no budget is configured.
func (m *Manager) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() float64 {
	if m.maxContextTokens <= 0 {
		return 0
	}
	return float64(m.used.Total()) / float64(m.maxContextTokens)
}

// Evaluate reports what the Turn Engine should do before its next LLM
// call. Abort is set only when utilization is still at/above HardCeiling
// immediately after a compaction attempt — i.e. compaction could not bring
// the conversation back under budget.
func (m *Manager) Evaluate() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	util := m.utilizationLocked()
	d := Decision{Utilization: util}

	if util >= m.thresholds.HardCeiling && m.justCompacted {
		d.Abort = true
		return d
	}

	if util >= m.thresholds.Warn {
		d.Warn = true
	}
	if util >= m.thresholds.Compact && m.turnsSinceCompaction >= m.antiThrashTurns {
		d.TriggerCompaction = true
	}
	return d
}

// NoteCompacted records that compaction just ran, resetting the
// anti-thrash counter and the cumulative usage estimate to tokensAfter
// (the caller's best estimate of post-compaction prompt size, typically
// from a TokenCounter over the replacement summary messages).
func (m *Manager) NoteCompacted(tokensAfter int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = api.TokenUsage{Input: tokensAfter}
	m.turnsSinceCompaction = 0
	m.justCompacted = true
	m.state.Count++
	m.state.LastInputTokens = tokensAfter
	m.state.LastTriggeredAt = timeNow()
}

// State returns a snapshot of the anti-thrash bookkeeping, for persistence
// alongside the session record.
func (m *Manager) State() api.CompactionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// timeNow is split out purely so the package has one clock call-site.
func timeNow() time.Time { return time.Now() }
