// Package approval implements the learned-approval recorder used by stage 3
// of the Approval/Policy Layer's gate (spec.md §4.3): a persisted, per-tool
// count of approvals/denials that flips a tool to auto-approved once the
// consecutive-approval threshold is reached.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"AgentEngine/pkg/engine/api"
)

// DefaultThreshold is the number of consecutive approvals (with no
// intervening denial) after which a tool's pattern auto-promotes.
const DefaultThreshold = 5

// Recorder tracks ApprovalPattern state per tool name and persists it to a
// single JSON file. All reads and writes are serialized through the
// Recorder's own mutex, per spec.md §4.3's "serialized through a single
// owner" requirement — callers must not maintain a second copy of the map.
type Recorder struct {
	mu        sync.Mutex
	path      string
	threshold int
	patterns  map[string]*api.ApprovalPattern
}

// NewRecorder loads (or initializes) the recorder backed by
// <workspaceRoot>/hitl/approvals.json.
func NewRecorder(workspaceRoot string) (*Recorder, error) {
	dir := filepath.Join(workspaceRoot, "hitl")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create hitl dir: %w", err)
	}
	r := &Recorder{
		path:      filepath.Join(dir, "approvals.json"),
		threshold: DefaultThreshold,
		patterns:  make(map[string]*api.ApprovalPattern),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithThreshold overrides the consecutive-approval threshold (e.g. from
// engineconfig.Config.ApprovalThreshold).
func (r *Recorder) WithThreshold(n int) *Recorder {
	if n > 0 {
		r.mu.Lock()
		r.threshold = n
		r.mu.Unlock()
	}
	return r
}

func (r *Recorder) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read approvals: %w", err)
	}
	var m map[string]*api.ApprovalPattern
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("unmarshal approvals: %w", err)
	}
	r.patterns = m
	return nil
}

func (r *Recorder) saveLocked() error {
	data, err := json.MarshalIndent(r.patterns, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename approvals: %w", err)
	}
	return nil
}

// Pattern returns a copy of the current pattern for toolName, creating a
// zero-value entry if none exists yet.
func (r *Recorder) Pattern(toolName string) api.ApprovalPattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.patterns[toolName]
	if p == nil {
		return api.ApprovalPattern{ToolName: toolName}
	}
	return *p
}

// Suggestion renders the "N more approvals needed for auto-approve" string
// required alongside ToolApprovalRequest in spec.md §4.3.
func (r *Recorder) Suggestion(toolName string) string {
	p := r.Pattern(toolName)
	if p.AutoApprove {
		return ""
	}
	remaining := r.threshold - p.Approvals
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("%d more approvals needed for auto-approve", remaining)
}

// RecordApprove records an approval. If always is true, the pattern's
// auto-approve flag is set immediately regardless of count (ApproveAlways);
// otherwise it flips once Approvals reaches the threshold (ApproveOnce,
// accumulating toward the learned threshold).
func (r *Recorder) RecordApprove(ctx context.Context, toolName string, always bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.patterns[toolName]
	if p == nil {
		p = &api.ApprovalPattern{ToolName: toolName}
		r.patterns[toolName] = p
	}
	p.Approvals++
	p.LastDecisionAt = now()
	if always || p.Approvals >= r.threshold {
		p.AutoApprove = true
	}
	return r.saveLocked()
}

// RecordDeny records a denial, resetting the consecutive-approval counter
// and clearing any auto-approve flag, per spec.md §4.3.
func (r *Recorder) RecordDeny(ctx context.Context, toolName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.patterns[toolName]
	if p == nil {
		p = &api.ApprovalPattern{ToolName: toolName}
		r.patterns[toolName] = p
	}
	p.Denials++
	p.Approvals = 0
	p.AutoApprove = false
	p.LastDecisionAt = now()
	return r.saveLocked()
}

// now is split out so tests can't accidentally depend on wall-clock nondeterminism.
func now() time.Time { return time.Now() }
