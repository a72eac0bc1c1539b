// Package subagent implements the Sub-Agent Executor described in
// spec.md §4.6: a nested, depth-limited Turn Engine instance with its own
// conversation, restricted tool view, and Loop Detector/Context Manager,
// whose result is returned to the parent as a ToolResult content value.
// Grounded on the teacher's TurnRunner (pkg/engine/runtime/turn_runner.go)
// for the "own event loop, own loop detector/context manager" construction
// and on original_source/ contributors/sub_agents for the depth-ceiling
// and events-republished-with-prefix semantics.
package subagent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/runtime"
	"AgentEngine/pkg/engine/store"
	"AgentEngine/pkg/logger"
)

// memorySessionStore is an ephemeral, process-local Store[*api.Session]:
// sub-agent conversations are never persisted to disk, only the final
// SubAgentResult is, as part of the parent's tool_result.
type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*api.Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]*api.Session)}
}

func (s *memorySessionStore) Get(ctx context.Context, id string) (*api.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *memorySessionStore) Put(ctx context.Context, id string, session *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = session
	return nil
}

func (s *memorySessionStore) Del(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memorySessionStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// filteredRegistry narrows a ToolRegistry to a fixed allowlist.
type filteredRegistry struct {
	base    runtime.ToolRegistry
	allowed map[string]bool
}

func (f *filteredRegistry) Get(name string) (runtime.Tool, bool) {
	if !f.allowed[name] && !api.IsSystemTool(name) {
		return nil, false
	}
	return f.base.Get(name)
}

func (f *filteredRegistry) All() []runtime.Tool {
	var out []runtime.Tool
	for _, t := range f.base.All() {
		if f.allowed[t.Name()] || api.IsSystemTool(t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

// Executor runs sub-agent turns using the parent's LLM/Policy/Tools as a
// template, substituting a fresh in-memory session and (optionally)
// narrowed tool view per invocation.
type Executor struct {
	base     runtime.TurnRunnerConfig
	maxDepth int
}

// NewExecutor constructs an Executor templated off the parent's
// TurnRunnerConfig, with the depth ceiling defaulting to
// api.MaxSubAgentDepth. Per-call state (session store, tool view) is built
// fresh in Run so concurrent sub-agent invocations don't share state.
func NewExecutor(base runtime.TurnRunnerConfig) *Executor {
	return &Executor{base: base, maxDepth: api.MaxSubAgentDepth}
}

// WithMaxDepth overrides the depth ceiling (e.g. from
// engineconfig.Config.MaxSubAgentDepth). Non-positive values are ignored.
func (e *Executor) WithMaxDepth(n int) *Executor {
	if n > 0 {
		e.maxDepth = n
	}
	return e
}

// Run executes a single sub-agent task to completion and returns its
// result. It refuses to start if sctx.Depth exceeds the configured depth
// ceiling.
func (e *Executor) Run(ctx context.Context, def api.SubAgentDefinition, sctx api.SubAgentContext, parentEvents api.EventSink) (api.SubAgentResult, error) {
	started := time.Now()

	if sctx.Depth > e.maxDepth {
		return api.SubAgentResult{
			AgentID: def.ID,
			Success: false,
			Error:   fmt.Sprintf("sub-agent depth %d exceeds maximum %d", sctx.Depth, e.maxDepth),
		}, fmt.Errorf("sub-agent depth %d exceeds maximum %d", sctx.Depth, e.maxDepth)
	}

	cfg := e.base
	cfg.Tools = e.base.Tools
	if len(def.AllowedTools) > 0 {
		allowed := make(map[string]bool, len(def.AllowedTools))
		for _, t := range def.AllowedTools {
			allowed[t] = true
		}
		cfg.Tools = &filteredRegistry{base: e.base.Tools, allowed: allowed}
	}
	// Sub-agent approval is always auto — the parent's own gate already
	// admitted the sub_agent_<id> call; a nested approval prompt has no UI
	// to surface to.
	cfg.ApprovalMode = api.ModeAutoApprove
	cfg.Middlewares = nil

	sessionStore := newMemorySessionStore()
	cfg.SessionStore = sessionStore

	runner := runtime.NewTurnRunner(cfg)

	sessionID := fmt.Sprintf("subagent_%s_%d", def.ID, sctx.Depth)
	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}

	systemPrompt := def.SystemPrompt
	if sctx.ConversationSummary != "" {
		systemPrompt += "\n\n## Prior context summary\n" + sctx.ConversationSummary
	}

	session := &api.Session{
		SessionID: sessionID,
		Messages: []api.LLMMessage{
			{Role: "system", Content: systemPrompt},
		},
	}
	if err := sessionStore.Put(ctx, sessionID, session); err != nil {
		return api.SubAgentResult{AgentID: def.ID, Success: false, Error: err.Error()}, err
	}

	stream, err := runner.Run(ctx, session, sctx.OriginalRequest)
	if err != nil {
		return api.SubAgentResult{AgentID: def.ID, Success: false, Error: err.Error()}, err
	}
	defer stream.Close()

	result := consumeStream(ctx, stream, def.ID, sctx.Depth, parentEvents)
	result.DurationMS = time.Since(started).Milliseconds()

	logger.Info("SubAgent", "sub-agent run complete", map[string]interface{}{
		"agent_id": def.ID,
		"depth":    sctx.Depth,
		"success":  result.Success,
	})

	return result, nil
}

// consumeStream drains a sub-agent's event stream to completion,
// republishing every event on the parent bus prefixed with the sub-agent
// id (per spec.md §4.6), while accumulating the final response text and
// any file paths touched by write/edit tool calls.
func consumeStream(ctx context.Context, stream api.EventStream, agentID string, depth int, parentEvents api.EventSink) api.SubAgentResult {
	var text strings.Builder
	var filesModified []string
	seen := make(map[string]bool)

	result := api.SubAgentResult{AgentID: agentID}

	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if err != io.EOF {
				result.Error = err.Error()
			}
			break
		}

		republish(parentEvents, agentID, ev)

		switch ev.Type {
		case api.EventDelta:
			if ev.Delta != nil && ev.Delta.Source != api.DeltaReasoning {
				text.WriteString(ev.Delta.Text)
			}
		case api.EventToolCall:
			if ev.ToolCall != nil {
				if p, ok := ev.ToolCall.Args["path"].(string); ok && isMutatingTool(ev.ToolCall.ToolName) && !seen[p] {
					seen[p] = true
					filesModified = append(filesModified, p)
				}
			}
		case api.EventDone:
			result.Success = ev.Done == nil || ev.Done.Reason == "" || ev.Done.Reason == "completed"
		case api.EventError:
			result.Success = false
			if ev.Error != nil {
				result.Error = ev.Error.Message
			}
		}
	}

	result.ResponseText = strings.TrimSpace(text.String())
	result.FilesModified = filesModified
	if result.Error == "" && result.ResponseText != "" {
		result.Success = true
	}
	return result
}

func isMutatingTool(name string) bool {
	switch name {
	case "write_file", "edit_file", "delete_file":
		return true
	default:
		return false
	}
}

// republish forwards a sub-agent event onto the parent's event sink with
// its session id prefixed so the UI can group them under the invoking
// sub_agent_<id> call. A nil sink (no parent wired, e.g. in tests)
// silently drops events.
func republish(parentEvents api.EventSink, agentID string, ev api.Event) {
	if parentEvents == nil {
		return
	}
	ev.SessionID = agentID + ":" + ev.SessionID
	// Best-effort telemetry; a full or closed parent stream must never
	// block the nested turn's own progress.
	_ = parentEvents.Send(ev)
}

