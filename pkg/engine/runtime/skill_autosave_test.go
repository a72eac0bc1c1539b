package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/engine/policy"
	"AgentEngine/pkg/engine/store"
	"AgentEngine/pkg/engine/tools"
)

type staticLLM struct {
	out string
}

func (s staticLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	return &staticStream{content: s.out}, nil
}

type staticStream struct {
	content string
	sent    bool
}

func (s *staticStream) Recv(ctx context.Context) (LLMChunk, error) {
	if s.sent {
		return LLMChunk{}, io.EOF
	}
	s.sent = true
	return LLMChunk{Delta: s.content, FinishReason: "stop"}, nil
}

func (s *staticStream) Close() error { return nil }

type stubSkillIndex struct {
	sk *api.Skill
}

func (s stubSkillIndex) List() []api.SkillMeta { return nil }
func (s stubSkillIndex) Load(name string) (*api.Skill, error) {
	if s.sk == nil || s.sk.Name != name {
		return nil, io.EOF
	}
	return s.sk, nil
}

func drainEvents(t *testing.T, stream api.EventStream) {
	t.Helper()
	ctx := context.Background()
	for {
		_, err := stream.Recv(ctx)
		if err != nil {
			return
		}
	}
}

func TestTurnRunner_AutoSaveSkillOutput_WritesExpandedPath(t *testing.T) {
	ws := t.TempDir()

	out := "# Report\n\nEverything looks fine."

	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewWriteFileTool(ws))

	sessionStore, err := store.NewFileSessionStore(ws)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	planStore, err := store.NewFilePlanStore(ws)
	if err != nil {
		t.Fatalf("plan store: %v", err)
	}

	runner := NewTurnRunner(TurnRunnerConfig{
		LLM:           staticLLM{out: out},
		Tools:         reg,
		Policy:        policy.NewDefaultPolicy(),
		SessionStore:  sessionStore,
		PlanStore:     planStore,
		Middlewares:   nil,
		WorkspaceRoot: ws,
		SkillIndex: stubSkillIndex{sk: &api.Skill{
			SkillMeta: api.SkillMeta{Name: "status-report"},
			Metadata:  map[string]string{"autosave_path": "reports/{session_id}.md"},
		}},
		ApprovalMode:       api.ModeAutoApprove,
		FilterHistoryTools: true,
	})

	sess := &api.Session{SessionID: "s1", ActiveSkill: "status-report", Metadata: map[string]string{}}
	stream, err := runner.Run(context.Background(), sess, "summarize the deploy")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	drainEvents(t, stream)

	gotPath := filepath.Join(ws, "reports", "s1.md")
	b, err := os.ReadFile(gotPath)
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if strings.TrimSpace(string(b)) != strings.TrimSpace(out) {
		t.Fatalf("unexpected file content")
	}
}

func TestTurnRunner_AutoSaveSkillOutput_NoTemplateNoOp(t *testing.T) {
	ws := t.TempDir()

	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewWriteFileTool(ws))

	sessionStore, err := store.NewFileSessionStore(ws)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	planStore, err := store.NewFilePlanStore(ws)
	if err != nil {
		t.Fatalf("plan store: %v", err)
	}

	runner := NewTurnRunner(TurnRunnerConfig{
		LLM:           staticLLM{out: "just a reply"},
		Tools:         reg,
		Policy:        policy.NewDefaultPolicy(),
		SessionStore:  sessionStore,
		PlanStore:     planStore,
		WorkspaceRoot: ws,
		SkillIndex: stubSkillIndex{sk: &api.Skill{
			SkillMeta: api.SkillMeta{Name: "status-report"},
			Metadata:  map[string]string{},
		}},
		ApprovalMode:       api.ModeAutoApprove,
		FilterHistoryTools: true,
	})

	sess := &api.Session{SessionID: "s2", ActiveSkill: "status-report", Metadata: map[string]string{}}
	stream, err := runner.Run(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	drainEvents(t, stream)

	if _, err := os.Stat(filepath.Join(ws, "reports")); !os.IsNotExist(err) {
		t.Fatalf("expected no reports directory to be created")
	}
}
