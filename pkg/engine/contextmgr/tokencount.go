package contextmgr

import (
	"github.com/pkoukk/tiktoken-go"

	"AgentEngine/pkg/engine/api"
)

// TokenCounter estimates the token cost of a message list before a call is
// made, used both for pre-call budget checks and for sizing the
// post-compaction replacement pair.
type TokenCounter interface {
	CountMessages(messages []api.LLMMessage) int
	CountText(text string) int
}

// TiktokenCounter counts tokens using the cl100k_base encoding, which
// every OpenAI-compatible and most Anthropic-compatible backends the
// engine targets approximate closely enough for budget tracking (this is
// an estimate, not a billing-accurate count).
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter resolves the encoding for model, falling back to
// cl100k_base and finally to a heuristic counter if no BPE ranks can be
// loaded (e.g. no network access to fetch them on first use).
func NewTiktokenCounter(model string) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return heuristicCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

func (c *TiktokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountMessages(messages []api.LLMMessage) int {
	total := 0
	for _, m := range messages {
		// Per-message overhead roughly matches OpenAI's documented
		// per-message token tax (role + separators).
		total += 4
		total += c.CountText(m.Content)
		total += c.CountText(m.Role)
		for _, tc := range m.ToolCalls {
			total += c.CountText(tc.Name) + c.CountText(tc.Args)
		}
	}
	return total
}

// heuristicCounter is the fallback when tiktoken's encoding can't be
// loaded: roughly 4 characters per token, which is the commonly cited
// approximation for English text.
type heuristicCounter struct{}

func (heuristicCounter) CountText(text string) int {
	return (len(text) + 3) / 4
}

func (h heuristicCounter) CountMessages(messages []api.LLMMessage) int {
	total := 0
	for _, m := range messages {
		total += 4 + h.CountText(m.Content) + h.CountText(m.Role)
		for _, tc := range m.ToolCalls {
			total += h.CountText(tc.Name) + h.CountText(tc.Args)
		}
	}
	return total
}
