package runtime

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

// makeAnthropicEvent constructs an anthropic.MessageStreamEventUnion from
// raw JSON, the same pattern godex's harness/claude translate_test.go uses.
func makeAnthropicEvent(t *testing.T, jsonStr string) anthropic.MessageStreamEventUnion {
	t.Helper()
	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(jsonStr), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestAnthropicStream_TranslateTextDelta(t *testing.T) {
	s := &anthropicStream{}
	ev := makeAnthropicEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`)

	s.translate(ev)

	if len(s.queue) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(s.queue))
	}
	if s.queue[0].Delta != "hello" {
		t.Fatalf("expected delta=hello, got %q", s.queue[0].Delta)
	}
}

func TestAnthropicStream_TranslateToolUse(t *testing.T) {
	s := &anthropicStream{}

	start := makeAnthropicEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_1","name":"read_file","input":{}}}`)
	s.translate(start)
	if s.currentID != "tool_1" || s.currentName != "read_file" {
		t.Fatalf("expected currentID/currentName set, got %q/%q", s.currentID, s.currentName)
	}

	delta := makeAnthropicEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"a.go\"}"}}`)
	s.translate(delta)

	if len(s.queue) != 2 {
		t.Fatalf("expected 2 chunks (arg delta + tool call), got %d", len(s.queue))
	}
	if s.queue[1].ToolCall == nil || s.queue[1].ToolCall.Name != "read_file" {
		t.Fatalf("expected tool call chunk for read_file, got %+v", s.queue[1].ToolCall)
	}
}

func TestAnthropicStream_TranslateMessageStop(t *testing.T) {
	s := &anthropicStream{}
	ev := makeAnthropicEvent(t, `{"type":"message_stop"}`)

	s.translate(ev)

	if len(s.queue) != 1 || s.queue[0].FinishReason != "stop" {
		t.Fatalf("expected a single stop chunk, got %+v", s.queue)
	}
}
