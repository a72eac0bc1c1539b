package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"AgentEngine/pkg/engine/api"
	"AgentEngine/pkg/logger"
)

// AnthropicLLM implements the runtime LLM interface against the Messages
// API, as an alternative backend to OpenAILLM. Grounded on
// pkg/backend/anthropic/client.go's translateRequest/translateStreamEvent
// (NewClient/option.WithAuthToken, Messages.NewStreaming, the
// ContentBlockStart/ContentBlockDelta/MessageStop event union).
type AnthropicLLM struct {
	client anthropic.Client
	model  string
}

// NewAnthropicLLM builds a client for the given model (e.g.
// "claude-sonnet-4-5").
func NewAnthropicLLM(apiKey, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *AnthropicLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}

	var systemParts []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
				if m.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(m.Content))
				}
				for _, tc := range m.ToolCalls {
					var input map[string]any
					_ = json.Unmarshal([]byte(tc.Args), &input)
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
				}
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	if len(systemParts) > 0 {
		params.System = systemParts
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := anthropic.ToolInputSchemaParam{}
			if m, ok := t.Parameters.(map[string]any); ok {
				if props, ok := m["properties"].(map[string]any); ok {
					schema.Properties = props
				}
				if required, ok := m["required"].([]string); ok {
					schema.Required = required
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: schema,
				},
			})
		}
		params.Tools = tools
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	return newAnthropicStream(stream), nil
}

// anthropicEventStream is the subset of *ssestream.Stream[anthropic.MessageStreamEventUnion]
// (as returned by Messages.NewStreaming) that the translator needs. Declared
// locally instead of naming the SDK's stream type directly, matching the
// Next/Current/Err loop in client.go's consumeStream.
type anthropicEventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

type anthropicStream struct {
	upstream     anthropicEventStream
	queue        []LLMChunk
	currentID    string
	currentName  string
	toolSent     bool
	usageEmitted bool
}

func newAnthropicStream(stream anthropicEventStream) *anthropicStream {
	return &anthropicStream{upstream: stream}
}

func (s *anthropicStream) Recv(ctx context.Context) (LLMChunk, error) {
	for len(s.queue) == 0 {
		if !s.upstream.Next() {
			if err := s.upstream.Err(); err != nil {
				return LLMChunk{}, fmt.Errorf("anthropic stream: %w", err)
			}
			return LLMChunk{}, io.EOF
		}
		s.translate(s.upstream.Current())
	}
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	return chunk, nil
}

func (s *anthropicStream) translate(event anthropic.MessageStreamEventUnion) {
	switch e := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if e.ContentBlock.Type == "tool_use" {
			block := e.ContentBlock.AsToolUse()
			s.currentID = block.ID
			s.currentName = block.Name
			s.toolSent = false
		}

	case anthropic.ContentBlockDeltaEvent:
		switch e.Delta.Type {
		case "text_delta":
			s.queue = append(s.queue, LLMChunk{Delta: e.Delta.AsTextDelta().Text})
		case "input_json_delta":
			partial := e.Delta.AsInputJSONDelta().PartialJSON
			s.queue = append(s.queue, LLMChunk{ToolArgDelta: partial})
			if !s.toolSent {
				s.toolSent = true
				s.queue = append(s.queue, LLMChunk{
					ToolCall: &api.LLMToolCall{ID: s.currentID, Name: s.currentName, Args: partial},
				})
			}
		}

	case anthropic.MessageStopEvent:
		reason := "stop"
		s.queue = append(s.queue, LLMChunk{FinishReason: reason})

	case anthropic.MessageDeltaEvent:
		if string(e.Delta.StopReason) == "tool_use" {
			s.queue = append(s.queue, LLMChunk{FinishReason: "tool_calls"})
		}
		if !s.usageEmitted && e.Usage.OutputTokens > 0 {
			s.usageEmitted = true
			logger.Debug("LLM", "anthropic usage", map[string]interface{}{
				"output_tokens": e.Usage.OutputTokens,
				"input_tokens":  e.Usage.InputTokens,
			})
		}
	}
}

func (s *anthropicStream) Close() error { return nil }
