// Package openai adapts the OpenAI Chat Completions API to loop.StreamFunc.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// Config configures a Provider.
type Config struct {
	APIKey  string
	BaseURL string
}

// Provider holds one configured OpenAI client.
type Provider struct {
	client *openai.Client
}

// New constructs a Provider from cfg. If cfg.APIKey is empty, Stream falls
// back to the per-request CompletionRequest.APIKey.
func New(cfg Config) *Provider {
	if cfg.APIKey == "" {
		return &Provider{}
	}
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{client: openai.NewClientWithConfig(oaiCfg)}
}

// Stream implements loop.StreamFunc.
func (p *Provider) Stream(ctx context.Context, req loop.CompletionRequest) (<-chan loop.CompletionChunk, error) {
	client := p.client
	if client == nil {
		if req.APIKey == "" {
			return nil, errors.New("provider/openai: no API key configured")
		}
		client = openai.NewClient(req.APIKey)
	}

	messages := convertMessages(req.Messages, req.SystemPrompt)
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("provider/openai: convert tools: %w", err)
		}
		chatReq.Tools = tools
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("provider/openai: create stream: %w", err)
	}

	out := make(chan loop.CompletionChunk, 16)
	go processStream(stream, out)
	return out, nil
}

type toolCallState struct {
	id   string
	name string
	args string
}

// processStream drains stream, emitting normalized chunks onto out. OpenAI
// sends one text-delta stream with no explicit start/end markers, so a
// single text block at index 0 is synthesized around it; tool calls arrive
// keyed by their own index and are finalized once Name/ID have appeared on
// a finish_reason=tool_calls response.
func processStream(stream *openai.ChatCompletionStream, out chan<- loop.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := map[int]*toolCallState{}
	textOpen := false
	stopReason := agentmodel.StopReasonStop
	usage := agentmodel.Usage{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finalizeToolCalls(toolCalls, out)
				if textOpen {
					out <- loop.CompletionChunk{Kind: loop.StreamTextEnd, Index: 0}
				}
				out <- loop.CompletionChunk{Kind: loop.StreamDone, StopReason: stopReason, Usage: usage}
				return
			}
			out <- loop.CompletionChunk{Kind: loop.StreamError, Reason: err.Error()}
			return
		}
		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !textOpen {
				out <- loop.CompletionChunk{Kind: loop.StreamTextStart, Index: 0}
				textOpen = true
			}
			out <- loop.CompletionChunk{Kind: loop.StreamTextDelta, Index: 0, TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			state, ok := toolCalls[idx]
			if !ok {
				state = &toolCallState{}
				toolCalls[idx] = state
				out <- loop.CompletionChunk{Kind: loop.StreamToolCallStart, Index: idx + 1}
			}
			if tc.ID != "" {
				state.id = tc.ID
			}
			if tc.Function.Name != "" {
				state.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				state.args += tc.Function.Arguments
				out <- loop.CompletionChunk{Kind: loop.StreamToolCallDelta, Index: idx + 1, ArgsDelta: tc.Function.Arguments}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = agentmodel.StopReasonToolUse
			finalizeToolCalls(toolCalls, out)
			toolCalls = map[int]*toolCallState{}
		case openai.FinishReasonLength:
			stopReason = agentmodel.StopReasonLength
		}
	}
}

func finalizeToolCalls(toolCalls map[int]*toolCallState, out chan<- loop.CompletionChunk) {
	for idx, tc := range toolCalls {
		if tc.id == "" || tc.name == "" {
			continue
		}
		out <- loop.CompletionChunk{Kind: loop.StreamToolCallEnd, Index: idx + 1, ToolCallID: tc.id, ToolName: tc.name}
	}
}

func convertMessages(messages []loop.CompletionMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: flattenText(m.Content)})
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: flattenText(m.Content)}
			for _, b := range m.Content {
				if b.Kind != agentmodel.ContentToolCall {
					continue
				}
				args, _ := json.Marshal(b.ToolArgs)
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   b.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(args),
					},
				})
			}
			out = append(out, oaiMsg)
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    flattenText(m.Content),
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func flattenText(blocks []agentmodel.ContentBlock) string {
	s := ""
	for _, b := range blocks {
		if b.Kind == agentmodel.ContentText {
			s += b.Text
		}
	}
	return s
}

func convertTools(tools []agentmodel.AgentTool) ([]openai.Tool, error) {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schema := map[string]any{"type": "object", "properties": map[string]any{}}
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out, nil
}
