// Package anthropic adapts the Anthropic Messages API to loop.StreamFunc.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// Config configures a Provider.
type Config struct {
	// APIKey is used when the per-request CompletionRequest.APIKey is
	// empty (Session's GetAPIKey callback takes precedence).
	APIKey  string
	BaseURL string
}

// Provider holds one configured Anthropic client.
type Provider struct {
	opts []option.RequestOption
}

// New constructs a Provider from cfg.
func New(cfg Config) *Provider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{opts: opts}
}

// Stream implements loop.StreamFunc.
func (p *Provider) Stream(ctx context.Context, req loop.CompletionRequest) (<-chan loop.CompletionChunk, error) {
	opts := p.opts
	if req.APIKey != "" {
		opts = append(append([]option.RequestOption(nil), opts...), option.WithAPIKey(req.APIKey))
	}
	client := anthropic.NewClient(opts...)

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("provider/anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("provider/anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.Reasoning != agentmodel.ReasoningOff && req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	stream := client.Messages.NewStreaming(ctx, params)

	out := make(chan loop.CompletionChunk, 16)
	go processStream(stream, out)
	return out, nil
}

// processStream drains stream, emitting normalized chunks onto out. It
// owns out and always closes it, even on error or early context
// cancellation (detected via stream.Err()/ctx).
func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- loop.CompletionChunk) {
	defer close(out)

	toolArgs := map[int64]string{}
	usage := agentmodel.Usage{}
	stopReason := agentmodel.StopReasonStop

	var inThinkingBlock bool

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
		case "content_block_start":
			start := event.AsContentBlockStart()
			idx := int(start.Index)
			switch start.ContentBlock.Type {
			case "thinking":
				inThinkingBlock = true
				out <- loop.CompletionChunk{Kind: loop.StreamThinkingStart, Index: idx}
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				toolArgs[start.Index] = ""
				out <- loop.CompletionChunk{Kind: loop.StreamToolCallStart, Index: idx, ToolCallID: toolUse.ID, ToolName: toolUse.Name}
			default:
				out <- loop.CompletionChunk{Kind: loop.StreamTextStart, Index: idx}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			idx := int(delta.Index)
			switch delta.Delta.Type {
			case "text_delta":
				out <- loop.CompletionChunk{Kind: loop.StreamTextDelta, Index: idx, TextDelta: delta.Delta.Text}
			case "thinking_delta":
				out <- loop.CompletionChunk{Kind: loop.StreamThinkingDelta, Index: idx, TextDelta: delta.Delta.Thinking}
			case "signature_delta":
				out <- loop.CompletionChunk{Kind: loop.StreamThinkingDelta, Index: idx, Signature: delta.Delta.Signature}
			case "input_json_delta":
				toolArgs[delta.Index] += delta.Delta.PartialJSON
				out <- loop.CompletionChunk{Kind: loop.StreamToolCallDelta, Index: idx, ArgsDelta: delta.Delta.PartialJSON}
			}
		case "content_block_stop":
			stop := event.AsContentBlockStop()
			idx := int(stop.Index)
			if _, ok := toolArgs[stop.Index]; ok {
				out <- loop.CompletionChunk{Kind: loop.StreamToolCallEnd, Index: idx}
				delete(toolArgs, stop.Index)
			} else if inThinkingBlock {
				out <- loop.CompletionChunk{Kind: loop.StreamThinkingEnd, Index: idx}
				inThinkingBlock = false
			} else {
				out <- loop.CompletionChunk{Kind: loop.StreamTextEnd, Index: idx}
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			switch delta.Delta.StopReason {
			case "tool_use":
				stopReason = agentmodel.StopReasonToolUse
			case "max_tokens":
				stopReason = agentmodel.StopReasonLength
			}
		case "message_stop":
			out <- loop.CompletionChunk{Kind: loop.StreamDone, StopReason: stopReason, Usage: usage}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- loop.CompletionChunk{Kind: loop.StreamError, Reason: err.Error()}
	}
}

func convertMessages(messages []loop.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			blocks, err := userBlocks(m.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case "assistant":
			blocks, err := assistantBlocks(m.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			content := flattenText(m.Content)
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, content, false)))
		}
	}
	return out, nil
}

func userBlocks(blocks []agentmodel.ContentBlock) ([]anthropic.ContentBlockParamUnion, error) {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		if b.Kind == agentmodel.ContentText {
			out = append(out, anthropic.NewTextBlock(b.Text))
		}
	}
	return out, nil
}

func assistantBlocks(blocks []agentmodel.ContentBlock) ([]anthropic.ContentBlockParamUnion, error) {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case agentmodel.ContentText:
			out = append(out, anthropic.NewTextBlock(b.Text))
		case agentmodel.ContentToolCall:
			out = append(out, anthropic.NewToolUseBlock(b.ToolCallID, b.ToolArgs, b.ToolName))
		}
	}
	return out, nil
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

func convertTools(tools []agentmodel.AgentTool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		out = append(out, toolParam)
	}
	return out, nil
}
