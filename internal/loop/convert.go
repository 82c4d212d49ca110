package loop

import (
	"context"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// CompletionMessage is the provider-shaped message produced by
// ConvertToLLMFunc.
type CompletionMessage struct {
	Role       string                    `json:"role"` // "user" | "assistant" | "tool"
	Content    []agentmodel.ContentBlock `json:"content,omitempty"`
	ToolCallID string                    `json:"tool_call_id,omitempty"`
}

// CompletionRequest is the input to a StreamFunc: one model call.
type CompletionRequest struct {
	Model          string
	SystemPrompt   string
	Messages       []CompletionMessage
	Tools          []agentmodel.AgentTool
	Temperature    float64
	MaxTokens      int
	Reasoning      agentmodel.ReasoningLevel
	ThinkingBudget int
	SessionID      string
	APIKey         string
}

// StreamEventKind is the normalized provider-stream event alphabet every
// StreamFunc implementation must emit.
type StreamEventKind string

const (
	StreamStart         StreamEventKind = "start"
	StreamTextStart     StreamEventKind = "text_start"
	StreamTextDelta     StreamEventKind = "text_delta"
	StreamTextEnd       StreamEventKind = "text_end"
	StreamThinkingStart StreamEventKind = "thinking_start"
	StreamThinkingDelta StreamEventKind = "thinking_delta"
	StreamThinkingEnd   StreamEventKind = "thinking_end"
	StreamToolCallStart StreamEventKind = "tool_call_start"
	StreamToolCallDelta StreamEventKind = "tool_call_delta"
	StreamToolCallEnd   StreamEventKind = "tool_call_end"
	StreamDone          StreamEventKind = "done"
	StreamError         StreamEventKind = "error"
	StreamCanceled      StreamEventKind = "canceled"
)

// CompletionChunk is one normalized event from a provider stream.
type CompletionChunk struct {
	Kind StreamEventKind

	// Index addresses the content block this chunk affects.
	Index int

	TextDelta  string
	ArgsDelta  string
	ToolCallID string
	ToolName   string
	Signature  string

	// Populated on StreamDone.
	StopReason agentmodel.StopReason
	Usage      agentmodel.Usage

	// Populated on StreamError.
	Reason string
	Err    error
}

// StreamFunc adapts one concrete model provider to the loop; see
// internal/provider/* for the shipped adapters.
type StreamFunc func(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)

// ConvertToLLMFunc bridges AgentState history to provider-shaped messages.
type ConvertToLLMFunc func(messages []agentmodel.Message) ([]CompletionMessage, error)

// DefaultConvertToLLM retains only User/Assistant/ToolResult roles,
// flattening each into a CompletionMessage.
func DefaultConvertToLLM(messages []agentmodel.Message) ([]CompletionMessage, error) {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case agentmodel.RoleUser:
			if m.User != nil {
				out = append(out, CompletionMessage{Role: "user", Content: m.User.Content})
			}
		case agentmodel.RoleAssistant:
			if m.Assistant != nil {
				out = append(out, CompletionMessage{Role: "assistant", Content: m.Assistant.Content})
			}
		case agentmodel.RoleToolResult:
			if m.ToolResult != nil {
				out = append(out, CompletionMessage{
					Role:       "tool",
					Content:    m.ToolResult.Content,
					ToolCallID: m.ToolResult.ToolCallID,
				})
			}
		}
	}
	return out, nil
}

// TransformContextFunc optionally rewrites message history once per model
// turn before conversion (e.g. contextsize.MakeTransform's output). ctx
// carries the run's cancellation so a transform can observe an abort
// mid-rewrite rather than running unbounded.
type TransformContextFunc func(ctx context.Context, messages []agentmodel.Message) ([]agentmodel.Message, error)

// APIKeyResolverFunc resolves a per-turn API key so short-lived credentials
// can be refreshed between turns.
type APIKeyResolverFunc func(ctx context.Context, provider string) (string, error)
