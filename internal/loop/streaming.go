// Package loop implements the stateless Agent Loop engine: one model call
// (this file), parallel tool execution (toolexec.go), and the outer/inner
// turn orchestration (loop.go).
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// StreamConfig configures one RunOneTurn call.
type StreamConfig struct {
	ConvertToLLM     ConvertToLLMFunc
	TransformContext TransformContextFunc
	APIKeyResolver   APIKeyResolverFunc
	StreamFn         StreamFunc

	Provider        string
	Model           string
	Temperature     float64
	MaxTokens       int
	Reasoning       agentmodel.ReasoningLevel
	ThinkingBudgets map[agentmodel.ReasoningLevel]int
	SessionID       string
	DefaultAPIKey   string

	// MaxResponseTextSize caps accumulated text/thinking length per
	// content block. Default 1<<20.
	MaxResponseTextSize int
	// MaxToolCallsPerIteration caps ToolCall blocks parsed per turn.
	// Default 100.
	MaxToolCallsPerIteration int
}

func (c StreamConfig) sanitized() StreamConfig {
	if c.MaxResponseTextSize <= 0 {
		c.MaxResponseTextSize = 1 << 20
	}
	if c.MaxToolCallsPerIteration <= 0 {
		c.MaxToolCallsPerIteration = 100
	}
	if c.ConvertToLLM == nil {
		c.ConvertToLLM = DefaultConvertToLLM
	}
	return c
}

// EmitFunc publishes one AgentEvent. Passed in by the Agent Loop so
// RunOneTurn never needs to know about the Event Stream directly.
type EmitFunc func(agentmodel.AgentEvent)

// RunOneTurn resolves context, invokes the stream function, consumes its
// normalized events into a single finalized AssistantMessage, and emits
// message_start / message_update* / message_end along the way. It returns
// the finalized message plus the full message list with it appended.
func RunOneTurn(ctx context.Context, agentCtx agentmodel.AgentContext, cfg StreamConfig, tok abort.Token, emit EmitFunc) (agentmodel.Message, []agentmodel.Message, error) {
	cfg = cfg.sanitized()

	// Step 1: aborted before start.
	if abort.Aborted(tok) {
		msg := syntheticAssistantMessage(cfg, agentmodel.StopReasonAborted, "")
		emit(messageStartEvent(msg))
		emit(messageEndEvent(msg))
		return msg, append(agentCtx.Messages, msg), nil
	}

	messages := agentCtx.Messages
	if cfg.TransformContext != nil {
		transformed, err := cfg.TransformContext(ctx, messages)
		if err != nil {
			return agentmodel.Message{}, messages, err
		}
		messages = transformed
	}

	llmMessages, err := cfg.ConvertToLLM(messages)
	if err != nil {
		return agentmodel.Message{}, messages, err
	}

	apiKey := cfg.DefaultAPIKey
	if cfg.APIKeyResolver != nil {
		key, err := cfg.APIKeyResolver(ctx, cfg.Provider)
		if err != nil {
			return agentmodel.Message{}, messages, err
		}
		if key != "" {
			apiKey = key
		}
	}

	budget := 0
	if cfg.ThinkingBudgets != nil {
		budget = cfg.ThinkingBudgets[cfg.Reasoning]
	} else {
		budget = agentmodel.ReasoningBudgets[cfg.Reasoning]
	}

	req := CompletionRequest{
		Model:          cfg.Model,
		SystemPrompt:   agentCtx.SystemPrompt,
		Messages:       llmMessages,
		Tools:          agentCtx.Tools,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Reasoning:      cfg.Reasoning,
		ThinkingBudget: budget,
		SessionID:      cfg.SessionID,
		APIKey:         apiKey,
	}

	if cfg.StreamFn == nil {
		return agentmodel.Message{}, messages, ErrNoStreamFunc
	}
	stream, err := cfg.StreamFn(ctx, req)
	if err != nil {
		return agentmodel.Message{}, messages, err
	}

	partial := &partialAssistant{
		msg: agentmodel.AssistantMessage{Provider: cfg.Provider, Model: cfg.Model},
	}
	started := false

	for {
		// Step 7: poll abort before each read.
		if abort.Aborted(tok) {
			final := partial.finalize(agentmodel.StopReasonAborted, "aborted")
			if !started {
				emit(messageStartEvent(final))
				started = true
			}
			emit(messageEndEvent(final))
			return final, append(messages, final), nil
		}

		chunk, ok := <-stream
		if !ok {
			// Step 8: stream died without a terminal event.
			reason := agentmodel.StopReasonStop
			if !partial.hasContent() {
				reason = agentmodel.StopReasonError
			}
			final := partial.finalize(reason, "")
			if !started {
				emit(messageStartEvent(final))
			}
			emit(messageEndEvent(final))
			return final, append(messages, final), nil
		}

		if !started {
			emit(messageStartEvent(assistantToMessage(partial.msg)))
			started = true
		}

		switch chunk.Kind {
		case StreamTextStart, StreamThinkingStart, StreamToolCallStart:
			delta := partial.applyStart(chunk, cfg.MaxToolCallsPerIteration)
			emit(messageUpdateEvent(assistantToMessage(partial.msg), delta))
		case StreamTextDelta, StreamThinkingDelta, StreamToolCallDelta:
			delta := partial.applyDelta(chunk, cfg.MaxResponseTextSize)
			emit(messageUpdateEvent(assistantToMessage(partial.msg), delta))
		case StreamTextEnd, StreamThinkingEnd, StreamToolCallEnd:
			partial.applyEnd(chunk)
		case StreamDone:
			partial.msg.Usage = chunk.Usage
			final := partial.finalize(chunk.StopReason, "")
			emit(messageEndEvent(final))
			return final, append(messages, final), nil
		case StreamError:
			final := partial.finalize(agentmodel.StopReasonError, chunk.Reason)
			emit(messageEndEvent(final))
			return final, append(messages, final), fmt.Errorf("stream error: %s", chunk.Reason)
		case StreamCanceled:
			final := partial.finalize(agentmodel.StopReasonAborted, chunk.Reason)
			emit(messageEndEvent(final))
			return final, append(messages, final), nil
		}
	}
}

func syntheticAssistantMessage(cfg StreamConfig, reason agentmodel.StopReason, errText string) agentmodel.Message {
	return agentmodel.Message{
		Role:      agentmodel.RoleAssistant,
		CreatedAt: time.Now(),
		Assistant: &agentmodel.AssistantMessage{
			Provider:   cfg.Provider,
			Model:      cfg.Model,
			StopReason: reason,
			Error:      errText,
		},
	}
}

func messageStartEvent(m agentmodel.Message) agentmodel.AgentEvent {
	return agentmodel.AgentEvent{Type: agentmodel.EventMessageStart, Message: &agentmodel.MessagePayload{Message: m}}
}

func messageUpdateEvent(m agentmodel.Message, delta *agentmodel.ContentDelta) agentmodel.AgentEvent {
	return agentmodel.AgentEvent{Type: agentmodel.EventMessageUpdate, Message: &agentmodel.MessagePayload{Message: m, Delta: delta}}
}

func messageEndEvent(m agentmodel.Message) agentmodel.AgentEvent {
	return agentmodel.AgentEvent{Type: agentmodel.EventMessageEnd, Message: &agentmodel.MessagePayload{Message: m}}
}

// partialAssistant accumulates one in-flight AssistantMessage across
// streamed chunks, addressed by content index.
type partialAssistant struct {
	msg agentmodel.AssistantMessage
}

func (p *partialAssistant) hasContent() bool {
	return len(p.msg.Content) > 0
}

func (p *partialAssistant) applyStart(c CompletionChunk, maxToolCalls int) *agentmodel.ContentDelta {
	for len(p.msg.Content) <= c.Index {
		p.msg.Content = append(p.msg.Content, agentmodel.ContentBlock{})
	}
	switch c.Kind {
	case StreamTextStart:
		p.msg.Content[c.Index].Kind = agentmodel.ContentText
	case StreamThinkingStart:
		p.msg.Content[c.Index].Kind = agentmodel.ContentThinking
	case StreamToolCallStart:
		if p.countToolCalls() >= maxToolCalls {
			return nil
		}
		p.msg.Content[c.Index].Kind = agentmodel.ContentToolCall
		p.msg.Content[c.Index].ToolCallID = c.ToolCallID
		p.msg.Content[c.Index].ToolName = c.ToolName
	}
	return &agentmodel.ContentDelta{Index: c.Index}
}

func (p *partialAssistant) countToolCalls() int {
	n := 0
	for _, b := range p.msg.Content {
		if b.Kind == agentmodel.ContentToolCall {
			n++
		}
	}
	return n
}

func (p *partialAssistant) applyDelta(c CompletionChunk, maxTextSize int) *agentmodel.ContentDelta {
	for len(p.msg.Content) <= c.Index {
		p.msg.Content = append(p.msg.Content, agentmodel.ContentBlock{})
	}
	block := &p.msg.Content[c.Index]
	switch c.Kind {
	case StreamTextDelta, StreamThinkingDelta:
		if len(block.Text)+len(c.TextDelta) <= maxTextSize {
			block.Text += c.TextDelta
		}
		return &agentmodel.ContentDelta{Index: c.Index, TextDelta: c.TextDelta}
	case StreamToolCallDelta:
		block.ToolArgsJSON += c.ArgsDelta
		block.ToolArgs = completePartialJSON(block.ToolArgsJSON)
		return &agentmodel.ContentDelta{Index: c.Index, ArgsDelta: c.ArgsDelta}
	}
	return nil
}

func (p *partialAssistant) applyEnd(c CompletionChunk) {
	if c.Index < 0 || c.Index >= len(p.msg.Content) {
		return
	}
	block := &p.msg.Content[c.Index]
	if c.Signature != "" {
		block.Signature = c.Signature
	}
	if block.Kind == agentmodel.ContentToolCall {
		// Some providers only learn the call's id/name by the end of the
		// block (OpenAI streams them incrementally); take them from the end
		// chunk if the start didn't carry them.
		if block.ToolCallID == "" && c.ToolCallID != "" {
			block.ToolCallID = c.ToolCallID
		}
		if block.ToolName == "" && c.ToolName != "" {
			block.ToolName = c.ToolName
		}
		// Final parse attempt now that the argument stream is complete.
		block.ToolArgs = completePartialJSON(block.ToolArgsJSON)
	}
}

func (p *partialAssistant) finalize(reason agentmodel.StopReason, errText string) agentmodel.Message {
	p.msg.StopReason = reason
	p.msg.Error = errText
	return assistantToMessage(p.msg)
}

func assistantToMessage(m agentmodel.AssistantMessage) agentmodel.Message {
	return agentmodel.Message{Role: agentmodel.RoleAssistant, CreatedAt: time.Now(), Assistant: &m}
}
