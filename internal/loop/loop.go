package loop

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/internal/eventstream"
	"github.com/flowloom/agentcore/internal/obstrace"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// DefaultQueuePollTimeout is the ceiling on synchronous poll-back calls
// into the Session.
const DefaultQueuePollTimeout = 30 * time.Minute

// Config is everything one Run/Continue invocation needs: the model call
// configuration, tool execution configuration, the tool catalogue, and the
// Session-supplied steering/follow-up providers.
type Config struct {
	Stream   StreamConfig
	ToolExec ToolExecConfig
	Tools    map[string]agentmodel.AgentTool

	GetSteeringMessages func() []agentmodel.Message
	GetFollowUpMessages func(ctx context.Context) []agentmodel.Message

	// QueuePollTimeout bounds GetFollowUpMessages's long poll per call.
	QueuePollTimeout time.Duration

	// EventStream construction knobs.
	MaxQueue     int
	DropStrategy eventstream.DropStrategy

	// Tracer, if set, opens one span per turn around ctx (and, via
	// ToolExec.Tracer, one span per tool call nested under it). The run
	// span itself is the Session's concern: it opens around the ctx
	// passed into Run/Continue, so turn spans nest under it automatically
	// through ctx propagation.
	Tracer *obstrace.Tracer
}

func (c Config) sanitized() Config {
	if c.QueuePollTimeout <= 0 {
		c.QueuePollTimeout = DefaultQueuePollTimeout
	}
	if c.GetSteeringMessages == nil {
		c.GetSteeringMessages = func() []agentmodel.Message { return nil }
	}
	if c.GetFollowUpMessages == nil {
		c.GetFollowUpMessages = func(context.Context) []agentmodel.Message { return nil }
	}
	return c
}

// Run begins a run with new user prompts. It allocates an Event Stream,
// spawns one supervised task, attaches it to the stream, and returns the
// stream handle immediately.
func Run(ctx context.Context, prompts []agentmodel.Message, agentCtx agentmodel.AgentContext, cfg Config, tok abort.Token) *eventstream.Stream {
	cfg = cfg.sanitized()
	stream := eventstream.New(eventstream.Config{Owner: ctx, MaxQueue: cfg.MaxQueue, DropStrategy: cfg.DropStrategy})
	stream.Attach(func() error {
		runTask(ctx, stream, prompts, agentCtx, cfg, tok)
		return nil
	})
	return stream
}

// Continue resumes from existing context, e.g. after injected tool
// results. It fails synchronously (no stream, no events) if the context is
// empty or its last message is from the assistant.
func Continue(ctx context.Context, agentCtx agentmodel.AgentContext, cfg Config, tok abort.Token) (*eventstream.Stream, error) {
	if len(agentCtx.Messages) == 0 {
		return nil, ErrEmptyContext
	}
	if agentCtx.Messages[len(agentCtx.Messages)-1].Role == agentmodel.RoleAssistant {
		return nil, ErrCannotContinue
	}
	cfg = cfg.sanitized()
	stream := eventstream.New(eventstream.Config{Owner: ctx, MaxQueue: cfg.MaxQueue, DropStrategy: cfg.DropStrategy})
	stream.Attach(func() error {
		runTask(ctx, stream, nil, agentCtx, cfg, tok)
		return nil
	})
	return stream, nil
}

// runTask is the task body wrapped by stream.Attach: a panic here becomes
// a terminal error event via the Attach monitoring in eventstream.Stream.
func runTask(ctx context.Context, stream *eventstream.Stream, prompts []agentmodel.Message, agentCtx agentmodel.AgentContext, cfg Config, tok abort.Token) {
	emit := func(e agentmodel.AgentEvent) { stream.Push(e) }

	emit(agentmodel.AgentEvent{Type: agentmodel.EventAgentStart})

	messages := append([]agentmodel.Message(nil), agentCtx.Messages...)
	var newMessages []agentmodel.Message
	stats := &agentmodel.RunStats{}
	var runUsage agentmodel.Usage
	runStarted := time.Now()

	pending := prompts
	firstTurn := true
	turnIndex := 0

	for {
		select {
		case <-ctx.Done():
			stream.Cancel("context_canceled")
			return
		default:
		}

		if !firstTurn {
			emit(agentmodel.AgentEvent{Type: agentmodel.EventTurnStart})
		}

		for _, m := range pending {
			messages = append(messages, m)
			newMessages = append(newMessages, m)
			emit(messageStartEvent(m))
			emit(messageEndEvent(m))
		}
		pending = nil
		firstTurn = false

		turnCtx := ctx
		var turnSpan trace.Span
		if cfg.Tracer != nil {
			turnCtx, turnSpan = cfg.Tracer.StartTurn(ctx, turnIndex)
		}
		turnIndex++
		endTurn := func(err error) {
			if cfg.Tracer != nil {
				obstrace.End(turnSpan, err)
			}
		}

		turnAgentCtx := agentmodel.AgentContext{SystemPrompt: agentCtx.SystemPrompt, Messages: messages, Tools: agentCtx.Tools}
		assistantMsg, updatedMessages, err := RunOneTurn(turnCtx, turnAgentCtx, cfg.Stream, tok, emit)
		messages = updatedMessages
		stats.Turns++
		if assistantMsg.Assistant != nil {
			runUsage.Add(assistantMsg.Assistant.Usage)
			stats.InputTokens = runUsage.InputTokens
			stats.OutputTokens = runUsage.OutputTokens
		}

		if err != nil && assistantMsg.Assistant == nil {
			// Transform/convert/api-key resolution/stream construction
			// failed before any assistant turn began: no turn occurred, so
			// don't pollute new_messages or announce a turn_end for one.
			// Use the real failure's reason rather than lumping it in with
			// provider errors.
			lerr := &Error{Phase: PhaseStream, Turn: stats.Turns, Cause: err}
			endTurn(lerr)
			stream.Error(lerr.Error(), lerr, nil)
			return
		}

		newMessages = append(newMessages, assistantMsg)

		if err != nil {
			// Provider-level stream error: assistantMsg is the finalized
			// message with stop_reason=error, produced by a StreamError
			// chunk from the model's stream.
			endTurn(err)
			emit(agentmodel.AgentEvent{Type: agentmodel.EventTurnEnd, TurnEnd: &agentmodel.TurnEndPayload{Assistant: &assistantMsg}})
			stream.Error("assistant_error", err, &newMessages[len(newMessages)-1])
			return
		}

		reason := agentmodel.StopReasonStop
		if assistantMsg.Assistant != nil {
			reason = assistantMsg.Assistant.StopReason
		}

		if reason == agentmodel.StopReasonAborted {
			endTurn(nil)
			emit(agentmodel.AgentEvent{Type: agentmodel.EventTurnEnd, TurnEnd: &agentmodel.TurnEndPayload{Assistant: &assistantMsg}})
			stream.Cancel("assistant_aborted")
			return
		}
		if reason == agentmodel.StopReasonError {
			assistantErr := errors.New(assistantMsg.Assistant.Error)
			if assistantMsg.Assistant.Error == "" {
				assistantErr = errors.New("assistant stop_reason=error")
			}
			endTurn(assistantErr)
			emit(agentmodel.AgentEvent{Type: agentmodel.EventTurnEnd, TurnEnd: &agentmodel.TurnEndPayload{Assistant: &assistantMsg}})
			stream.Error("assistant_error", nil, &assistantMsg)
			return
		}

		calls := toolCallBlocks(assistantMsg)
		if len(calls) > 0 {
			stats.ToolCalls += len(calls)
			execResult := ExecuteTools(turnCtx, calls, cfg.Tools, cfg.ToolExec, tok, emit)
			for _, rm := range execResult.ResultMessages {
				messages = append(messages, rm)
				newMessages = append(newMessages, rm)
				emit(messageStartEvent(rm))
				emit(messageEndEvent(rm))
			}

			emit(agentmodel.AgentEvent{
				Type:    agentmodel.EventTurnEnd,
				TurnEnd: &agentmodel.TurnEndPayload{Assistant: &assistantMsg, ToolResults: execResult.ResultMessages},
			})
			endTurn(nil)

			if abort.Aborted(tok) {
				stream.Cancel("aborted")
				return
			}

			pending = cfg.GetSteeringMessages()
			continue
		}

		emit(agentmodel.AgentEvent{Type: agentmodel.EventTurnEnd, TurnEnd: &agentmodel.TurnEndPayload{Assistant: &assistantMsg}})
		endTurn(nil)

		if steeringMsgs := cfg.GetSteeringMessages(); len(steeringMsgs) > 0 {
			pending = steeringMsgs
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, cfg.QueuePollTimeout)
		followUps := cfg.GetFollowUpMessages(pollCtx)
		cancel()
		if len(followUps) > 0 {
			pending = followUps
			continue
		}

		stats.DroppedEvents = stream.Stats().Dropped
		stats.WallTime = time.Since(runStarted)
		stream.Complete(newMessages, stats)
		return
	}
}

func toolCallBlocks(m agentmodel.Message) []agentmodel.ContentBlock {
	if m.Assistant == nil {
		return nil
	}
	var calls []agentmodel.ContentBlock
	for _, b := range m.Assistant.Content {
		if b.Kind == agentmodel.ContentToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}
