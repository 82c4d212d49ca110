package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/internal/eventstream"
	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// state is the Session's mutable core. Every field here is touched only
// from inside the actor goroutine (session.go's run loop) — the "single-
// threaded cooperative actor" the design notes call for. No other
// goroutine ever reads or writes state directly; the Loop's poll-back
// closures talk to the SteeringQueue (which has its own lock) and to the
// tokenHolder instead, never to state.
type state struct {
	opts Options

	agent *agentmodel.AgentState
	queue *loop.SteeringQueue

	subs      map[int]chan agentmodel.AgentEvent
	nextSubID int

	idleWaiters  map[int]chan struct{}
	nextWaiterID int

	streaming bool
	runTok    abort.Token
	runStream *eventstream.Stream
	runSpan   trace.Span
	runCancel context.CancelFunc

	// toolStarts records when each outstanding tool call began, for the
	// tool-latency histogram.
	toolStarts map[string]time.Time
}

func newState(opts Options) *state {
	agent := agentmodel.NewAgentState()
	agent.SystemPrompt = opts.SystemPrompt
	agent.Model = opts.Model
	agent.Reasoning = opts.Reasoning
	agent.Tools = opts.Tools

	q := loop.NewSteeringQueue()
	q.SetSteeringMode(opts.SteeringMode)
	q.SetFollowUpMode(opts.FollowUpMode)
	if opts.FollowUpPollInterval > 0 {
		q.SetFollowUpPollInterval(opts.FollowUpPollInterval)
	}

	return &state{
		opts:        opts,
		agent:       agent,
		queue:       q,
		subs:        make(map[int]chan agentmodel.AgentEvent),
		idleWaiters: make(map[int]chan struct{}),
		toolStarts:  make(map[string]time.Time),
	}
}

// dropStrategyLabel is the metrics label for this session's Event Stream
// overflow strategy, resolving the zero value to the stream's own default.
func (st *state) dropStrategyLabel() string {
	if st.opts.DropStrategy == "" {
		return string(eventstream.DropOldest)
	}
	return string(st.opts.DropStrategy)
}

// fanOut delivers evt to every live subscriber. Sends are non-blocking: a
// subscriber that has fallen SubscriberBuffer events behind has this event
// dropped rather than stalling the actor loop (and therefore every other
// Session operation) on one slow reader.
func (st *state) fanOut(evt agentmodel.AgentEvent) {
	for _, ch := range st.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// mirror updates AgentState from one event off the run's Event Stream:
// a partial mirror of message_start/update/end, the pending-tool-calls set
// from tool_execution_start/end, and LastError from assistant error
// messages — performed before fan-out, so subscribers never observe an
// event before the Session's own state reflects it.
func (st *state) mirror(evt agentmodel.AgentEvent) {
	if st.opts.Metrics != nil && st.runStream != nil && st.runTok.Valid() {
		st.opts.Metrics.EventStreamQueue.WithLabelValues(st.runTok.String()).Set(float64(st.runStream.Stats().QueueSize))
	}
	switch evt.Type {
	case agentmodel.EventMessageStart, agentmodel.EventMessageUpdate:
		if evt.Message != nil {
			m := evt.Message.Message
			st.agent.PartialMessage = &m
		}
	case agentmodel.EventMessageEnd:
		if evt.Message != nil {
			m := evt.Message.Message
			st.agent.Messages = append(st.agent.Messages, m)
			st.agent.PartialMessage = nil
			if m.Role == agentmodel.RoleAssistant && m.Assistant != nil && m.Assistant.StopReason == agentmodel.StopReasonError {
				st.agent.LastError = m.Assistant.Error
			}
		}
	case agentmodel.EventToolExecutionStart:
		if evt.ToolExecution != nil {
			st.agent.OutstandingIDs[evt.ToolExecution.ToolCallID] = struct{}{}
			st.toolStarts[evt.ToolExecution.ToolCallID] = time.Now()
		}
	case agentmodel.EventToolExecutionEnd:
		if evt.ToolExecution != nil {
			delete(st.agent.OutstandingIDs, evt.ToolExecution.ToolCallID)
			started, tracked := st.toolStarts[evt.ToolExecution.ToolCallID]
			delete(st.toolStarts, evt.ToolExecution.ToolCallID)
			if st.opts.Metrics != nil {
				outcome := "ok"
				if evt.ToolExecution.IsError {
					outcome = "error"
				}
				st.opts.Metrics.ToolExecutions.WithLabelValues(evt.ToolExecution.ToolName, outcome).Inc()
				if tracked {
					st.opts.Metrics.ToolExecutionLatency.WithLabelValues(evt.ToolExecution.ToolName).Observe(time.Since(started).Seconds())
				}
			}
		}
	case agentmodel.EventError:
		if evt.Error != nil {
			st.agent.LastError = evt.Error.Reason
		}
	}
}

// buildLoopConfig assembles one run's loop.Config from session options and
// state, wiring the steering/follow-up poll-back closures through holder
// so they only answer for the run identified by tok.
func (st *state) buildLoopConfig(tok abort.Token, holder *tokenHolder) loop.Config {
	tools := make(map[string]agentmodel.AgentTool, len(st.agent.Tools))
	for _, t := range st.agent.Tools {
		tools[t.Name] = t
	}
	return loop.Config{
		Stream: loop.StreamConfig{
			ConvertToLLM:     st.opts.ConvertToLLM,
			TransformContext: st.opts.TransformContext,
			APIKeyResolver:   st.opts.GetAPIKey,
			StreamFn:         st.opts.StreamFn,
			Provider:         st.opts.Provider,
			Model:            st.agent.Model,
			Temperature:      st.opts.Temperature,
			MaxTokens:        st.opts.MaxTokens,
			Reasoning:        st.agent.Reasoning,
			ThinkingBudgets:  st.opts.ThinkingBudgets,
			SessionID:        st.opts.ID,
			DefaultAPIKey:    st.opts.DefaultAPIKey,
		},
		ToolExec: loop.ToolExecConfig{MaxConcurrency: st.opts.MaxToolConcurrency, Tracer: st.opts.Tracer},
		Tools:    tools,
		Tracer:   st.opts.Tracer,
		GetSteeringMessages: func() []agentmodel.Message {
			if !holder.matches(tok) {
				return nil
			}
			return st.queue.GetSteeringMessages()
		},
		GetFollowUpMessages: func(ctx context.Context) []agentmodel.Message {
			if !holder.matches(tok) {
				return nil
			}
			return st.queue.GetFollowUpMessages(ctx)
		},
		QueuePollTimeout: st.opts.QueuePollTimeout,
		MaxQueue:         st.opts.MaxQueue,
		DropStrategy:     st.opts.DropStrategy,
	}
}
