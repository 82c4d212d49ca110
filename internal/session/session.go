// Package session implements the Agent Session: one long-lived, addressable
// unit of conversation state, built as a single-threaded actor. One
// goroutine owns all mutable state and processes a channel of closures, so
// every public method is safe to call from any goroutine without a shared
// lock.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/internal/eventstream"
	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/internal/obstrace"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// Session is one addressable, single-threaded actor. Construct with New.
type Session struct {
	id   string
	name string

	ops    chan func(*state)
	closed chan struct{}

	tok *tokenHolder
}

// New constructs a Session and starts its actor goroutine.
func New(opts Options) *Session {
	opts = opts.sanitized()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	s := &Session{
		id:     opts.ID,
		name:   opts.Name,
		ops:    make(chan func(*state), 256),
		closed: make(chan struct{}),
		tok:    &tokenHolder{},
	}
	go s.run(newState(opts))
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Name returns the session's configured label, possibly empty.
func (s *Session) Name() string { return s.name }

// Stop ends the actor goroutine. It does not abort an in-flight run; call
// Abort first and WaitForIdle if a clean shutdown is required. Stop is
// idempotent.
func (s *Session) Stop() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func (s *Session) run(st *state) {
	if st.opts.Metrics != nil {
		st.opts.Metrics.ActiveSessions.Inc()
		defer st.opts.Metrics.ActiveSessions.Dec()
	}
	for {
		select {
		case op := <-s.ops:
			op(st)
		case <-s.closed:
			return
		}
	}
}

// do enqueues fn and blocks until it has run, for request/reply
// operations. The actor drains its mailbox in FIFO order, so this returns
// as soon as fn's turn comes up; on a stopped Session it returns without
// running fn rather than parking the caller forever.
func (s *Session) do(fn func(*state)) {
	done := make(chan struct{})
	op := func(st *state) {
		fn(st)
		close(done)
	}
	select {
	case s.ops <- op:
	case <-s.closed:
		return
	}
	select {
	case <-done:
	case <-s.closed:
	}
}

// cast enqueues fn without waiting, for fire-and-forget operations that
// must return immediately (abort, steer, follow-up). Casts to a stopped
// Session are discarded.
func (s *Session) cast(fn func(*state)) {
	select {
	case s.ops <- fn:
	case <-s.closed:
	}
}

// Prompt submits msg as the next turn and launches a run if none is
// in-flight. msg may be a string (wrapped as a UserMessage with the
// current timestamp), a single agentmodel.Message, or []agentmodel.Message.
func (s *Session) Prompt(msg any) error {
	prompts, err := normalizePrompt(msg)
	if err != nil {
		return err
	}
	var outErr error
	s.do(func(st *state) {
		if st.streaming {
			outErr = ErrAlreadyStreaming
			return
		}
		tok := abort.New()
		s.tok.set(tok)
		snapshot := st.agent.Snapshot()
		cfg := st.buildLoopConfig(tok, s.tok)
		runCtx, runSpan := s.startRunSpan(st, tok)
		runCtx, cancelRun := context.WithCancel(runCtx)
		stream := loop.Run(runCtx, prompts, snapshot, cfg, tok)
		s.beginRun(st, tok, runSpan, cancelRun, stream)
	})
	return outErr
}

// Continue resumes from the existing context, e.g. after a caller injected
// tool results directly into history. Fails synchronously if there are no
// messages or the last one is from the assistant.
func (s *Session) Continue() error {
	var outErr error
	s.do(func(st *state) {
		if st.streaming {
			outErr = ErrAlreadyStreaming
			return
		}
		if len(st.agent.Messages) == 0 {
			outErr = ErrNoMessages
			return
		}
		if st.agent.Messages[len(st.agent.Messages)-1].Role == agentmodel.RoleAssistant {
			outErr = ErrCannotContinue
			return
		}
		tok := abort.New()
		s.tok.set(tok)
		snapshot := st.agent.Snapshot()
		cfg := st.buildLoopConfig(tok, s.tok)
		runCtx, runSpan := s.startRunSpan(st, tok)
		runCtx, cancelRun := context.WithCancel(runCtx)
		stream, err := loop.Continue(runCtx, snapshot, cfg, tok)
		if err != nil {
			if st.opts.Tracer != nil {
				obstrace.End(runSpan, err)
			}
			cancelRun()
			abort.Clear(tok)
			s.tok.clear()
			outErr = err
			return
		}
		s.beginRun(st, tok, runSpan, cancelRun, stream)
	})
	return outErr
}

// startRunSpan opens the run's tracing span, if a Tracer is configured, and
// returns the ctx to pass into loop.Run/loop.Continue so turn and tool spans
// nest under it through ctx propagation.
func (s *Session) startRunSpan(st *state, tok abort.Token) (context.Context, trace.Span) {
	if st.opts.Tracer == nil {
		return context.Background(), nil
	}
	return st.opts.Tracer.StartRun(context.Background(), tok.String(), st.opts.Provider, st.agent.Model)
}

// beginRun marks the run live and spawns the forwarding goroutine that
// subscribes to the run's Event Stream, mirrors each event into AgentState,
// and fans it out to subscribers.
func (s *Session) beginRun(st *state, tok abort.Token, runSpan trace.Span, cancelRun context.CancelFunc, stream *eventstream.Stream) {
	st.streaming = true
	st.runTok = tok
	st.runStream = stream
	st.runSpan = runSpan
	st.runCancel = cancelRun

	runLog := st.opts.Logger.WithRun(s.id, tok.String())
	runLog.Info("run started", "provider", st.opts.Provider, "model", st.agent.Model)
	if st.opts.Metrics != nil {
		st.opts.Metrics.RunsStarted.WithLabelValues(st.opts.Provider, st.agent.Model).Inc()
	}
	started := time.Now()

	go func() {
		for evt := range stream.Events() {
			e := evt
			s.cast(func(st *state) {
				st.mirror(e)
				st.fanOut(e)
			})
		}
		res, _ := stream.Result(0)
		outcome := "ok"
		switch {
		case res.Err == eventstream.ErrCanceled:
			outcome = "canceled"
		case res.Err != nil:
			outcome = "error"
		}
		s.cast(func(st *state) {
			if st.opts.Tracer != nil {
				obstrace.End(st.runSpan, res.Err)
			}
			s.tok.clear()
			st.finishRun(tok, res)
			runLog.Info("run finished", "outcome", outcome, "duration_ms", time.Since(started).Milliseconds())
			if st.opts.Metrics != nil {
				st.opts.Metrics.RunsCompleted.WithLabelValues(st.opts.Provider, st.agent.Model, outcome).Inc()
				st.opts.Metrics.RunDuration.WithLabelValues(st.opts.Provider, st.agent.Model).Observe(time.Since(started).Seconds())
			}
		})
	}()
}

// finishRun synthesizes a terminal message_end for any partial still in
// flight (no message_end arrived but a meaningful partial exists), then
// clears run bookkeeping and wakes every wait_for_idle waiter regardless of
// how the run ended.
func (st *state) finishRun(tok abort.Token, res eventstream.Result) {
	if st.agent.PartialMessage != nil {
		m := *st.agent.PartialMessage
		if m.Role == agentmodel.RoleAssistant && m.Assistant != nil {
			a := *m.Assistant
			if res.Err == eventstream.ErrCanceled {
				a.StopReason = agentmodel.StopReasonAborted
				a.Error = "run canceled before a final assistant message"
			} else {
				a.StopReason = agentmodel.StopReasonError
				a.Error = "run terminated without a final assistant message"
			}
			m.Assistant = &a
		}
		st.agent.Messages = append(st.agent.Messages, m)
		st.agent.PartialMessage = nil
		st.fanOut(agentmodel.AgentEvent{Type: agentmodel.EventMessageEnd, Message: &agentmodel.MessagePayload{Message: m}})
	}

	if st.opts.Metrics != nil && st.runStream != nil {
		if dropped := st.runStream.Stats().Dropped; dropped > 0 {
			st.opts.Metrics.EventStreamDropped.WithLabelValues(st.dropStrategyLabel()).Add(float64(dropped))
		}
		st.opts.Metrics.EventStreamQueue.DeleteLabelValues(st.runTok.String())
	}
	if st.runCancel != nil {
		st.runCancel()
		st.runCancel = nil
	}

	st.streaming = false
	st.runStream = nil
	st.runTok = abort.Token{}
	st.runSpan = nil
	st.toolStarts = make(map[string]time.Time)
	abort.Clear(tok)

	for _, w := range st.idleWaiters {
		close(w)
	}
	st.idleWaiters = make(map[int]chan struct{})
}

// Abort requests cancellation of the in-flight run, if any. It returns
// immediately and does not kill anything: the Loop and tool
// implementations must observe the abort token cooperatively.
func (s *Session) Abort() {
	s.cast(func(st *state) {
		if st.runTok.Valid() {
			abort.Abort(st.runTok)
		}
	})
}

// Subscribe registers a new subscriber and returns its event channel along
// with an unsubscribe function. The channel is buffered
// (Options.SubscriberBuffer); a subscriber that falls behind has events
// dropped rather than stalling the Session (see state.fanOut).
func (s *Session) Subscribe() (<-chan agentmodel.AgentEvent, func()) {
	var id int
	var ch chan agentmodel.AgentEvent
	s.do(func(st *state) {
		ch = make(chan agentmodel.AgentEvent, st.opts.SubscriberBuffer)
		id = st.nextSubID
		st.nextSubID++
		st.subs[id] = ch
	})
	unsub := func() {
		s.cast(func(st *state) {
			if c, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(c)
			}
		})
	}
	return ch, unsub
}

// WaitForIdle returns nil immediately if no run is in flight; otherwise it
// blocks until the current run completes (however it ended) or ctx is
// done. Cancellation removes the waiter without racing a concurrent
// completion notification: if the completion notification has already
// fired by the time the cancellation is processed, WaitForIdle still
// reports success.
func (s *Session) WaitForIdle(ctx context.Context) error {
	waitCh := make(chan struct{})
	var idle bool
	var id int
	s.do(func(st *state) {
		if !st.streaming {
			idle = true
			return
		}
		id = st.nextWaiterID
		st.nextWaiterID++
		st.idleWaiters[id] = waitCh
	})
	if idle {
		return nil
	}

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		var stillPending bool
		s.do(func(st *state) {
			if _, ok := st.idleWaiters[id]; ok {
				delete(st.idleWaiters, id)
				stillPending = true
			}
		})
		if stillPending {
			return ctx.Err()
		}
		// The run finished and closed waitCh concurrently with ctx
		// canceling; the notification wins the race.
		return nil
	}
}

// Reset empties messages, both queues, and the last-error field, leaving
// configuration (model, system prompt, tools, callbacks) intact. Fails if
// a run is in flight.
func (s *Session) Reset() error {
	var outErr error
	s.do(func(st *state) {
		if st.streaming {
			outErr = ErrAlreadyStreaming
			return
		}
		st.agent.Messages = nil
		st.agent.PartialMessage = nil
		st.agent.OutstandingIDs = make(map[string]struct{})
		st.agent.LastError = ""
		st.queue.Clear()
	})
	return outErr
}

// Steer enqueues a steering message, delivered between the current tool
// batch and the next assistant turn.
func (s *Session) Steer(msg agentmodel.Message) {
	s.cast(func(st *state) { st.queue.Steer(msg) })
}

// FollowUp enqueues a follow-up message, delivered only once the agent
// would otherwise stop.
func (s *Session) FollowUp(msg agentmodel.Message) {
	s.cast(func(st *state) { st.queue.FollowUp(msg) })
}

// ClearSteeringQueue empties the steering lane. Idempotent.
func (s *Session) ClearSteeringQueue() { s.do(func(st *state) { st.queue.ClearSteering() }) }

// ClearFollowUpQueue empties the follow-up lane. Idempotent.
func (s *Session) ClearFollowUpQueue() { s.do(func(st *state) { st.queue.ClearFollowUp() }) }

// ClearAllQueues empties both lanes. Idempotent.
func (s *Session) ClearAllQueues() { s.do(func(st *state) { st.queue.Clear() }) }

// SetSteeringMode/SetFollowUpMode change a queue's consumption mode.
func (s *Session) SetSteeringMode(m loop.ConsumptionMode) {
	s.do(func(st *state) { st.queue.SetSteeringMode(m) })
}
func (s *Session) SetFollowUpMode(m loop.ConsumptionMode) {
	s.do(func(st *state) { st.queue.SetFollowUpMode(m) })
}

// SetModel/GetModel, SetSystemPrompt/GetSystemPrompt, SetReasoning/
// GetReasoning, SetTools/GetTools are paired mutators/getters for each
// AgentState field.
func (s *Session) SetModel(model string) { s.do(func(st *state) { st.agent.Model = model }) }
func (s *Session) GetModel() (model string) {
	s.do(func(st *state) { model = st.agent.Model })
	return
}

func (s *Session) SetSystemPrompt(prompt string) {
	s.do(func(st *state) { st.agent.SystemPrompt = prompt })
}
func (s *Session) GetSystemPrompt() (prompt string) {
	s.do(func(st *state) { prompt = st.agent.SystemPrompt })
	return
}

func (s *Session) SetReasoning(level agentmodel.ReasoningLevel) {
	s.do(func(st *state) { st.agent.Reasoning = level })
}
func (s *Session) GetReasoning() (level agentmodel.ReasoningLevel) {
	s.do(func(st *state) { level = st.agent.Reasoning })
	return
}

func (s *Session) SetTools(tools []agentmodel.AgentTool) {
	s.do(func(st *state) { st.agent.Tools = tools })
}
func (s *Session) GetTools() (tools []agentmodel.AgentTool) {
	s.do(func(st *state) { tools = append([]agentmodel.AgentTool(nil), st.agent.Tools...) })
	return
}

// GetMessages returns a copy of the full message history.
func (s *Session) GetMessages() (messages []agentmodel.Message) {
	s.do(func(st *state) { messages = append([]agentmodel.Message(nil), st.agent.Messages...) })
	return
}

// GetState returns a snapshot of the authoritative AgentState. The
// returned value shares no backing arrays/maps with the Session's
// internal state.
func (s *Session) GetState() agentmodel.AgentState {
	var out agentmodel.AgentState
	s.do(func(st *state) {
		out = agentmodel.AgentState{
			SystemPrompt: st.agent.SystemPrompt,
			Model:        st.agent.Model,
			Reasoning:    st.agent.Reasoning,
			Tools:        append([]agentmodel.AgentTool(nil), st.agent.Tools...),
			Messages:     append([]agentmodel.Message(nil), st.agent.Messages...),
			Streaming:    st.streaming,
			LastError:    st.agent.LastError,
		}
		if st.agent.PartialMessage != nil {
			m := *st.agent.PartialMessage
			out.PartialMessage = &m
		}
		out.OutstandingIDs = make(map[string]struct{}, len(st.agent.OutstandingIDs))
		for id := range st.agent.OutstandingIDs {
			out.OutstandingIDs[id] = struct{}{}
		}
	})
	return out
}

// IsStreaming reports whether a run is currently in flight.
func (s *Session) IsStreaming() (streaming bool) {
	s.do(func(st *state) { streaming = st.streaming })
	return
}

// normalizePrompt accepts a {string, Message, []Message} union.
func normalizePrompt(msg any) ([]agentmodel.Message, error) {
	switch v := msg.(type) {
	case string:
		return []agentmodel.Message{agentmodel.NewUserMessage(v)}, nil
	case agentmodel.Message:
		return []agentmodel.Message{v}, nil
	case []agentmodel.Message:
		return append([]agentmodel.Message(nil), v...), nil
	default:
		return nil, errUnsupportedPromptType
	}
}

var errUnsupportedPromptType = errors.New("session: prompt must be a string, agentmodel.Message, or []agentmodel.Message")
