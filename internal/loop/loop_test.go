package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/internal/eventstream"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// scriptedProvider replays one canned []CompletionChunk per call to
// StreamFn, in order. Additional calls beyond the script replay the last
// entry so a loop that keeps turning doesn't panic on an index overrun.
type scriptedProvider struct {
	mu     sync.Mutex
	script [][]CompletionChunk
	calls  int
}

func (p *scriptedProvider) StreamFn(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	p.mu.Unlock()

	chunks := p.script[idx]
	ch := make(chan CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textTurn(text string) []CompletionChunk {
	return []CompletionChunk{
		{Kind: StreamTextStart, Index: 0},
		{Kind: StreamTextDelta, Index: 0, TextDelta: text},
		{Kind: StreamTextEnd, Index: 0},
		{Kind: StreamDone, StopReason: agentmodel.StopReasonStop},
	}
}

func eventTypes(events []agentmodel.AgentEvent) []agentmodel.AgentEventType {
	out := make([]agentmodel.AgentEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// TestRunHappyPathNoTools drives one text-only turn end to end: user
// prompt in, streamed assistant reply out, agent_end carrying exactly the
// run's new messages.
func TestRunHappyPathNoTools(t *testing.T) {
	provider := &scriptedProvider{script: [][]CompletionChunk{textTurn("hello")}}
	cfg := Config{Stream: StreamConfig{StreamFn: provider.StreamFn}}
	tok := abort.New()
	defer abort.Clear(tok)

	prompts := []agentmodel.Message{agentmodel.NewUserMessage("hi")}
	stream := Run(context.Background(), prompts, agentmodel.AgentContext{SystemPrompt: "be brief"}, cfg, tok)

	var events []agentmodel.AgentEvent
	for e := range stream.Events() {
		events = append(events, e)
	}

	types := eventTypes(events)
	if types[0] != agentmodel.EventAgentStart {
		t.Fatalf("expected agent_start first, got %v", types)
	}
	last := events[len(events)-1]
	if last.Type != agentmodel.EventAgentEnd {
		t.Fatalf("expected agent_end terminal, got %s", last.Type)
	}
	if len(last.AgentEnd.NewMessages) != 2 {
		t.Fatalf("expected 2 new messages (user+assistant), got %d", len(last.AgentEnd.NewMessages))
	}
	if last.AgentEnd.NewMessages[0].Role != agentmodel.RoleUser {
		t.Fatalf("expected first new message to be the user prompt")
	}
	if last.AgentEnd.NewMessages[1].Role != agentmodel.RoleAssistant {
		t.Fatalf("expected second new message to be the assistant reply")
	}
}

// TestRunOneToolCall drives a tool_use turn followed by a final stop turn,
// checking the tool_execution_start/end pair and the per-turn turn_end
// count along the way.
func TestRunOneToolCall(t *testing.T) {
	toolTurn := []CompletionChunk{
		{Kind: StreamToolCallStart, Index: 0, ToolCallID: "t1", ToolName: "echo"},
		{Kind: StreamToolCallDelta, Index: 0, ArgsDelta: `{"x":1}`},
		{Kind: StreamToolCallEnd, Index: 0},
		{Kind: StreamDone, StopReason: agentmodel.StopReasonToolUse},
	}
	provider := &scriptedProvider{script: [][]CompletionChunk{toolTurn, textTurn("")}}

	tools := map[string]agentmodel.AgentTool{
		"echo": {Name: "echo", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			return agentmodel.TextToolResult("1", false), nil
		}},
	}
	cfg := Config{Stream: StreamConfig{StreamFn: provider.StreamFn}, Tools: tools}
	tok := abort.New()
	defer abort.Clear(tok)

	prompts := []agentmodel.Message{agentmodel.NewUserMessage("run echo")}
	stream := Run(context.Background(), prompts, agentmodel.AgentContext{Tools: []agentmodel.AgentTool{{Name: "echo"}}}, cfg, tok)

	var events []agentmodel.AgentEvent
	for e := range stream.Events() {
		events = append(events, e)
	}

	var sawStart, sawEnd bool
	var turnEndCount int
	for _, e := range events {
		switch e.Type {
		case agentmodel.EventToolExecutionStart:
			sawStart = true
			if e.ToolExecution.ToolCallID != "t1" || e.ToolExecution.ToolName != "echo" {
				t.Fatalf("unexpected tool_execution_start payload: %+v", e.ToolExecution)
			}
		case agentmodel.EventToolExecutionEnd:
			sawEnd = true
			if e.ToolExecution.IsError {
				t.Fatalf("expected successful tool result, got error: %+v", e.ToolExecution.Result)
			}
		case agentmodel.EventTurnEnd:
			turnEndCount++
		}
	}
	if !sawStart || !sawEnd {
		t.Fatal("expected both tool_execution_start and tool_execution_end")
	}
	if turnEndCount != 2 {
		t.Fatalf("expected 2 turns (tool turn + final stop turn), got %d", turnEndCount)
	}

	last := events[len(events)-1]
	if last.Type != agentmodel.EventAgentEnd {
		t.Fatalf("expected agent_end terminal, got %s", last.Type)
	}
}

// TestSteeringOneAtATime starts with two steering messages queued while the
// first turn runs a tool batch; the first is injected before the next
// assistant turn, the second before the turn after that.
func TestSteeringOneAtATime(t *testing.T) {
	toolTurn := []CompletionChunk{
		{Kind: StreamToolCallStart, Index: 0, ToolCallID: "t1", ToolName: "slow"},
		{Kind: StreamToolCallEnd, Index: 0},
		{Kind: StreamDone, StopReason: agentmodel.StopReasonToolUse},
	}
	provider := &scriptedProvider{script: [][]CompletionChunk{toolTurn, textTurn("a"), textTurn("b"), textTurn("done")}}

	released := make(chan struct{})
	var queue struct {
		sync.Mutex
		msgs []agentmodel.Message
	}
	queue.msgs = []agentmodel.Message{agentmodel.NewUserMessage("A"), agentmodel.NewUserMessage("B")}

	tools := map[string]agentmodel.AgentTool{
		"slow": {Name: "slow", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			<-released
			return agentmodel.TextToolResult("ok", false), nil
		}},
	}

	var turnsSeen [][]agentmodel.Message
	var mu sync.Mutex

	cfg := Config{
		Stream: StreamConfig{StreamFn: provider.StreamFn},
		Tools:  tools,
		GetSteeringMessages: func() []agentmodel.Message {
			queue.Lock()
			defer queue.Unlock()
			if len(queue.msgs) == 0 {
				return nil
			}
			msg := queue.msgs[0]
			queue.msgs = queue.msgs[1:]
			return []agentmodel.Message{msg}
		},
	}
	tok := abort.New()
	defer abort.Clear(tok)

	prompts := []agentmodel.Message{agentmodel.NewUserMessage("go")}
	stream := Run(context.Background(), prompts, agentmodel.AgentContext{}, cfg, tok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(released)
	}()

	var pendingTurn []agentmodel.Message
	for e := range stream.Events() {
		if e.Type == agentmodel.EventMessageStart && e.Message.Message.Role == agentmodel.RoleUser {
			pendingTurn = append(pendingTurn, e.Message.Message)
		}
		if e.Type == agentmodel.EventTurnEnd {
			mu.Lock()
			turnsSeen = append(turnsSeen, append([]agentmodel.Message(nil), pendingTurn...))
			mu.Unlock()
			pendingTurn = nil
		}
	}

	// Turn 1 has no injected user message (it's the opening prompt's turn).
	// Turn 2 should have exactly "A" injected, turn 3 exactly "B".
	if len(turnsSeen) < 3 {
		t.Fatalf("expected at least 3 turns, got %d", len(turnsSeen))
	}
	if len(turnsSeen[1]) != 1 || textOf(turnsSeen[1][0]) != "A" {
		t.Fatalf("expected turn 2 to inject exactly A, got %+v", turnsSeen[1])
	}
	if len(turnsSeen[2]) != 1 || textOf(turnsSeen[2][0]) != "B" {
		t.Fatalf("expected turn 3 to inject exactly B, got %+v", turnsSeen[2])
	}
}

func textOf(m agentmodel.Message) string {
	if m.User == nil || len(m.User.Content) == 0 {
		return ""
	}
	return m.User.Content[0].Text
}

// TestAbortDuringToolExecution aborts mid-batch with two slow tools in
// flight: both must report "Tool execution aborted" error results and the
// run must terminate with canceled.
func TestAbortDuringToolExecution(t *testing.T) {
	toolTurn := []CompletionChunk{
		{Kind: StreamToolCallStart, Index: 0, ToolCallID: "t1", ToolName: "slow"},
		{Kind: StreamToolCallEnd, Index: 0},
		{Kind: StreamToolCallStart, Index: 1, ToolCallID: "t2", ToolName: "slow"},
		{Kind: StreamToolCallEnd, Index: 1},
		{Kind: StreamDone, StopReason: agentmodel.StopReasonToolUse},
	}
	provider := &scriptedProvider{script: [][]CompletionChunk{toolTurn}}

	tools := map[string]agentmodel.AgentTool{
		"slow": {Name: "slow", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			time.Sleep(5 * time.Second)
			return agentmodel.TextToolResult("too late", false), nil
		}},
	}
	cfg := Config{Stream: StreamConfig{StreamFn: provider.StreamFn}, Tools: tools}
	tok := abort.New()
	defer abort.Clear(tok)

	prompts := []agentmodel.Message{agentmodel.NewUserMessage("go")}
	stream := Run(context.Background(), prompts, agentmodel.AgentContext{}, cfg, tok)

	go func() {
		time.Sleep(100 * time.Millisecond)
		abort.Abort(tok)
	}()

	var endEvents []agentmodel.AgentEvent
	var terminal agentmodel.AgentEvent
	for e := range stream.Events() {
		if e.Type == agentmodel.EventToolExecutionEnd {
			endEvents = append(endEvents, e)
		}
		if e.Type.IsTerminal() {
			terminal = e
		}
	}

	if len(endEvents) != 2 {
		t.Fatalf("expected 2 tool_execution_end events, got %d", len(endEvents))
	}
	for _, e := range endEvents {
		if !e.ToolExecution.IsError || e.ToolExecution.Result.Content[0].Text != "Tool execution aborted" {
			t.Fatalf("expected aborted error result, got %+v", e.ToolExecution.Result)
		}
	}
	if terminal.Type != agentmodel.EventCanceled {
		t.Fatalf("expected terminal canceled event, got %s", terminal.Type)
	}
}

// TestFollowUpWithinPollWindowContinuesRun enqueues a follow-up inside the
// long-poll window just as the run is about to stop; it must be delivered
// and start a new turn rather than being stranded in the queue.
func TestFollowUpWithinPollWindowContinuesRun(t *testing.T) {
	provider := &scriptedProvider{script: [][]CompletionChunk{textTurn("first"), textTurn("second")}}
	queue := NewSteeringQueue()
	cfg := Config{
		Stream:              StreamConfig{StreamFn: provider.StreamFn},
		GetSteeringMessages: queue.GetSteeringMessages,
		GetFollowUpMessages: queue.GetFollowUpMessages,
	}
	tok := abort.New()
	defer abort.Clear(tok)

	go func() {
		time.Sleep(10 * time.Millisecond)
		queue.FollowUp(agentmodel.NewUserMessage("more"))
	}()

	prompts := []agentmodel.Message{agentmodel.NewUserMessage("go")}
	stream := Run(context.Background(), prompts, agentmodel.AgentContext{}, cfg, tok)

	var turnStarts int
	var sawMore bool
	for e := range stream.Events() {
		if e.Type == agentmodel.EventTurnStart {
			turnStarts++
		}
		if e.Type == agentmodel.EventMessageStart && e.Message.Message.Role == agentmodel.RoleUser && textOf(e.Message.Message) == "more" {
			sawMore = true
		}
	}
	if !sawMore {
		t.Fatal("expected the follow-up message to be injected")
	}
	if turnStarts < 1 {
		t.Fatal("expected a second turn_start for the follow-up-driven turn")
	}
}

func TestNoFollowUpEndsRunNormally(t *testing.T) {
	provider := &scriptedProvider{script: [][]CompletionChunk{textTurn("only")}}
	queue := NewSteeringQueue()
	queue.SetFollowUpPollInterval(5 * time.Millisecond)
	cfg := Config{
		Stream:              StreamConfig{StreamFn: provider.StreamFn},
		GetSteeringMessages: queue.GetSteeringMessages,
		GetFollowUpMessages: queue.GetFollowUpMessages,
	}
	tok := abort.New()
	defer abort.Clear(tok)

	prompts := []agentmodel.Message{agentmodel.NewUserMessage("go")}
	stream := Run(context.Background(), prompts, agentmodel.AgentContext{}, cfg, tok)

	res, err := stream.Result(2 * time.Second)
	if err != nil {
		t.Fatalf("Result timed out: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("expected a clean completion, got %v", res.Err)
	}
}

// TestContinueFailsOnAssistantLast: Continue on a history ending with an
// assistant message fails synchronously, with no stream and no events.
func TestContinueFailsOnAssistantLast(t *testing.T) {
	messages := []agentmodel.Message{
		agentmodel.NewUserMessage("hi"),
		{Role: agentmodel.RoleAssistant, Assistant: &agentmodel.AssistantMessage{StopReason: agentmodel.StopReasonStop}},
	}
	cfg := Config{}
	tok := abort.New()
	defer abort.Clear(tok)

	stream, err := Continue(context.Background(), agentmodel.AgentContext{Messages: messages}, cfg, tok)
	if err != ErrCannotContinue {
		t.Fatalf("expected ErrCannotContinue, got %v", err)
	}
	if stream != nil {
		t.Fatal("expected no stream to be returned on synchronous failure")
	}
}

func TestContinueFailsOnEmptyContext(t *testing.T) {
	tok := abort.New()
	defer abort.Clear(tok)
	stream, err := Continue(context.Background(), agentmodel.AgentContext{}, Config{}, tok)
	if err != ErrEmptyContext {
		t.Fatalf("expected ErrEmptyContext, got %v", err)
	}
	if stream != nil {
		t.Fatal("expected no stream on empty context")
	}
}

// TestEveryMessageStartPairedWithEnd counts message_start/message_end over
// a full run's trace: they must balance, and nothing may follow the
// terminal event.
func TestEveryMessageStartPairedWithEnd(t *testing.T) {
	provider := &scriptedProvider{script: [][]CompletionChunk{textTurn("hello")}}
	cfg := Config{Stream: StreamConfig{StreamFn: provider.StreamFn}}
	tok := abort.New()
	defer abort.Clear(tok)

	stream := Run(context.Background(), []agentmodel.Message{agentmodel.NewUserMessage("hi")}, agentmodel.AgentContext{}, cfg, tok)

	starts, ends := 0, 0
	var terminalSeen bool
	for e := range stream.Events() {
		if terminalSeen {
			t.Fatal("received an event after the terminal event")
		}
		switch e.Type {
		case agentmodel.EventMessageStart:
			starts++
		case agentmodel.EventMessageEnd:
			ends++
		}
		if e.Type.IsTerminal() {
			terminalSeen = true
		}
	}
	if !terminalSeen {
		t.Fatal("stream never produced a terminal event")
	}
	if starts != ends {
		t.Fatalf("message_start count %d != message_end count %d", starts, ends)
	}
}

// TestEventStreamDropsUnderBackpressure exercises C2's overflow semantics
// from within a live run: a tiny MaxQueue with DropOldest must never make
// the run hang, and the terminal event must still be delivered.
func TestEventStreamDropsUnderBackpressure(t *testing.T) {
	provider := &scriptedProvider{script: [][]CompletionChunk{{
		{Kind: StreamTextStart, Index: 0},
		{Kind: StreamTextDelta, Index: 0, TextDelta: "a"},
		{Kind: StreamTextDelta, Index: 0, TextDelta: "b"},
		{Kind: StreamTextDelta, Index: 0, TextDelta: "c"},
		{Kind: StreamTextEnd, Index: 0},
		{Kind: StreamDone, StopReason: agentmodel.StopReasonStop},
	}}}
	cfg := Config{
		Stream:       StreamConfig{StreamFn: provider.StreamFn},
		MaxQueue:     1,
		DropStrategy: eventstream.DropOldest,
	}
	tok := abort.New()
	defer abort.Clear(tok)

	stream := Run(context.Background(), []agentmodel.Message{agentmodel.NewUserMessage("hi")}, agentmodel.AgentContext{}, cfg, tok)
	res, err := stream.Result(2 * time.Second)
	if err != nil {
		t.Fatalf("Result timed out under backpressure: %v", err)
	}
	if len(res.Messages) == 0 {
		t.Fatal("expected completed messages despite dropped intermediate events")
	}
}
