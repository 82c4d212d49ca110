package loop

import (
	"context"
	"errors"
	"testing"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

func chunkStream(chunks ...CompletionChunk) StreamFunc {
	return func(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
		ch := make(chan CompletionChunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
}

func collectEvents() (EmitFunc, *[]agentmodel.AgentEvent) {
	var events []agentmodel.AgentEvent
	return func(e agentmodel.AgentEvent) { events = append(events, e) }, &events
}

func TestRunOneTurnHappyPathText(t *testing.T) {
	emit, events := collectEvents()
	cfg := StreamConfig{
		StreamFn: chunkStream(
			CompletionChunk{Kind: StreamTextStart, Index: 0},
			CompletionChunk{Kind: StreamTextDelta, Index: 0, TextDelta: "hello"},
			CompletionChunk{Kind: StreamTextEnd, Index: 0},
			CompletionChunk{Kind: StreamDone, StopReason: agentmodel.StopReasonStop},
		),
	}
	tok := abort.New()
	defer abort.Clear(tok)

	msg, messages, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Assistant == nil || msg.Assistant.StopReason != agentmodel.StopReasonStop {
		t.Fatalf("expected stop_reason=stop, got %+v", msg.Assistant)
	}
	if len(msg.Assistant.Content) != 1 || msg.Assistant.Content[0].Text != "hello" {
		t.Fatalf("expected single text block 'hello', got %+v", msg.Assistant.Content)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message (the new assistant message), got %d", len(messages))
	}

	var sawStart, sawEnd bool
	for _, e := range *events {
		switch e.Type {
		case agentmodel.EventMessageStart:
			sawStart = true
		case agentmodel.EventMessageEnd:
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("expected message_start and message_end events, got %+v", *events)
	}
}

func TestRunOneTurnAbortedBeforeStart(t *testing.T) {
	emit, events := collectEvents()
	tok := abort.New()
	abort.Abort(tok)
	defer abort.Clear(tok)

	calledStream := false
	cfg := StreamConfig{
		StreamFn: func(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
			calledStream = true
			return nil, nil
		},
	}

	msg, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledStream {
		t.Fatal("stream-fn must not be invoked when already aborted")
	}
	if msg.Assistant.StopReason != agentmodel.StopReasonAborted {
		t.Fatalf("expected stop_reason=aborted, got %s", msg.Assistant.StopReason)
	}
	if len(*events) != 2 {
		t.Fatalf("expected exactly message_start+message_end, got %+v", *events)
	}
}

func TestRunOneTurnToolCallArgsStreamed(t *testing.T) {
	emit, _ := collectEvents()
	cfg := StreamConfig{
		StreamFn: chunkStream(
			CompletionChunk{Kind: StreamToolCallStart, Index: 0, ToolCallID: "t1", ToolName: "echo"},
			CompletionChunk{Kind: StreamToolCallDelta, Index: 0, ArgsDelta: `{"x":1`},
			CompletionChunk{Kind: StreamToolCallDelta, Index: 0, ArgsDelta: `}`},
			CompletionChunk{Kind: StreamToolCallEnd, Index: 0},
			CompletionChunk{Kind: StreamDone, StopReason: agentmodel.StopReasonToolUse},
		),
	}
	tok := abort.New()
	defer abort.Clear(tok)

	msg, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Assistant.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(msg.Assistant.Content))
	}
	block := msg.Assistant.Content[0]
	if block.Kind != agentmodel.ContentToolCall || block.ToolCallID != "t1" || block.ToolName != "echo" {
		t.Fatalf("unexpected tool call block: %+v", block)
	}
	if x, ok := block.ToolArgs["x"]; !ok || x != float64(1) {
		t.Fatalf("expected parsed args {x:1}, got %+v", block.ToolArgs)
	}
}

func TestRunOneTurnStreamFnError(t *testing.T) {
	emit, _ := collectEvents()
	wantErr := errors.New("provider unavailable")
	cfg := StreamConfig{
		StreamFn: func(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
			return nil, wantErr
		},
	}
	tok := abort.New()
	defer abort.Clear(tok)

	_, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped stream-fn error, got %v", err)
	}
}

func TestRunOneTurnStreamErrorEvent(t *testing.T) {
	emit, _ := collectEvents()
	cfg := StreamConfig{
		StreamFn: chunkStream(CompletionChunk{Kind: StreamError, Reason: "rate_limited"}),
	}
	tok := abort.New()
	defer abort.Clear(tok)

	msg, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if err == nil {
		t.Fatal("expected a non-nil error on StreamError")
	}
	if msg.Assistant.StopReason != agentmodel.StopReasonError {
		t.Fatalf("expected stop_reason=error, got %s", msg.Assistant.StopReason)
	}
}

func TestRunOneTurnStreamCanceled(t *testing.T) {
	emit, _ := collectEvents()
	cfg := StreamConfig{
		StreamFn: chunkStream(CompletionChunk{Kind: StreamCanceled, Reason: "user_abort"}),
	}
	tok := abort.New()
	defer abort.Clear(tok)

	msg, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if err != nil {
		t.Fatalf("canceled stream should not surface a Go error: %v", err)
	}
	if msg.Assistant.StopReason != agentmodel.StopReasonAborted {
		t.Fatalf("expected stop_reason=aborted, got %s", msg.Assistant.StopReason)
	}
}

func TestRunOneTurnDiesWithoutTerminalFinalizesPartial(t *testing.T) {
	emit, _ := collectEvents()
	cfg := StreamConfig{
		StreamFn: chunkStream(
			CompletionChunk{Kind: StreamTextStart, Index: 0},
			CompletionChunk{Kind: StreamTextDelta, Index: 0, TextDelta: "partial"},
		),
	}
	tok := abort.New()
	defer abort.Clear(tok)

	msg, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Assistant.Content[0].Text != "partial" {
		t.Fatalf("expected the partial text to be finalized, got %+v", msg.Assistant.Content)
	}
	if msg.Assistant.StopReason != agentmodel.StopReasonStop {
		t.Fatalf("expected stop_reason=stop when partial has content, got %s", msg.Assistant.StopReason)
	}
}

func TestRunOneTurnConvertToLLMError(t *testing.T) {
	emit, _ := collectEvents()
	wantErr := errors.New("bad conversion")
	cfg := StreamConfig{
		ConvertToLLM: func(messages []agentmodel.Message) ([]CompletionMessage, error) { return nil, wantErr },
		StreamFn:     chunkStream(),
	}
	tok := abort.New()
	defer abort.Clear(tok)

	_, _, err := RunOneTurn(context.Background(), agentmodel.AgentContext{}, cfg, tok, emit)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected convert_to_llm error to propagate, got %v", err)
	}
}
