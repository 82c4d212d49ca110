package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

func toolCallBlock(id, name string, args map[string]any) agentmodel.ContentBlock {
	return agentmodel.ContentBlock{Kind: agentmodel.ContentToolCall, ToolCallID: id, ToolName: name, ToolArgs: args}
}

func echoTool() agentmodel.AgentTool {
	return agentmodel.AgentTool{
		Name: "echo",
		Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			return agentmodel.TextToolResult("ok", false), nil
		},
	}
}

func TestExecuteToolsOrderMatchesCallOrder(t *testing.T) {
	calls := []agentmodel.ContentBlock{
		toolCallBlock("t1", "a", nil),
		toolCallBlock("t2", "b", nil),
		toolCallBlock("t3", "c", nil),
	}
	tools := map[string]agentmodel.AgentTool{
		"a": {Name: "a", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			time.Sleep(30 * time.Millisecond)
			return agentmodel.TextToolResult("a-result", false), nil
		}},
		"b": {Name: "b", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			return agentmodel.TextToolResult("b-result", false), nil
		}},
		"c": {Name: "c", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			time.Sleep(10 * time.Millisecond)
			return agentmodel.TextToolResult("c-result", false), nil
		}},
	}
	tok := abort.New()
	defer abort.Clear(tok)

	res := ExecuteTools(context.Background(), calls, tools, ToolExecConfig{}, tok, func(agentmodel.AgentEvent) {})
	if len(res.ResultMessages) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res.ResultMessages))
	}
	wantIDs := []string{"t1", "t2", "t3"}
	for i, m := range res.ResultMessages {
		if m.ToolResult.ToolCallID != wantIDs[i] {
			t.Fatalf("result %d: expected id %s, got %s", i, wantIDs[i], m.ToolResult.ToolCallID)
		}
	}
}

func TestExecuteToolsUnknownToolProducesErrorResult(t *testing.T) {
	calls := []agentmodel.ContentBlock{toolCallBlock("t1", "missing", nil)}
	tok := abort.New()
	defer abort.Clear(tok)

	res := ExecuteTools(context.Background(), calls, nil, ToolExecConfig{}, tok, func(agentmodel.AgentEvent) {})
	if !res.ResultMessages[0].ToolResult.IsError {
		t.Fatal("expected is_error=true for unknown tool")
	}
	if res.ResultMessages[0].ToolResult.Content[0].Text != "Tool missing not found" {
		t.Fatalf("unexpected error text: %q", res.ResultMessages[0].ToolResult.Content[0].Text)
	}
}

func TestExecuteToolsToolErrorBecomesErrorResult(t *testing.T) {
	calls := []agentmodel.ContentBlock{toolCallBlock("t1", "bad", nil)}
	tools := map[string]agentmodel.AgentTool{
		"bad": {Name: "bad", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			return agentmodel.ToolResult{}, errors.New("boom")
		}},
	}
	tok := abort.New()
	defer abort.Clear(tok)

	res := ExecuteTools(context.Background(), calls, tools, ToolExecConfig{}, tok, func(agentmodel.AgentEvent) {})
	if !res.ResultMessages[0].ToolResult.IsError {
		t.Fatal("expected is_error=true when Execute returns an error")
	}
}

func TestExecuteToolsPanicBecomesErrorResult(t *testing.T) {
	calls := []agentmodel.ContentBlock{toolCallBlock("t1", "panicky", nil)}
	tools := map[string]agentmodel.AgentTool{
		"panicky": {Name: "panicky", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			panic("kaboom")
		}},
	}
	tok := abort.New()
	defer abort.Clear(tok)

	res := ExecuteTools(context.Background(), calls, tools, ToolExecConfig{}, tok, func(agentmodel.AgentEvent) {})
	if !res.ResultMessages[0].ToolResult.IsError {
		t.Fatal("expected a panic to be converted into an error result, not propagate")
	}
}

func TestExecuteToolsAbortMidBatch(t *testing.T) {
	tok := abort.New()
	defer abort.Clear(tok)

	started := make(chan struct{})
	calls := []agentmodel.ContentBlock{
		toolCallBlock("slow1", "slow", nil),
		toolCallBlock("slow2", "slow", nil),
	}
	tools := map[string]agentmodel.AgentTool{
		"slow": {Name: "slow", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(5 * time.Second)
			return agentmodel.TextToolResult("too late", false), nil
		}},
	}

	go func() {
		<-started
		time.Sleep(150 * time.Millisecond)
		abort.Abort(tok)
	}()

	var endEvents int
	res := ExecuteTools(context.Background(), calls, tools, ToolExecConfig{}, tok, func(e agentmodel.AgentEvent) {
		if e.Type == agentmodel.EventToolExecutionEnd {
			endEvents++
		}
	})

	if endEvents != 2 {
		t.Fatalf("expected tool_execution_end for both pending calls, got %d", endEvents)
	}
	for _, m := range res.ResultMessages {
		if !m.ToolResult.IsError || m.ToolResult.Content[0].Text != "Tool execution aborted" {
			t.Fatalf("expected aborted error result, got %+v", m.ToolResult)
		}
	}
}

func TestExecuteToolsRespectsMaxConcurrency(t *testing.T) {
	calls := []agentmodel.ContentBlock{
		toolCallBlock("a", "slow", nil),
		toolCallBlock("b", "slow", nil),
		toolCallBlock("c", "slow", nil),
	}
	tools := map[string]agentmodel.AgentTool{
		"slow": {Name: "slow", Execute: func(ctx agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
			time.Sleep(20 * time.Millisecond)
			return agentmodel.TextToolResult("ok", false), nil
		}},
	}
	tok := abort.New()
	defer abort.Clear(tok)

	start := time.Now()
	ExecuteTools(context.Background(), calls, tools, ToolExecConfig{MaxConcurrency: 1}, tok, func(agentmodel.AgentEvent) {})
	elapsed := time.Since(start)
	// Three 20ms calls serialized by MaxConcurrency=1 take ~60ms; fully
	// parallel would take ~20ms.
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected serialized execution under MaxConcurrency=1 to take >= 50ms, took %v", elapsed)
	}
}
