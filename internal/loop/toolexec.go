package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowloom/agentcore/internal/abort"
	"github.com/flowloom/agentcore/internal/obstrace"
	"github.com/flowloom/agentcore/internal/toolschema"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// abortPollInterval is the periodic wake used while collecting pending
// tool tasks so the abort token is checked regularly, rather than relying
// solely on a context deadline.
const abortPollInterval = 100 * time.Millisecond

// ToolExecConfig configures ExecuteTools.
type ToolExecConfig struct {
	// MaxConcurrency bounds how many tool calls run at once. Zero means
	// unbounded.
	MaxConcurrency int

	// Tracer, if set, opens one span per tool call nested under the turn
	// span carried in ctx.
	Tracer *obstrace.Tracer
}

// ExecuteToolsResult is ExecuteTools's return value.
type ExecuteToolsResult struct {
	// ResultMessages is one ToolResultMessage per input ToolCall, in the
	// same order as the calls appeared in the assistant message.
	ResultMessages []agentmodel.Message
}

// toolCall is the minimal shape ExecuteTools needs from a ContentBlock.
type toolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ExecuteTools runs each call concurrently (bounded by cfg.MaxConcurrency),
// polling tok roughly every abortPollInterval so an abort mid-batch
// terminates every still-pending call with a synthesized error result.
func ExecuteTools(ctx context.Context, calls []agentmodel.ContentBlock, tools map[string]agentmodel.AgentTool, cfg ToolExecConfig, tok abort.Token, emit EmitFunc) ExecuteToolsResult {
	n := len(calls)
	results := make([]agentmodel.Message, n)
	done := make([]bool, n)

	sem := make(chan struct{}, semSize(cfg.MaxConcurrency, n+1))
	var wg sync.WaitGroup
	var mu sync.Mutex

	toolCalls := make([]toolCall, n)
	for i, b := range calls {
		toolCalls[i] = toolCall{ID: b.ToolCallID, Name: b.ToolName, Args: b.ToolArgs}
	}

	for i := range toolCalls {
		tc := toolCalls[i]
		idx := i

		emit(agentmodel.AgentEvent{
			Type: agentmodel.EventToolExecutionStart,
			ToolExecution: &agentmodel.ToolExecutionPayload{
				ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args,
			},
		})

		tool, ok := tools[tc.Name]
		if !ok {
			res := agentmodel.TextToolResult(fmt.Sprintf("Tool %s not found", tc.Name), true)
			finishCall(results, done, &mu, idx, tc, res, emit)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			toolCtx := ctx
			var span trace.Span
			if cfg.Tracer != nil {
				toolCtx, span = cfg.Tracer.StartTool(ctx, tc.ID, tc.Name)
			}
			res := runOneTool(toolCtx, tool, tc, tok, emit)
			if cfg.Tracer != nil {
				obstrace.End(span, toolResultErr(res))
			}
			finishCall(results, done, &mu, idx, tc, res, emit)
		}()
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()

	ticker := time.NewTicker(abortPollInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-waitCh:
			break loop
		case <-ticker.C:
			if abort.Aborted(tok) {
				mu.Lock()
				for i, d := range done {
					if !d {
						res := agentmodel.TextToolResult("Tool execution aborted", true)
						done[i] = true
						results[i] = toolResultMessage(toolCalls[i], res)
						emit(agentmodel.AgentEvent{
							Type: agentmodel.EventToolExecutionEnd,
							ToolExecution: &agentmodel.ToolExecutionPayload{
								ToolCallID: toolCalls[i].ID, ToolName: toolCalls[i].Name,
								Result: &res, IsError: true,
							},
						})
					}
				}
				mu.Unlock()
				break loop
			}
		}
	}

	return ExecuteToolsResult{ResultMessages: results}
}

// semSize clamps a configured concurrency limit to a usable channel
// capacity: limit<=0 means unbounded (use cap), otherwise never exceed cap.
func semSize(limit, cap int) int {
	if limit <= 0 || limit > cap {
		return cap
	}
	return limit
}

// runOneTool invokes tool.Execute, converting panics and any non-result
// return shape into an error ToolResult.
func runOneTool(ctx context.Context, tool agentmodel.AgentTool, tc toolCall, tok abort.Token, emit EmitFunc) (result agentmodel.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			terr := &ToolError{Type: ToolErrorPanic, ToolName: tc.Name, ToolCallID: tc.ID, Cause: fmt.Errorf("%v", r)}
			result = agentmodel.TextToolResult(terr.Error(), true)
		}
	}()

	if tool.Execute == nil {
		return agentmodel.TextToolResult(fmt.Sprintf("tool %s has no execute function", tc.Name), true)
	}

	if err := toolschema.Validate(tool.Parameters, tc.Args); err != nil {
		terr := &ToolError{Type: ToolErrorInvalidInput, ToolName: tc.Name, ToolCallID: tc.ID, Cause: err}
		return agentmodel.TextToolResult(terr.Error(), true)
	}

	res, err := tool.Execute(agentmodel.ExecuteContext{
		ToolCallID: tc.ID,
		Args:       tc.Args,
		AbortToken: tok,
		OnUpdate: func(partial agentmodel.ToolResult) {
			emit(agentmodel.AgentEvent{
				Type: agentmodel.EventToolExecutionUpdate,
				ToolExecution: &agentmodel.ToolExecutionPayload{
					ToolCallID: tc.ID, ToolName: tc.Name, Partial: &partial,
				},
			})
		},
	})
	if err != nil {
		return agentmodel.TextToolResult(err.Error(), true)
	}
	return res
}

func finishCall(results []agentmodel.Message, done []bool, mu *sync.Mutex, idx int, tc toolCall, res agentmodel.ToolResult, emit EmitFunc) {
	mu.Lock()
	defer mu.Unlock()
	if done[idx] {
		return
	}
	done[idx] = true
	results[idx] = toolResultMessage(tc, res)
	emit(agentmodel.AgentEvent{
		Type: agentmodel.EventToolExecutionEnd,
		ToolExecution: &agentmodel.ToolExecutionPayload{
			ToolCallID: tc.ID, ToolName: tc.Name, Result: &res, IsError: res.IsError,
		},
	})
}

// toolResultErr turns a failed ToolResult into an error for span recording,
// using its first text block as the message. Successful results yield nil.
func toolResultErr(res agentmodel.ToolResult) error {
	if !res.IsError {
		return nil
	}
	for _, b := range res.Content {
		if b.Kind == agentmodel.ContentText && b.Text != "" {
			return errors.New(b.Text)
		}
	}
	return errors.New("tool execution failed")
}

func toolResultMessage(tc toolCall, res agentmodel.ToolResult) agentmodel.Message {
	return agentmodel.Message{
		Role:      agentmodel.RoleToolResult,
		CreatedAt: time.Now(),
		ToolResult: &agentmodel.ToolResultMessage{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    res.Content,
			Details:    res.Details,
			IsError:    res.IsError,
		},
	}
}
