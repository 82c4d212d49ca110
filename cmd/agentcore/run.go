package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/internal/obslog"
	"github.com/flowloom/agentcore/internal/obsmetrics"
	"github.com/flowloom/agentcore/internal/obstrace"
	"github.com/flowloom/agentcore/internal/provider/anthropic"
	"github.com/flowloom/agentcore/internal/provider/bedrock"
	"github.com/flowloom/agentcore/internal/provider/genai"
	"github.com/flowloom/agentcore/internal/provider/openai"
	"github.com/flowloom/agentcore/internal/session"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

type runConfig struct {
	provider      string
	model         string
	apiKey        string
	systemPrompt  string
	reasoning     agentmodel.ReasoningLevel
	maxTokens     int
	withTools     bool
	traceEndpoint string
}

// runInteractive builds a Session for cfg.provider and drives it from
// stdin until EOF, printing every streamed event to stdout.
func runInteractive(cmd *cobra.Command, cfg runConfig) error {
	if cfg.model == "" {
		return fmt.Errorf("--model is required")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	streamFn, err := buildStreamFn(ctx, cfg)
	if err != nil {
		return err
	}

	var tools []agentmodel.AgentTool
	if cfg.withTools {
		tools = demoTools()
	}

	logger := obslog.New(obslog.Config{Level: "info", Format: "text", Output: cmd.ErrOrStderr()})
	metrics := obsmetrics.New(prometheus.NewRegistry())

	tracer, shutdownTracer, err := obstrace.New(ctx, obstrace.Config{
		ServiceName:    "agentcore",
		ServiceVersion: version,
		Endpoint:       cfg.traceEndpoint,
	})
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer shutdownTracer(ctx)

	s := session.New(session.Options{
		Name:         "agentcore-cli",
		SystemPrompt: cfg.systemPrompt,
		Model:        cfg.model,
		Reasoning:    cfg.reasoning,
		Tools:        tools,
		StreamFn:     streamFn,
		Provider:     cfg.provider,
		MaxTokens:    cfg.maxTokens,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	defer s.Stop()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	scanner := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agentcore: %s/%s ready, type a prompt and press enter (Ctrl-D to quit)\n", cfg.provider, cfg.model)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		if err := s.Prompt(line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		drainUntilTerminal(out, events)
	}
}

// drainUntilTerminal prints events as they arrive until one terminal event
// (agent_end, error, canceled) closes out the run.
func drainUntilTerminal(out io.Writer, events <-chan agentmodel.AgentEvent) {
	for evt := range events {
		printEvent(out, evt)
		if evt.Type.IsTerminal() {
			return
		}
	}
}

func printEvent(out io.Writer, evt agentmodel.AgentEvent) {
	switch evt.Type {
	case agentmodel.EventMessageUpdate:
		if evt.Message != nil && evt.Message.Delta != nil && evt.Message.Delta.TextDelta != "" {
			fmt.Fprint(out, evt.Message.Delta.TextDelta)
		}
	case agentmodel.EventToolExecutionStart:
		if evt.ToolExecution != nil {
			fmt.Fprintf(out, "\n[tool call %s(%v)]\n", evt.ToolExecution.ToolName, evt.ToolExecution.Args)
		}
	case agentmodel.EventToolExecutionEnd:
		if evt.ToolExecution != nil && evt.ToolExecution.Result != nil {
			fmt.Fprintf(out, "[tool result: %+v]\n", evt.ToolExecution.Result.Content)
		}
	case agentmodel.EventAgentEnd:
		fmt.Fprint(out, "\n")
	case agentmodel.EventError:
		if evt.Error != nil {
			fmt.Fprintf(out, "\n[error: %s]\n", evt.Error.Reason)
		}
	case agentmodel.EventCanceled:
		fmt.Fprint(out, "\n[canceled]\n")
	}
}

// buildStreamFn selects and constructs the loop.StreamFunc for cfg.provider.
func buildStreamFn(ctx context.Context, cfg runConfig) (loop.StreamFunc, error) {
	switch cfg.provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: resolveKey(cfg.apiKey, "ANTHROPIC_API_KEY")}).Stream, nil
	case "openai":
		return openai.New(openai.Config{APIKey: resolveKey(cfg.apiKey, "OPENAI_API_KEY")}).Stream, nil
	case "genai":
		p, err := genai.New(ctx, genai.Config{APIKey: resolveKey(cfg.apiKey, "GOOGLE_API_KEY")})
		if err != nil {
			return nil, err
		}
		return p.Stream, nil
	case "bedrock":
		p, err := bedrock.New(ctx, bedrock.Config{Region: os.Getenv("AWS_REGION")})
		if err != nil {
			return nil, err
		}
		return p.Stream, nil
	default:
		return nil, fmt.Errorf("unknown provider %q: want anthropic, openai, genai, or bedrock", cfg.provider)
	}
}

func resolveKey(flagValue, envVar string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envVar)
}

// demoTools returns the bundled sample tools exercised by "run --tools":
// an echo tool and a clock tool, both synchronous and side-effect-free.
func demoTools() []agentmodel.AgentTool {
	return []agentmodel.AgentTool{
		{
			Name:        "echo",
			Description: "Echo back the given text.",
			Parameters:  []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Execute: func(ec agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
				text, _ := ec.Args["text"].(string)
				return agentmodel.TextToolResult(text, false), nil
			},
		},
		{
			Name:        "clock",
			Description: "Return the current UTC time in RFC3339 format.",
			Parameters:  []byte(`{"type":"object","properties":{}}`),
			Execute: func(ec agentmodel.ExecuteContext) (agentmodel.ToolResult, error) {
				return agentmodel.TextToolResult(time.Now().UTC().Format(time.RFC3339), false), nil
			},
		},
	}
}
