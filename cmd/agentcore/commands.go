// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder function creates a command and
// wires it to its handler.
package main

import (
	"github.com/spf13/cobra"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// buildRunCmd creates the "run" command, which starts an interactive
// session reading prompts from stdin and printing streamed events to
// stdout until EOF or Ctrl-C.
func buildRunCmd() *cobra.Command {
	var (
		provider      string
		model         string
		apiKey        string
		systemPrompt  string
		reasoning     string
		maxTokens     int
		withTools     bool
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive Agent Session against one provider",
		Long: `Start an interactive Agent Session against one provider.

Each line read from stdin becomes one user prompt. Streamed events are
printed to stdout as they arrive; the run blocks until the model finishes
its turn (including any tool calls) before the next prompt is read.`,
		Example: `  # Talk to Claude
  agentcore run --provider anthropic --model claude-sonnet-4-20250514

  # Talk to GPT with the demo tools enabled
  agentcore run --provider openai --model gpt-4o --tools`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, runConfig{
				provider:      provider,
				model:         model,
				apiKey:        apiKey,
				systemPrompt:  systemPrompt,
				reasoning:     agentmodel.ReasoningLevel(reasoning),
				maxTokens:     maxTokens,
				withTools:     withTools,
				traceEndpoint: traceEndpoint,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "anthropic", "Provider to drive: anthropic | openai | genai | bedrock")
	cmd.Flags().StringVar(&model, "model", "", "Model identifier (provider-specific)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key; falls back to the provider's standard *_API_KEY env var (ignored by bedrock, which uses AWS credentials)")
	cmd.Flags().StringVar(&systemPrompt, "system", "You are a terse, helpful assistant.", "System prompt")
	cmd.Flags().StringVar(&reasoning, "reasoning", string(agentmodel.ReasoningOff), "Reasoning effort: off|minimal|low|medium|high|xhigh")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 4096, "Max output tokens per turn")
	cmd.Flags().BoolVar(&withTools, "tools", false, "Register the bundled demo tools (echo, clock)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP/gRPC collector endpoint for span export (empty disables export, spans are still created in-process)")

	return cmd
}

// buildToolsCmd creates the "tools" command, which lists the demo tools
// available to "run --tools" without starting a session.
func buildToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the demo tools available via run --tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range demoTools() {
				cmd.Printf("%-8s %s\n", t.Name, t.Description)
			}
			return nil
		},
	}
}
