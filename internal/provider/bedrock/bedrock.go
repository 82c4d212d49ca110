// Package bedrock adapts the AWS Bedrock Converse API to loop.StreamFunc.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// Config configures a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Provider holds one configured Bedrock runtime client.
type Provider struct {
	client *bedrockruntime.Client
}

// New constructs a Provider from cfg, resolving AWS credentials either
// explicitly (AccessKeyID/SecretAccessKey) or via the default chain
// (environment, shared config, IAM role).
func New(ctx context.Context, cfg Config) (*Provider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("provider/bedrock: load AWS config: %w", err)
	}
	return &Provider{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Stream implements loop.StreamFunc.
func (p *Provider) Stream(ctx context.Context, req loop.CompletionRequest) (<-chan loop.CompletionChunk, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("provider/bedrock: convert messages: %w", err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.SystemPrompt != "" {
		converseReq.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	if req.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("provider/bedrock: convert tools: %w", err)
		}
		converseReq.ToolConfig = tools
	}

	stream, err := p.client.ConverseStream(ctx, converseReq)
	if err != nil {
		return nil, fmt.Errorf("provider/bedrock: converse stream: %w", err)
	}

	out := make(chan loop.CompletionChunk, 16)
	go processStream(ctx, stream, out)
	return out, nil
}

// processStream drains stream, emitting normalized chunks onto out. Bedrock
// opens one text block implicitly (no explicit text content-block-start),
// so StreamTextStart is synthesized on the first text delta and closed at
// message stop or once the event channel drains; a tool-use block in
// between does not close it.
func processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- loop.CompletionChunk) {
	defer close(out)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	toolIndex := 0
	var toolID, toolName string
	var toolArgs strings.Builder
	inToolBlock := false
	textOpen := false

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- loop.CompletionChunk{Kind: loop.StreamCanceled}
			return
		case event, ok := <-eventChan:
			if !ok {
				if inToolBlock && toolID != "" {
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallDelta, Index: toolIndex, ArgsDelta: toolArgs.String()}
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallEnd, Index: toolIndex, ToolCallID: toolID, ToolName: toolName}
				}
				if textOpen {
					out <- loop.CompletionChunk{Kind: loop.StreamTextEnd, Index: 0}
				}
				if err := eventStream.Err(); err != nil {
					out <- loop.CompletionChunk{Kind: loop.StreamError, Reason: err.Error()}
					return
				}
				out <- loop.CompletionChunk{Kind: loop.StreamDone, StopReason: agentmodel.StopReasonStop}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolIndex++
					toolID = aws.ToString(toolUse.Value.ToolUseId)
					toolName = aws.ToString(toolUse.Value.Name)
					toolArgs.Reset()
					inToolBlock = true
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallStart, Index: toolIndex, ToolCallID: toolID, ToolName: toolName}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if !textOpen {
							out <- loop.CompletionChunk{Kind: loop.StreamTextStart, Index: 0}
							textOpen = true
						}
						out <- loop.CompletionChunk{Kind: loop.StreamTextDelta, Index: 0, TextDelta: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolArgs.WriteString(*delta.Value.Input)
						out <- loop.CompletionChunk{Kind: loop.StreamToolCallDelta, Index: toolIndex, ArgsDelta: *delta.Value.Input}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if inToolBlock && toolID != "" {
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallEnd, Index: toolIndex, ToolCallID: toolID, ToolName: toolName}
					inToolBlock = false
					toolID, toolName = "", ""
					toolArgs.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				if textOpen {
					out <- loop.CompletionChunk{Kind: loop.StreamTextEnd, Index: 0}
				}
				out <- loop.CompletionChunk{Kind: loop.StreamDone, StopReason: agentmodel.StopReasonStop}
				return
			}
		}
	}
}

func convertMessages(messages []loop.CompletionMessage) ([]types.Message, error) {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		var content []types.ContentBlock

		for _, b := range m.Content {
			switch b.Kind {
			case agentmodel.ContentText:
				if b.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: b.Text})
				}
			case agentmodel.ContentToolCall:
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ToolCallID),
						Name:      aws.String(b.ToolName),
						Input:     document.NewLazyDocument(b.ToolArgs),
					},
				})
			}
		}

		if m.Role == "tool" {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: flattenText(m.Content)},
					},
				},
			})
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out, nil
}

func flattenText(blocks []agentmodel.ContentBlock) string {
	s := ""
	for _, b := range blocks {
		if b.Kind == agentmodel.ContentText {
			s += b.Text
		}
	}
	return s
}

func convertTools(tools []agentmodel.AgentTool) (*types.ToolConfiguration, error) {
	bedrockTools := make([]types.Tool, len(tools))
	for i, t := range tools {
		var schema any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		} else {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}, nil
}
