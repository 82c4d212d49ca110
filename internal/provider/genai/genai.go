// Package genai adapts the Google Gen AI (Gemini) API to loop.StreamFunc.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// Config configures a Provider.
type Config struct {
	APIKey string
}

// Provider holds one configured Gemini client.
type Provider struct {
	client *genai.Client
}

// New constructs a Provider from cfg. Gemini's SDK needs a live client at
// construction time (it is not lazily dialed per-request like the other
// adapters), so New returns an error when the client cannot be built.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("provider/genai: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Stream implements loop.StreamFunc.
func (p *Provider) Stream(ctx context.Context, req loop.CompletionRequest) (<-chan loop.CompletionChunk, error) {
	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("provider/genai: convert messages: %w", err)
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("provider/genai: convert tools: %w", err)
		}
		config.Tools = tools
	}

	streamIter := p.client.Models.GenerateContentStream(ctx, req.Model, contents, config)

	out := make(chan loop.CompletionChunk, 16)
	go processStream(ctx, streamIter, out)
	return out, nil
}

// processStream drains streamIter, emitting normalized chunks onto out.
// Gemini has no block-start/block-stop markers in its stream: one implicit
// text block is opened on the first text part and a synthetic tool-call
// start/delta/end triple is emitted for every function-call part (Gemini
// never fragments a call's arguments across chunks, and assigns no call
// ID, so one is generated here).
func processStream(ctx context.Context, streamIter func(func(*genai.GenerateContentResponse, error) bool), out chan<- loop.CompletionChunk) {
	defer close(out)

	textOpen := false
	toolIndex := 0
	var streamErr error

	streamIter(func(resp *genai.GenerateContentResponse, err error) bool {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		default:
		}
		if err != nil {
			streamErr = err
			return false
		}
		if resp == nil {
			return true
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !textOpen {
						out <- loop.CompletionChunk{Kind: loop.StreamTextStart, Index: 0}
						textOpen = true
					}
					out <- loop.CompletionChunk{Kind: loop.StreamTextDelta, Index: 0, TextDelta: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					toolIndex++
					id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano())
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallStart, Index: toolIndex, ToolCallID: id, ToolName: part.FunctionCall.Name}
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallDelta, Index: toolIndex, ArgsDelta: string(argsJSON)}
					out <- loop.CompletionChunk{Kind: loop.StreamToolCallEnd, Index: toolIndex, ToolCallID: id, ToolName: part.FunctionCall.Name}
				}
			}
		}
		return true
	})

	if streamErr != nil {
		out <- loop.CompletionChunk{Kind: loop.StreamError, Reason: streamErr.Error()}
		return
	}
	if textOpen {
		out <- loop.CompletionChunk{Kind: loop.StreamTextEnd, Index: 0}
	}
	out <- loop.CompletionChunk{Kind: loop.StreamDone, StopReason: agentmodel.StopReasonStop}
}

func convertMessages(messages []loop.CompletionMessage) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		content := &genai.Content{}
		switch m.Role {
		case "user":
			content.Role = genai.RoleUser
		case "assistant":
			content.Role = genai.RoleModel
		case "tool":
			content.Role = genai.RoleUser
		default:
			continue
		}

		for _, b := range m.Content {
			switch b.Kind {
			case agentmodel.ContentText:
				if b.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: b.Text})
				}
			case agentmodel.ContentToolCall:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: b.ToolName, Args: b.ToolArgs},
				})
			}
		}

		if m.Role == "tool" {
			var response map[string]any
			text := flattenText(m.Content)
			if err := json.Unmarshal([]byte(text), &response); err != nil {
				response = map[string]any{"result": text}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromID(m.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
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

func toolNameFromID(toolCallID string, messages []loop.CompletionMessage) string {
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Kind == agentmodel.ContentToolCall && b.ToolCallID == toolCallID {
				return b.ToolName
			}
		}
	}
	return ""
}

func convertTools(tools []agentmodel.AgentTool) ([]*genai.Tool, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil, nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}, nil
}

// toGeminiSchema converts a JSON-schema map to Gemini's own Schema type,
// which uses upper-cased type names and lacks a few JSON-schema keywords.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
