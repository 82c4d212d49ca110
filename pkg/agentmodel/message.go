// Package agentmodel defines the data model shared by the session, loop,
// and event-stream packages: messages, content blocks, agent state, and
// the agent event alphabet.
package agentmodel

import "time"

// Role identifies which variant of Message a value holds.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is a tagged union over {UserMessage, AssistantMessage, ToolResultMessage}.
// Exactly one of the role-specific fields is populated, selected by Role.
type Message struct {
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// User holds the payload when Role == RoleUser.
	User *UserMessage `json:"user,omitempty"`
	// Assistant holds the payload when Role == RoleAssistant.
	Assistant *AssistantMessage `json:"assistant,omitempty"`
	// ToolResult holds the payload when Role == RoleToolResult.
	ToolResult *ToolResultMessage `json:"tool_result,omitempty"`
}

// NewUserMessage builds a UserMessage Message with the current wall-clock time.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		CreatedAt: time.Now(),
		User:      &UserMessage{Content: []ContentBlock{{Kind: ContentText, Text: text}}},
	}
}

// UserMessage carries the content a caller supplied for one turn.
type UserMessage struct {
	Content     []ContentBlock `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// StopReason explains why an AssistantMessage's turn ended.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonAborted StopReason = "aborted"
	StopReasonError   StopReason = "error"
)

// Usage aggregates token accounting for one AssistantMessage.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// AssistantMessage is the model's response for one turn.
type AssistantMessage struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
	StopReason StopReason     `json:"stop_reason"`
	Error      string         `json:"error,omitempty"`
}

// ToolResultMessage carries the outcome of one tool call back into history.
type ToolResultMessage struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Content    []ContentBlock `json:"content"`
	Details    any            `json:"details,omitempty"`
	IsError    bool           `json:"is_error"`
}

// ContentKind discriminates ContentBlock variants.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentThinking ContentKind = "thinking"
	ContentToolCall ContentKind = "tool_call"
	ContentImage    ContentKind = "image"
	ContentFile     ContentKind = "file"
)

// ContentBlock is a tagged union over a message's content blocks, addressed
// by its position (content index) within the owning message during streaming.
type ContentBlock struct {
	Kind ContentKind `json:"kind"`

	// Text/Thinking payload.
	Text string `json:"text,omitempty"`

	// ToolCall payload.
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	ToolArgs     map[string]any `json:"tool_args,omitempty"`
	ToolArgsJSON string         `json:"-"` // raw accumulating JSON during streaming, not serialized

	// Image/File payload.
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`

	// Signature stamps a completed block (e.g. thinking signatures).
	Signature string `json:"signature,omitempty"`
}

// Attachment is a file/image/audio/video the caller attached to a UserMessage.
type Attachment struct {
	Kind      ContentKind `json:"kind"`
	MediaType string      `json:"media_type,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	URL       string      `json:"url,omitempty"`
	Name      string      `json:"name,omitempty"`
}

// ToolResult is what a tool's execute function returns on success or failure.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	Details any            `json:"details,omitempty"`
	IsError bool           `json:"is_error"`
}

// TextToolResult is a convenience constructor for a single-text-block result.
func TextToolResult(text string, isError bool) ToolResult {
	return ToolResult{Content: []ContentBlock{{Kind: ContentText, Text: text}}, IsError: isError}
}
