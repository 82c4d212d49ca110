package agentmodel

import "encoding/json"

// ReasoningLevel is a six-level effort scale for model reasoning/thinking.
type ReasoningLevel string

const (
	ReasoningOff    ReasoningLevel = "off"
	ReasoningMin    ReasoningLevel = "minimal"
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
	ReasoningXHigh  ReasoningLevel = "xhigh"
)

// ReasoningBudgets maps a reasoning level to a thinking-token budget. Callers
// may override; this is the default used when no override is configured.
var ReasoningBudgets = map[ReasoningLevel]int{
	ReasoningOff:    0,
	ReasoningMin:    1024,
	ReasoningLow:    4096,
	ReasoningMedium: 16384,
	ReasoningHigh:   65536,
	ReasoningXHigh:  100000,
}

// AgentTool describes one tool the model may call.
type AgentTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON-schema
	Label       string          `json:"label,omitempty"`

	// Execute is invoked with the tool-call id, the parsed arguments, an
	// abort token (see package abort), and a progress callback. It returns
	// a ToolResult or a typed failure.
	Execute func(ctx ExecuteContext) (ToolResult, error) `json:"-"`
}

// ExecuteContext bundles everything an AgentTool.Execute needs that isn't
// the parsed arguments themselves. AbortToken is declared as `any` here to
// avoid this package importing internal/abort (which would invert the
// module's dependency direction); callers type-assert it back to
// abort.Token.
type ExecuteContext struct {
	ToolCallID string
	Args       map[string]any
	AbortToken any
	OnUpdate   func(partial ToolResult)
}

// AgentState is the authoritative runtime state of one session.
type AgentState struct {
	SystemPrompt string
	Model        string
	Reasoning    ReasoningLevel
	Tools        []AgentTool
	Messages     []Message

	Streaming      bool
	PartialMessage *Message
	OutstandingIDs map[string]struct{}
	LastError      string
}

// NewAgentState returns a zero-valued, ready-to-use AgentState.
func NewAgentState() *AgentState {
	return &AgentState{OutstandingIDs: make(map[string]struct{})}
}

// AgentContext is the read-only snapshot handed to the Loop for one run.
type AgentContext struct {
	SystemPrompt string
	Messages     []Message
	Tools        []AgentTool
}

// Snapshot builds an AgentContext from the current AgentState. The returned
// Messages slice is a copy; callers and the Loop never share the
// AgentState's backing array by reference.
func (s *AgentState) Snapshot() AgentContext {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return AgentContext{
		SystemPrompt: s.SystemPrompt,
		Messages:     msgs,
		Tools:        s.Tools,
	}
}
