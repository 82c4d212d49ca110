package agentmodel

import "time"

// AgentEventType identifies the kind of AgentEvent. The full alphabet is
// fixed; see the constants below.
type AgentEventType string

const (
	EventAgentStart AgentEventType = "agent_start"
	EventAgentEnd   AgentEventType = "agent_end"

	EventTurnStart AgentEventType = "turn_start"
	EventTurnEnd   AgentEventType = "turn_end"

	EventMessageStart  AgentEventType = "message_start"
	EventMessageUpdate AgentEventType = "message_update"
	EventMessageEnd    AgentEventType = "message_end"

	EventToolExecutionStart  AgentEventType = "tool_execution_start"
	EventToolExecutionUpdate AgentEventType = "tool_execution_update"
	EventToolExecutionEnd    AgentEventType = "tool_execution_end"

	EventError    AgentEventType = "error"
	EventCanceled AgentEventType = "canceled"
)

// TerminalEventTypes is the set {agent_end, error, canceled} that closes an
// Event Stream. Exactly one of these is emitted per run.
var TerminalEventTypes = map[AgentEventType]bool{
	EventAgentEnd: true,
	EventError:    true,
	EventCanceled: true,
}

// IsTerminal reports whether t is one of the stream-closing event types.
func (t AgentEventType) IsTerminal() bool { return TerminalEventTypes[t] }

// AgentEvent is the tagged union pushed onto an Event Stream. Exactly one
// payload field is populated per Type. The Event Stream assigns Sequence,
// which gives every event a stable total order within one run; nothing in
// this module sets RunID.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	Time     time.Time      `json:"time"`
	RunID    string         `json:"run_id"`
	Sequence uint64         `json:"sequence"`

	AgentEnd      *AgentEndPayload      `json:"agent_end,omitempty"`
	TurnEnd       *TurnEndPayload       `json:"turn_end,omitempty"`
	Message       *MessagePayload       `json:"message,omitempty"`
	ToolExecution *ToolExecutionPayload `json:"tool_execution,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
	Canceled      *CanceledPayload      `json:"canceled,omitempty"`
}

// AgentEndPayload carries only the messages created during the run, never
// the full history.
type AgentEndPayload struct {
	NewMessages []Message `json:"new_messages"`
	Stats       *RunStats `json:"stats,omitempty"`
}

// TurnEndPayload reports one completed turn.
type TurnEndPayload struct {
	Assistant   *Message  `json:"assistant,omitempty"`
	ToolResults []Message `json:"tool_results,omitempty"`
}

// MessagePayload is shared by message_start/message_update/message_end.
type MessagePayload struct {
	Message Message `json:"message"`
	// Delta is set only on message_update: the incremental content-block
	// change that produced this update (index, appended text, etc).
	Delta *ContentDelta `json:"delta,omitempty"`
}

// ContentDelta describes one incremental update to a content block,
// addressed by its index within the owning message.
type ContentDelta struct {
	Index     int    `json:"index"`
	TextDelta string `json:"text_delta,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// ToolExecutionPayload is shared by tool_execution_start/update/end.
type ToolExecutionPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args,omitempty"`
	Partial    *ToolResult    `json:"partial,omitempty"`
	Result     *ToolResult    `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// ErrorPayload is the error(reason, partial_state) terminal payload.
type ErrorPayload struct {
	Reason  string   `json:"reason"`
	Err     error    `json:"-"`
	Partial *Message `json:"partial,omitempty"`
}

// CanceledPayload is the canceled(reason) terminal payload.
type CanceledPayload struct {
	Reason string `json:"reason"`
}

// RunStats is an optional aggregate attached to agent_end, additive to the
// core event alphabet and safe for callers to ignore.
type RunStats struct {
	Turns         int           `json:"turns"`
	ToolCalls     int           `json:"tool_calls"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	WallTime      time.Duration `json:"wall_time"`
	DroppedEvents uint64        `json:"dropped_events"`
}
