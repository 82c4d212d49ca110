// Package contextsize implements heuristic char/token estimation and
// budget-bounded truncation over an agent's message history, using chars
// as the cheap proxy for token count and a chars/4 approximation where an
// actual token count is needed.
package contextsize

import (
	"context"
	"encoding/json"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// imageCharCost approximates an image or file block's contribution to the
// char budget as a small constant, since its actual payload is opaque.
const imageCharCost = 100

// jsonFailureCharCost is substituted when a ToolCall's arguments fail to
// serialize to JSON.
const jsonFailureCharCost = 50

// EstimateSize sums the character footprint of messages plus an optional
// system prompt. Text/thinking blocks contribute their string length;
// ToolCall blocks contribute their JSON-serialized argument length
// (approximated on serialization failure); image/file blocks contribute a
// small constant.
func EstimateSize(messages []agentmodel.Message, systemPrompt string) int {
	total := len(systemPrompt)
	for _, m := range messages {
		total += estimateMessageChars(m)
	}
	return total
}

func estimateMessageChars(m agentmodel.Message) int {
	chars := 0
	switch m.Role {
	case agentmodel.RoleUser:
		if m.User != nil {
			chars += blocksChars(m.User.Content)
		}
	case agentmodel.RoleAssistant:
		if m.Assistant != nil {
			chars += blocksChars(m.Assistant.Content)
		}
	case agentmodel.RoleToolResult:
		if m.ToolResult != nil {
			chars += blocksChars(m.ToolResult.Content)
		}
	}
	return chars
}

func blocksChars(blocks []agentmodel.ContentBlock) int {
	total := 0
	for _, b := range blocks {
		switch b.Kind {
		case agentmodel.ContentText, agentmodel.ContentThinking:
			total += len(b.Text)
		case agentmodel.ContentToolCall:
			if raw, err := json.Marshal(b.ToolArgs); err == nil {
				total += len(raw)
			} else {
				total += jsonFailureCharCost
			}
		case agentmodel.ContentImage, agentmodel.ContentFile:
			total += imageCharCost
		}
	}
	return total
}

// EstimateTokens approximates a token count from a character count at
// chars/4, a rule of thumb that holds well enough for English-majority text.
func EstimateTokens(chars int) int {
	return chars / 4
}

// SizeStatus is the result of CheckSize.
type SizeStatus string

const (
	SizeOK       SizeStatus = "ok"
	SizeWarning  SizeStatus = "warning"
	SizeCritical SizeStatus = "critical"
)

// CheckSize classifies messages' estimated size against warning/critical
// char thresholds.
func CheckSize(messages []agentmodel.Message, systemPrompt string, warning, critical int) SizeStatus {
	chars := EstimateSize(messages, systemPrompt)
	switch {
	case critical > 0 && chars >= critical:
		return SizeCritical
	case warning > 0 && chars >= warning:
		return SizeWarning
	default:
		return SizeOK
	}
}

// TruncateStrategy selects how Truncate chooses which messages to drop.
type TruncateStrategy string

const (
	// StrategySlidingWindow keeps the tail that fits within both budgets,
	// optionally pinning the first user message. This is the default.
	StrategySlidingWindow TruncateStrategy = "sliding_window"
	// StrategyKeepBookends keeps the first floor(N/2) and last floor(N/2)
	// messages.
	StrategyKeepBookends TruncateStrategy = "keep_bookends"
)

// TruncateOptions configures Truncate.
type TruncateOptions struct {
	MaxMessages   int
	MaxChars      int
	Strategy      TruncateStrategy
	KeepFirstUser bool
}

// TruncateResult is Truncate's return value.
type TruncateResult struct {
	Messages     []agentmodel.Message
	DroppedCount int
}

// Truncate trims messages to fit within MaxMessages and MaxChars according
// to Strategy.
func Truncate(messages []agentmodel.Message, opts TruncateOptions) TruncateResult {
	if len(messages) == 0 {
		return TruncateResult{Messages: messages}
	}

	switch opts.Strategy {
	case StrategyKeepBookends:
		return truncateBookends(messages, opts)
	default:
		return truncateSlidingWindow(messages, opts)
	}
}

func truncateSlidingWindow(messages []agentmodel.Message, opts TruncateOptions) TruncateResult {
	firstUserIdx := -1
	if opts.KeepFirstUser {
		for i, m := range messages {
			if m.Role == agentmodel.RoleUser {
				firstUserIdx = i
				break
			}
		}
	}

	// Walk from the tail, accumulating a contiguous window until either
	// budget would be exceeded.
	tailStart := len(messages)
	chars := 0
	for i := len(messages) - 1; i >= 0; i-- {
		count := len(messages) - i
		mc := estimateMessageChars(messages[i])
		if opts.MaxMessages > 0 && count > opts.MaxMessages {
			break
		}
		if opts.MaxChars > 0 && chars+mc > opts.MaxChars && count > 1 {
			break
		}
		tailStart = i
		chars += mc
	}

	kept := append([]agentmodel.Message(nil), messages[tailStart:]...)
	dropped := tailStart

	if firstUserIdx >= 0 && firstUserIdx < tailStart {
		kept = append([]agentmodel.Message{messages[firstUserIdx]}, kept...)
		dropped--
		if opts.MaxMessages > 0 && len(kept) > opts.MaxMessages {
			kept = append(kept[:1], kept[2:]...)
			dropped++
		}
	}

	return TruncateResult{Messages: kept, DroppedCount: dropped}
}

func truncateBookends(messages []agentmodel.Message, opts TruncateOptions) TruncateResult {
	n := len(messages)
	half := n / 2
	if opts.MaxMessages > 0 && opts.MaxMessages/2 < half {
		half = opts.MaxMessages / 2
	}
	if half*2 >= n {
		return TruncateResult{Messages: messages}
	}
	head := messages[:half]
	tail := messages[n-half:]
	kept := make([]agentmodel.Message, 0, half*2)
	kept = append(kept, head...)
	kept = append(kept, tail...)
	return TruncateResult{Messages: kept, DroppedCount: n - len(kept)}
}

// TransformFunc is the transform_context-shaped function MakeTransform
// returns, suitable for wiring into a loop.Config. ctx carries the run's
// cancellation, matching loop.TransformContextFunc's shape.
type TransformFunc func(ctx context.Context, messages []agentmodel.Message) ([]agentmodel.Message, error)

// MakeTransform builds a transform_context function that applies Truncate
// with the given options, for callers who want truncation wired
// automatically into every turn rather than invoked ad hoc.
func MakeTransform(opts TruncateOptions) TransformFunc {
	return func(ctx context.Context, messages []agentmodel.Message) ([]agentmodel.Message, error) {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		return Truncate(messages, opts).Messages, nil
	}
}
