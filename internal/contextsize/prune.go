package contextsize

import (
	"strconv"
	"strings"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// PruneSettings controls in-place soft-trim/hard-clear pruning of large
// tool results, supplemental to the base truncation strategies: older tool
// results get trimmed or cleared in place before falling back to dropping
// whole messages.
type PruneSettings struct {
	// KeepLastAssistants protects the N most recent assistant turns (and
	// everything after them) from pruning entirely.
	KeepLastAssistants int
	// SoftTrimRatio/HardClearRatio are fractions of CharWindow above which
	// soft-trimming, then hard-clearing, engage.
	SoftTrimRatio  float64
	HardClearRatio float64
	// MinPrunableToolChars gates hard-clear: it only engages once the
	// total prunable tool-result content exceeds this many characters.
	MinPrunableToolChars int
	SoftTrim             SoftTrim
	HardClear            HardClear
	ToolAllow            []string
	ToolDeny             []string
}

// SoftTrim configures keeping a head/tail window of a large tool result and
// discarding its middle.
type SoftTrim struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// HardClear configures replacing a tool result's content outright once
// soft-trimming isn't enough.
type HardClear struct {
	Enabled     bool
	Placeholder string
}

// DefaultPruneSettings returns reasonable defaults for a long-lived agent
// session with a multi-hundred-KB context window.
func DefaultPruneSettings() PruneSettings {
	return PruneSettings{
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50000,
		SoftTrim:             SoftTrim{MaxChars: 4000, HeadChars: 1500, TailChars: 1500},
		HardClear:            HardClear{Enabled: true, Placeholder: "[Old tool result content cleared]"},
	}
}

// Prune soft-trims, then (if still over budget) hard-clears, older
// ToolResultMessage content so long-running sessions don't carry
// unbounded tool output in every subsequent model call. Returns the
// original slice unchanged if no message needs modification.
func Prune(messages []agentmodel.Message, settings PruneSettings, charWindow int) []agentmodel.Message {
	if len(messages) == 0 || charWindow <= 0 {
		return messages
	}

	cutoff, ok := findAssistantCutoff(messages, settings.KeepLastAssistants)
	if !ok {
		return messages
	}

	total := EstimateSize(messages, "")
	if float64(total)/float64(charWindow) < settings.SoftTrimRatio {
		return messages
	}

	allow := normalizePatterns(settings.ToolAllow)
	deny := normalizePatterns(settings.ToolDeny)
	prunable := func(name string) bool {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			return false
		}
		if matchesAny(n, deny) {
			return false
		}
		if len(allow) == 0 {
			return true
		}
		return matchesAny(n, allow)
	}

	out := append([]agentmodel.Message(nil), messages...)
	type ref struct{ index int }
	var refs []ref

	for i := 0; i < cutoff; i++ {
		m := out[i]
		if m.Role != agentmodel.RoleToolResult || m.ToolResult == nil || !prunable(m.ToolResult.ToolName) {
			continue
		}
		refs = append(refs, ref{index: i})

		for bi, b := range m.ToolResult.Content {
			if b.Kind != agentmodel.ContentText {
				continue
			}
			trimmed, changed := softTrim(b.Text, settings.SoftTrim)
			if !changed {
				continue
			}
			before := estimateMessageChars(out[i])
			m = cloneToolResult(m)
			m.ToolResult.Content[bi].Text = trimmed
			out[i] = m
			after := estimateMessageChars(out[i])
			total += after - before
		}
	}

	if float64(total)/float64(charWindow) < settings.HardClearRatio || !settings.HardClear.Enabled {
		return out
	}

	prunableChars := 0
	for _, r := range refs {
		prunableChars += estimateMessageChars(out[r.index])
	}
	if prunableChars < settings.MinPrunableToolChars {
		return out
	}

	ratio := float64(total) / float64(charWindow)
	for _, r := range refs {
		if ratio < settings.HardClearRatio {
			break
		}
		m := cloneToolResult(out[r.index])
		before := estimateMessageChars(m)
		m.ToolResult.Content = []agentmodel.ContentBlock{{Kind: agentmodel.ContentText, Text: settings.HardClear.Placeholder}}
		out[r.index] = m
		after := estimateMessageChars(m)
		total += after - before
		ratio = float64(total) / float64(charWindow)
	}

	return out
}

// cloneToolResult copies m's ToolResultMessage and its content slice so
// pruning never mutates the caller's original messages through the shared
// pointer.
func cloneToolResult(m agentmodel.Message) agentmodel.Message {
	if m.ToolResult == nil {
		return m
	}
	tr := *m.ToolResult
	tr.Content = append([]agentmodel.ContentBlock(nil), tr.Content...)
	m.ToolResult = &tr
	return m
}

func findAssistantCutoff(messages []agentmodel.Message, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(messages), true
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == agentmodel.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func softTrim(content string, cfg SoftTrim) (string, bool) {
	rawLen := len(content)
	if rawLen <= cfg.MaxChars {
		return content, false
	}
	head, tail := cfg.HeadChars, cfg.TailChars
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= rawLen {
		return content, false
	}
	trimmed := content[:head] + "\n...\n" + content[rawLen-tail:]
	note := "\n\n[tool result trimmed: kept first " + strconv.Itoa(head) + " and last " + strconv.Itoa(tail) + " of " + strconv.Itoa(rawLen) + " chars]"
	return trimmed + note, true
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		v := strings.ToLower(strings.TrimSpace(p))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, name) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		pos := strings.Index(value[idx:], parts[i])
		if pos < 0 {
			return false
		}
		idx += pos + len(parts[i])
	}
	last := parts[len(parts)-1]
	if last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}
