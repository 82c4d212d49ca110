package contextsize

import (
	"strings"
	"testing"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

func toolResultMsg(name, text string) agentmodel.Message {
	return agentmodel.Message{
		Role: agentmodel.RoleToolResult,
		ToolResult: &agentmodel.ToolResultMessage{
			ToolCallID: "t1",
			ToolName:   name,
			Content:    []agentmodel.ContentBlock{{Kind: agentmodel.ContentText, Text: text}},
		},
	}
}

func assistantMsg(text string) agentmodel.Message {
	return agentmodel.Message{
		Role: agentmodel.RoleAssistant,
		Assistant: &agentmodel.AssistantMessage{
			Content:    []agentmodel.ContentBlock{{Kind: agentmodel.ContentText, Text: text}},
			StopReason: agentmodel.StopReasonStop,
		},
	}
}

func TestPruneSoftTrimsOldToolResults(t *testing.T) {
	big := strings.Repeat("x", 10000)
	messages := []agentmodel.Message{
		toolResultMsg("search", big),
		assistantMsg("a1"),
		assistantMsg("a2"),
		assistantMsg("a3"),
		assistantMsg("a4"),
	}

	settings := DefaultPruneSettings()
	settings.KeepLastAssistants = 3
	settings.MinPrunableToolChars = 0

	out := Prune(messages, settings, 12000)
	got := out[0].ToolResult.Content[0].Text
	if len(got) >= len(big) {
		t.Fatalf("expected the old tool result to be trimmed, still %d chars", len(got))
	}
	if !strings.Contains(got, "tool result trimmed") {
		t.Fatalf("expected a trim note in the result, got %q", got[:80])
	}
}

func TestPruneDoesNotMutateInput(t *testing.T) {
	big := strings.Repeat("y", 10000)
	messages := []agentmodel.Message{
		toolResultMsg("search", big),
		assistantMsg("a1"),
		assistantMsg("a2"),
		assistantMsg("a3"),
		assistantMsg("a4"),
	}

	settings := DefaultPruneSettings()
	settings.KeepLastAssistants = 3
	settings.MinPrunableToolChars = 0

	Prune(messages, settings, 12000)
	if messages[0].ToolResult.Content[0].Text != big {
		t.Fatal("Prune mutated the caller's messages")
	}
}

func TestPruneProtectsRecentAssistantTurns(t *testing.T) {
	big := strings.Repeat("z", 10000)
	messages := []agentmodel.Message{
		assistantMsg("a1"),
		toolResultMsg("search", big),
		assistantMsg("a2"),
	}

	settings := DefaultPruneSettings()
	settings.KeepLastAssistants = 2
	settings.MinPrunableToolChars = 0

	out := Prune(messages, settings, 12000)
	if out[1].ToolResult.Content[0].Text != big {
		t.Fatal("expected the tool result inside the protected window to survive untouched")
	}
}

func TestPruneRespectsToolDenyList(t *testing.T) {
	big := strings.Repeat("w", 10000)
	messages := []agentmodel.Message{
		toolResultMsg("memory_read", big),
		assistantMsg("a1"),
		assistantMsg("a2"),
		assistantMsg("a3"),
		assistantMsg("a4"),
	}

	settings := DefaultPruneSettings()
	settings.KeepLastAssistants = 3
	settings.MinPrunableToolChars = 0
	settings.ToolDeny = []string{"memory_*"}

	out := Prune(messages, settings, 12000)
	if out[0].ToolResult.Content[0].Text != big {
		t.Fatal("expected a denied tool's result to survive untouched")
	}
}
