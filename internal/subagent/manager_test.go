package subagent

import (
	"testing"

	"github.com/flowloom/agentcore/internal/session"
)

func TestManager_StartStopAutoIndex(t *testing.T) {
	m := NewManager()

	a := m.StartSubagent(StartOptions{
		Session:     session.Options{Name: "a"},
		RegistryKey: Key{SessionID: "parent", Role: "research"},
	})
	b := m.StartSubagent(StartOptions{
		Session:     session.Options{Name: "b"},
		RegistryKey: Key{SessionID: "parent", Role: "research"},
	})
	defer a.Stop()
	defer b.Stop()

	byRole := m.Registry().ListByRole("research")
	if len(byRole) != 2 {
		t.Fatalf("expected 2 entries for role research, got %d", len(byRole))
	}

	indices := make(map[int]bool)
	for k := range byRole {
		indices[k.Index] = true
	}
	if !indices[0] || !indices[1] {
		t.Fatalf("expected indices {0,1}, got %v", indices)
	}

	if err := m.StopSubagent(a); err != nil {
		t.Fatalf("StopSubagent: %v", err)
	}
	if m.Registry().Count() != 1 {
		t.Fatalf("expected 1 entry remaining after stop, got %d", m.Registry().Count())
	}
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup(Key{SessionID: "x", Role: "main"}); ok {
		t.Fatal("expected lookup miss on empty registry")
	}
}
