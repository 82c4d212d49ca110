package subagent

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowloom/agentcore/internal/session"
)

// StartOptions configures one spawned subagent.
type StartOptions struct {
	// Session configures the child Session exactly as session.New would.
	Session session.Options
	// RegistryKey, when non-zero (Role non-empty), registers the child
	// under that composite key. When Index is left at its zero value,
	// Manager assigns the next value of a per-(SessionID, Role) counter that
	// starts at 0; indices are not reused after a stop, and slots taken by
	// explicitly indexed siblings are not skipped.
	RegistryKey Key
}

// Manager is the spawn/lookup facility over Registry, exposing
// StartSubagent/StopSubagent. Children are temporary: Manager never
// restarts a crashed or stopped child.
type Manager struct {
	registry *Registry

	mu      sync.Mutex
	indices map[string]map[string]int // sessionID -> role -> next index
	owned   map[*session.Session]Key
	seq     atomic.Uint64
}

// NewManager returns a Manager backed by a fresh Registry.
func NewManager() *Manager {
	return &Manager{
		registry: NewRegistry(),
		indices:  make(map[string]map[string]int),
		owned:    make(map[*session.Session]Key),
	}
}

// Registry exposes the underlying Registry for read-only lookups.
func (m *Manager) Registry() *Registry { return m.registry }

// StartSubagent spawns a new child Session per opts.Session, optionally
// registering it under opts.RegistryKey (auto-assigning Index from the
// per-(SessionID, Role) counter when the caller leaves it at 0).
func (m *Manager) StartSubagent(opts StartOptions) *session.Session {
	child := session.New(opts.Session)

	if opts.RegistryKey.Role != "" {
		key := opts.RegistryKey
		if key.SessionID == "" {
			key.SessionID = fmt.Sprintf("anon-%d", m.seq.Add(1))
		}
		m.mu.Lock()
		if key.Index == 0 {
			byRole := m.indices[key.SessionID]
			if byRole == nil {
				byRole = make(map[string]int)
				m.indices[key.SessionID] = byRole
			}
			key.Index = byRole[key.Role]
			byRole[key.Role] = key.Index + 1
		}
		m.owned[child] = key
		m.mu.Unlock()
		m.registry.Register(key, child)
	}

	return child
}

// StopSubagent stops the child identified by handle or key. Passing a
// *session.Session stops it directly and, if it was registered, removes
// its registry entry; passing a Key looks the child up first.
func (m *Manager) StopSubagent(handleOrKey any) error {
	switch v := handleOrKey.(type) {
	case *session.Session:
		v.Stop()
		m.mu.Lock()
		key, ok := m.owned[v]
		delete(m.owned, v)
		m.mu.Unlock()
		if ok {
			m.registry.Unregister(key)
		}
		return nil
	case Key:
		h, ok := m.registry.Lookup(v)
		if !ok {
			return fmt.Errorf("subagent: no child registered at %s", v)
		}
		h.Stop()
		m.registry.Unregister(v)
		if child, ok := h.(*session.Session); ok {
			m.mu.Lock()
			delete(m.owned, child)
			m.mu.Unlock()
		}
		return nil
	default:
		return fmt.Errorf("subagent: StopSubagent expects *session.Session or Key, got %T", handleOrKey)
	}
}
