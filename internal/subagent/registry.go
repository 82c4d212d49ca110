// Package subagent implements the Subagent Registry: a process registry
// keyed by a composite {session_id, role, index}, plus a spawn/stop
// facility over internal/session.Session. Role/index are first-class so
// multiple subagents of the same role under one parent can coexist and be
// addressed individually.
package subagent

import (
	"fmt"
	"sync"
)

// Key identifies one subagent slot. Role is a short tag (e.g. "main",
// "research"); Index is a non-negative integer distinguishing multiple
// subagents of the same role under one parent session.
type Key struct {
	SessionID string
	Role      string
	Index     int
}

// String renders the key for logging, e.g. "sess-1/research#2".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.SessionID, k.Role, k.Index)
}

// Handle is whatever a registered child exposes to the registry. In this
// module it is always a *session.Session, but the registry is defined
// against this narrow interface so it can be unit-tested without spinning
// up a real Session.
type Handle interface {
	ID() string
	Stop()
}

// Registry tracks Handles by composite Key. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]Handle)}
}

// Register adds h under key, replacing any prior entry at that key.
func (r *Registry) Register(key Key, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = h
}

// Unregister removes key's entry, if any. It does not stop the handle;
// callers that want that should call Handle.Stop themselves (Manager.StopSubagent
// does both).
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Lookup returns the handle registered at key, or false if absent.
func (r *Registry) Lookup(key Key) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[key]
	return h, ok
}

// List returns every registered (Key, Handle) pair.
func (r *Registry) List() map[Key]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Key]Handle, len(r.entries))
	for k, h := range r.entries {
		out[k] = h
	}
	return out
}

// ListBySession returns every entry whose Key.SessionID matches sessionID.
func (r *Registry) ListBySession(sessionID string) map[Key]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Key]Handle)
	for k, h := range r.entries {
		if k.SessionID == sessionID {
			out[k] = h
		}
	}
	return out
}

// ListByRole returns every entry whose Key.Role matches role.
func (r *Registry) ListByRole(role string) map[Key]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Key]Handle)
	for k, h := range r.entries {
		if k.Role == role {
			out[k] = h
		}
	}
	return out
}

// Count returns the number of registered entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
