package session

import (
	"sync"

	"github.com/flowloom/agentcore/internal/abort"
)

// tokenHolder publishes the current run's abort token so the Loop's
// steering/follow-up poll-back closures (called from the Loop's own
// goroutine, never through the Session's actor mailbox — see session.go)
// can cheaply check whether a poll-back call is still for the live run.
// Reads/writes go through a mutex rather than the mailbox specifically so
// that calling back in doesn't re-enter the actor and deadlock.
type tokenHolder struct {
	mu  sync.RWMutex
	tok abort.Token
}

func (h *tokenHolder) set(t abort.Token) {
	h.mu.Lock()
	h.tok = t
	h.mu.Unlock()
}

func (h *tokenHolder) clear() {
	h.mu.Lock()
	h.tok = abort.Token{}
	h.mu.Unlock()
}

func (h *tokenHolder) matches(t abort.Token) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tok == t
}
