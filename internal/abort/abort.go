// Package abort implements a process-wide, lookup-by-token cancellation
// flag: cancellation is keyed by an opaque Token rather than a session ID,
// so a detached tool goroutine that was only handed a Token at spawn
// time — not a context derived from the original request — can still
// observe cancellation.
package abort

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Token is an opaque, comparable handle for one run's abort flag. The zero
// Token is never issued by New and is treated as "unknown" (aborted? is
// false) by every operation.
type Token struct {
	id string
}

// registry is the process-wide table of live tokens. Storage is
// sync.Map-backed: many concurrent readers call Aborted while a single
// owning Session calls Abort/Clear.
type registry struct {
	flags sync.Map // map[string]*uint32
}

var global = &registry{}

// New allocates a fresh, not-yet-aborted token and registers it.
func New() Token {
	id := uuid.NewString()
	var flag uint32
	global.flags.Store(id, &flag)
	return Token{id: id}
}

// Abort marks tok as aborted. Idempotent: aborting an already-aborted or
// unknown token is a no-op.
func Abort(tok Token) {
	if tok.id == "" {
		return
	}
	if v, ok := global.flags.Load(tok.id); ok {
		atomic.StoreUint32(v.(*uint32), 1)
	}
}

// Aborted reports whether tok has been aborted. A cleared or unknown token
// (including the zero Token) reports false, never an error. Safe to call
// from many goroutines concurrently.
func Aborted(tok Token) bool {
	if tok.id == "" {
		return false
	}
	v, ok := global.flags.Load(tok.id)
	if !ok {
		return false
	}
	return atomic.LoadUint32(v.(*uint32)) == 1
}

// Clear removes tok from the registry. Called by the owning Session after
// its run completes. Clearing an unknown token is a no-op.
func Clear(tok Token) {
	if tok.id == "" {
		return
	}
	global.flags.Delete(tok.id)
}

// Valid reports whether tok was produced by New (as opposed to the zero
// value).
func (t Token) Valid() bool { return t.id != "" }

// String returns the token's opaque identifier, useful for log correlation.
func (t Token) String() string { return t.id }
