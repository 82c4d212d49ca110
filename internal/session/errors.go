package session

import "errors"

// Usage-class errors returned synchronously from the Session's public
// surface.
var (
	ErrAlreadyStreaming = errors.New("session: a run is already in flight")
	ErrNoMessages       = errors.New("session: no messages to continue from")
	ErrCannotContinue   = errors.New("session: last message is from the assistant, cannot continue")
)
