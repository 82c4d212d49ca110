// Package eventstream implements a bounded producer/consumer channel:
// single-writer, single-reader by convention, owner-monitored, with an
// optional attached task whose crash becomes a terminal error.
//
// Overflow is governed by explicit max_queue + drop_strategy knobs:
// drop_oldest, drop_newest, or error. Terminal events
// (agent_end/error/canceled) are never subject to drop_strategy — they
// always get delivered, since a consumer must always learn how a run
// ended.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// DropStrategy selects overflow behavior when the internal queue is full.
type DropStrategy string

const (
	DropOldest DropStrategy = "drop_oldest"
	DropNewest DropStrategy = "drop_newest"
	DropError  DropStrategy = "error"
)

// ErrOverflow is returned by Push under DropError when the queue is full.
var ErrOverflow = errors.New("eventstream: queue overflow")

// ErrCanceled is returned by any push after the stream has reached a
// terminal state.
var ErrCanceled = errors.New("eventstream: stream canceled")

// Config configures a Stream at construction.
type Config struct {
	// Owner, when non-nil, is monitored: if it is Done before a terminal
	// event is produced, the stream cancels itself.
	Owner context.Context
	// MaxQueue bounds the internal buffer. Must be >= 1.
	MaxQueue int
	// DropStrategy selects overflow behavior for non-terminal events.
	DropStrategy DropStrategy
	// Timeout caps the lifetime of the stream; zero means "never". After
	// Timeout elapses without a terminal event, the stream cancels itself
	// with reason "timeout".
	Timeout time.Duration
}

func (c Config) sanitized() Config {
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.DropStrategy == "" {
		c.DropStrategy = DropOldest
	}
	return c
}

// Result is what Result() returns once the stream reaches its terminal
// event.
type Result struct {
	Messages []agentmodel.Message
	Reason   string
	Err      error
	Partial  *agentmodel.Message
}

// Stats is a point-in-time snapshot returned by Stats().
type Stats struct {
	QueueSize int
	MaxQueue  int
	Dropped   uint64
}

// Stream is the bounded event queue. Construct with New.
type Stream struct {
	cfg Config

	mu      sync.Mutex
	queue   []agentmodel.AgentEvent
	closed  bool
	seq     uint64
	dropped uint64

	notify chan struct{} // signaled (non-blocking) whenever the queue gains an item or closes

	done     chan struct{} // closed exactly once, when terminal
	doneOnce sync.Once
	result   Result

	attachedDone chan error // receives the attached task's outcome, if any
}

// New constructs a Stream and starts its monitoring goroutines (owner
// death, timeout). Callers must eventually consume Events() to completion
// or call one of Complete/Error/Cancel to release monitoring goroutines.
func New(cfg Config) *Stream {
	cfg = cfg.sanitized()
	s := &Stream{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if cfg.Owner != nil {
		go func() {
			select {
			case <-cfg.Owner.Done():
				s.Cancel("owner_died")
			case <-s.done:
			}
		}()
	}
	if cfg.Timeout > 0 {
		go func() {
			t := time.NewTimer(cfg.Timeout)
			defer t.Stop()
			select {
			case <-t.C:
				s.Cancel("timeout")
			case <-s.done:
			}
		}()
	}
	return s
}

// Attach runs fn in its own goroutine and monitors it as the stream's
// single optional attached task: a panic or non-nil error from fn becomes
// a terminal error({task_crashed, reason}) if the stream has not already
// reached a terminal state by other means; a nil-error return is ignored,
// since the task is expected to have already pushed its own terminal
// event before returning normally.
func (s *Stream) Attach(fn func() error) {
	s.attachedDone = make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.attachedDone <- &crashError{reason: r}
			}
		}()
		s.attachedDone <- fn()
	}()
	go func() {
		select {
		case err := <-s.attachedDone:
			if err != nil {
				s.Error("task_crashed: "+err.Error(), err, nil)
			}
		case <-s.done:
		}
	}()
}

type crashError struct{ reason any }

func (e *crashError) Error() string { return "panic: " + errString(e.reason) }

func errString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}

func (s *Stream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Push synchronously enqueues event, honoring drop_strategy on overflow.
// Terminal events (agent_end/error/canceled) always succeed unless the
// stream is already closed. Push never blocks for non-terminal events.
func (s *Stream) Push(evt agentmodel.AgentEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrCanceled
	}

	terminal := evt.Type.IsTerminal()
	evt.Sequence = s.nextSeq()

	if !terminal && len(s.queue) >= s.cfg.MaxQueue {
		switch s.cfg.DropStrategy {
		case DropNewest:
			atomic.AddUint64(&s.dropped, 1)
			s.mu.Unlock()
			return nil
		case DropError:
			atomic.AddUint64(&s.dropped, 1)
			s.mu.Unlock()
			return ErrOverflow
		default: // DropOldest
			s.queue = append(s.queue[1:], evt)
			atomic.AddUint64(&s.dropped, 1)
			s.mu.Unlock()
			s.signal()
			return nil
		}
	}

	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.signal()
	return nil
}

// PushAsync is fire-and-forget: it drops silently per drop_strategy and
// never reports overflow to the caller (it still counts dropped events).
func (s *Stream) PushAsync(evt agentmodel.AgentEvent) {
	_ = s.Push(evt)
}

func (s *Stream) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Complete pushes agent_end(messages), marks the stream done, and wakes all
// waiters.
func (s *Stream) Complete(messages []agentmodel.Message, stats *agentmodel.RunStats) {
	s.finish(agentmodel.AgentEvent{
		Type:     agentmodel.EventAgentEnd,
		AgentEnd: &agentmodel.AgentEndPayload{NewMessages: messages, Stats: stats},
	}, Result{Messages: messages})
}

// Error pushes error(reason, partial), marks the stream done.
func (s *Stream) Error(reason string, err error, partial *agentmodel.Message) {
	s.finish(agentmodel.AgentEvent{
		Type:  agentmodel.EventError,
		Error: &agentmodel.ErrorPayload{Reason: reason, Err: err, Partial: partial},
	}, Result{Reason: reason, Err: err, Partial: partial})
}

// Cancel pushes canceled(reason), marks the stream done, and releases any
// attached task monitoring.
func (s *Stream) Cancel(reason string) {
	s.finish(agentmodel.AgentEvent{
		Type:     agentmodel.EventCanceled,
		Canceled: &agentmodel.CanceledPayload{Reason: reason},
	}, Result{Reason: reason, Err: ErrCanceled})
}

func (s *Stream) finish(evt agentmodel.AgentEvent, res Result) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	evt.Sequence = s.nextSeq()
	s.queue = append(s.queue, evt)
	s.closed = true
	s.result = res
	s.mu.Unlock()
	s.signal()
	s.doneOnce.Do(func() { close(s.done) })
}

// Events returns a finite, non-restartable channel of events. It halts
// after yielding the terminal event. Readers block when the buffer is
// empty.
func (s *Stream) Events() <-chan agentmodel.AgentEvent {
	out := make(chan agentmodel.AgentEvent)
	go func() {
		defer close(out)
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				done := s.closed
				s.mu.Unlock()
				if done {
					return
				}
				<-s.notify
				continue
			}
			evt := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			out <- evt
			if evt.Type.IsTerminal() {
				return
			}
		}
	}()
	return out
}

// Result blocks until the stream reaches its terminal event or timeout
// elapses, whichever comes first. A zero timeout waits forever.
func (s *Stream) Result(timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		<-s.done
		return s.result, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return s.result, nil
	case <-t.C:
		return Result{}, context.DeadlineExceeded
	}
}

// Stats returns a point-in-time snapshot of queue occupancy and drops.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueueSize: len(s.queue),
		MaxQueue:  s.cfg.MaxQueue,
		Dropped:   atomic.LoadUint64(&s.dropped),
	}
}
