package eventstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

func drain(t *testing.T, s *Stream) []agentmodel.AgentEvent {
	t.Helper()
	var out []agentmodel.AgentEvent
	for evt := range s.Events() {
		out = append(out, evt)
	}
	return out
}

func TestCompletePushesTerminalAgentEnd(t *testing.T) {
	s := New(Config{MaxQueue: 4})
	s.Push(agentmodel.AgentEvent{Type: agentmodel.EventAgentStart})
	s.Complete([]agentmodel.Message{agentmodel.NewUserMessage("hi")}, nil)

	events := drain(t, s)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Type != agentmodel.EventAgentEnd {
		t.Fatalf("expected terminal agent_end, got %s", last.Type)
	}
	if len(last.AgentEnd.NewMessages) != 1 {
		t.Fatalf("expected 1 new message, got %d", len(last.AgentEnd.NewMessages))
	}
}

func TestPushAfterTerminalReturnsCanceled(t *testing.T) {
	s := New(Config{MaxQueue: 4})
	s.Cancel("done")
	if err := s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnStart}); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestDropOldestNeverExceedsMaxQueue(t *testing.T) {
	s := New(Config{MaxQueue: 2, DropStrategy: DropOldest})
	for i := 0; i < 10; i++ {
		if err := s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnStart}); err != nil {
			t.Fatalf("push %d: unexpected error %v", i, err)
		}
		if qs := s.Stats().QueueSize; qs > 2 {
			t.Fatalf("queue size %d exceeds max_queue 2", qs)
		}
	}
	if s.Stats().Dropped != 8 {
		t.Fatalf("expected 8 dropped events, got %d", s.Stats().Dropped)
	}
}

func TestDropNewestDropsIncomingEvent(t *testing.T) {
	s := New(Config{MaxQueue: 1, DropStrategy: DropNewest})
	s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnStart})
	s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnEnd})
	s.Complete(nil, nil)

	events := drain(t, s)
	// turn_start survives, turn_end is dropped, agent_end always delivered.
	if len(events) != 2 {
		t.Fatalf("expected 2 surviving events, got %d", len(events))
	}
	if events[0].Type != agentmodel.EventTurnStart {
		t.Fatalf("expected first surviving event to be turn_start, got %s", events[0].Type)
	}
}

func TestErrorStrategyReturnsOverflowAndCountsDropped(t *testing.T) {
	s := New(Config{MaxQueue: 1, DropStrategy: DropError})
	if err := s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnStart}); err != nil {
		t.Fatalf("first push should succeed: %v", err)
	}
	if err := s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnEnd}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if s.Stats().Dropped != 1 {
		t.Fatalf("expected dropped count 1, got %d", s.Stats().Dropped)
	}
}

func TestTerminalEventsBypassDropStrategy(t *testing.T) {
	s := New(Config{MaxQueue: 1, DropStrategy: DropError})
	s.Push(agentmodel.AgentEvent{Type: agentmodel.EventTurnStart})
	// Queue is now full; a terminal push must still succeed.
	s.Error("boom", errors.New("boom"), nil)

	events := drain(t, s)
	last := events[len(events)-1]
	if last.Type != agentmodel.EventError {
		t.Fatalf("expected terminal error event, got %s", last.Type)
	}
}

func TestOwnerDeathCancelsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Owner: ctx, MaxQueue: 4})
	cancel()

	res, err := s.Result(time.Second)
	if err != nil {
		t.Fatalf("Result timed out waiting for owner-death cancellation: %v", err)
	}
	if !errors.Is(res.Err, ErrCanceled) {
		t.Fatalf("expected canceled result, got %+v", res)
	}
}

func TestAttachedTaskCrashBecomesTerminalError(t *testing.T) {
	s := New(Config{MaxQueue: 4})
	s.Attach(func() error {
		panic("boom")
	})

	res, err := s.Result(time.Second)
	if err != nil {
		t.Fatalf("Result timed out: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected a non-nil error from the crashed attached task")
	}
}

func TestAttachedTaskNormalExitIsIgnored(t *testing.T) {
	s := New(Config{MaxQueue: 4})
	done := make(chan struct{})
	s.Attach(func() error {
		defer close(done)
		s.Complete(nil, nil)
		return nil
	})
	<-done

	res, err := s.Result(time.Second)
	if err != nil {
		t.Fatalf("Result timed out: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("normal attached-task exit should not surface an error, got %v", res.Err)
	}
}

func TestResultTimesOutBeforeTerminal(t *testing.T) {
	s := New(Config{MaxQueue: 4})
	_, err := s.Result(10 * time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	s.Cancel("cleanup")
}

func TestEventsChannelHaltsAfterTerminal(t *testing.T) {
	s := New(Config{MaxQueue: 4})
	s.Complete(nil, nil)

	events := s.Events()
	_, ok := <-events
	if !ok {
		t.Fatal("expected to receive the terminal event")
	}
	if _, ok := <-events; ok {
		t.Fatal("channel should be closed after the terminal event")
	}
}
