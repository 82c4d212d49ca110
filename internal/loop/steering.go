package loop

import (
	"context"
	"sync"
	"time"

	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// ConsumptionMode controls how a queue yields its contents.
type ConsumptionMode string

const (
	ConsumeAll        ConsumptionMode = "all"
	ConsumeOneAtATime ConsumptionMode = "one_at_a_time"
)

// DefaultFollowUpPollInterval is the long-poll window used to close the
// race between "queue is empty" and "a follow-up arrives just as the loop
// decides to stop".
const DefaultFollowUpPollInterval = 50 * time.Millisecond

// SteeringQueue holds the steering and follow-up messages for one session.
// GetFollowUpMessages long-polls rather than returning immediately, using a
// registered waiter channel woken either by a new enqueue or by a timer.
type SteeringQueue struct {
	mu sync.Mutex

	steering []agentmodel.Message
	followUp []agentmodel.Message

	steeringMode ConsumptionMode
	followUpMode ConsumptionMode

	pollInterval time.Duration
	waiters      []chan struct{}
}

// NewSteeringQueue returns a queue with one-at-a-time defaults for both
// lanes.
func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{
		steeringMode: ConsumeOneAtATime,
		followUpMode: ConsumeOneAtATime,
		pollInterval: DefaultFollowUpPollInterval,
	}
}

func (q *SteeringQueue) SetSteeringMode(m ConsumptionMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steeringMode = m
}

func (q *SteeringQueue) SetFollowUpMode(m ConsumptionMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUpMode = m
}

// SetFollowUpPollInterval overrides the long-poll window.
func (q *SteeringQueue) SetFollowUpPollInterval(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pollInterval = d
}

// Steer enqueues a steering message, delivered between the current tool
// batch and the next assistant turn.
func (q *SteeringQueue) Steer(msg agentmodel.Message) {
	q.mu.Lock()
	q.steering = append(q.steering, msg)
	q.mu.Unlock()
}

// FollowUp enqueues a follow-up message, delivered only once the agent
// would otherwise stop, and wakes anyone parked in GetFollowUpMessages's
// long poll.
func (q *SteeringQueue) FollowUp(msg agentmodel.Message) {
	q.mu.Lock()
	q.followUp = append(q.followUp, msg)
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// GetSteeringMessages drains the steering queue per the configured mode.
// Called after each tool batch.
func (q *SteeringQueue) GetSteeringMessages() []agentmodel.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return drain(&q.steering, q.steeringMode)
}

// GetFollowUpMessages drains the follow-up queue per the configured mode.
// If the queue is empty, it long-polls for pollInterval: either a
// concurrent FollowUp() call wakes it (returning the newly enqueued
// messages) or the timer fires (returning an empty slice). ctx cancellation
// ends the poll early with an empty result.
func (q *SteeringQueue) GetFollowUpMessages(ctx context.Context) []agentmodel.Message {
	q.mu.Lock()
	if len(q.followUp) > 0 {
		msgs := drain(&q.followUp, q.followUpMode)
		q.mu.Unlock()
		return msgs
	}
	wake := make(chan struct{})
	q.waiters = append(q.waiters, wake)
	interval := q.pollInterval
	if interval <= 0 {
		interval = DefaultFollowUpPollInterval
	}
	q.mu.Unlock()

	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-wake:
		q.mu.Lock()
		msgs := drain(&q.followUp, q.followUpMode)
		q.mu.Unlock()
		return msgs
	case <-t.C:
		q.removeWaiter(wake)
		return nil
	case <-ctx.Done():
		q.removeWaiter(wake)
		return nil
	}
}

// removeWaiter drops wake from the waiter list if it is still there. A
// timeout or ctx cancellation races FollowUp's own drain of the list, so
// wake may already be gone (and closed) by the time this runs; that's a
// no-op, not an error.
func (q *SteeringQueue) removeWaiter(wake chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == wake {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func drain(queue *[]agentmodel.Message, mode ConsumptionMode) []agentmodel.Message {
	if len(*queue) == 0 {
		return nil
	}
	switch mode {
	case ConsumeAll:
		msgs := *queue
		*queue = nil
		return msgs
	default: // ConsumeOneAtATime
		msg := (*queue)[0]
		*queue = (*queue)[1:]
		return []agentmodel.Message{msg}
	}
}

// HasSteering reports whether steering messages are queued.
func (q *SteeringQueue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// Clear empties both lanes.
func (q *SteeringQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
	q.followUp = nil
}

// ClearSteering empties the steering lane only.
func (q *SteeringQueue) ClearSteering() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steering = nil
}

// ClearFollowUp empties the follow-up lane only.
func (q *SteeringQueue) ClearFollowUp() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.followUp = nil
}
