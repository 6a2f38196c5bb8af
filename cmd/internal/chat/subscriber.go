package chat

import "sync"

// EventKind classifies a broadcast. Soft-deletes ride EventUpdated with
// Message.Deleted=true; there is no distinct deleted kind.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
)

// Event is one message lifecycle notification pushed to subscribers.
type Event struct {
	Kind    EventKind
	Scope   Scope
	Message Message
}

// Topic returns the wire topic this event is delivered on.
func (e Event) Topic() string {
	if e.Kind == EventUpdated {
		return e.Scope.UpdatesTopic()
	}
	return e.Scope.MessagesTopic()
}

// Subscriber represents one connected push session.
//
// Design notes:
// - Send is intentionally NOT closed by the broadcaster to avoid panics from
//   concurrent publishers.
// - done signals the owning goroutines to stop.
// - Close is idempotent.
type Subscriber struct {
	SessionID string
	ProfileID string
	Send      chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber constructs a Subscriber with a bounded send queue.
func NewSubscriber(profileID, sessionID string, sendQueueSize int) *Subscriber {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Subscriber{
		SessionID: sessionID,
		ProfileID: profileID,
		Send:      make(chan Event, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the subscriber goroutines to stop (idempotent).
// It does NOT close Send to keep publish safe under concurrency.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
