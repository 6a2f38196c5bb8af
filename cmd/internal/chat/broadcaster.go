package chat

import (
	"log/slog"
	"sync"
)

// Broadcaster is the publish/subscribe fan-out keyed by scope.
//
// Delivery contract:
//   - At-most-once, best-effort, connection-scoped: sessions not subscribed
//     at publish time miss the event entirely (no durable queue, no replay).
//   - Publish never blocks: a subscriber with a full queue or one that is
//     shutting down is skipped.
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
type Broadcaster struct {
	log     *slog.Logger
	metrics *BroadcastMetrics

	mu     sync.RWMutex
	scopes map[string]map[string]*Subscriber // scope key -> session id -> subscriber
}

// NewBroadcaster constructs a Broadcaster. metrics may be nil.
func NewBroadcaster(log *slog.Logger, metrics *BroadcastMetrics) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		log:     log,
		metrics: metrics,
		scopes:  make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers sub for all events on scope. Subscribing the same
// session to the same scope twice replaces the previous registration.
func (b *Broadcaster) Subscribe(scope Scope, sub *Subscriber) {
	if b == nil || sub == nil || sub.SessionID == "" {
		return
	}
	if err := scope.Validate(); err != nil {
		return
	}

	key := scope.key()

	b.mu.Lock()
	sessions := b.scopes[key]
	if sessions == nil {
		sessions = make(map[string]*Subscriber)
		b.scopes[key] = sessions
	}
	sessions[sub.SessionID] = sub
	b.mu.Unlock()

	b.metrics.subscriberAdded()
	b.log.Debug("broadcast.subscribe", "scope", key, "session_id", sub.SessionID)
}

// Unsubscribe removes a session from a scope. It is idempotent and does NOT
// close the subscriber: one session may hold subscriptions on other scopes.
func (b *Broadcaster) Unsubscribe(scope Scope, sessionID string) {
	if b == nil || sessionID == "" {
		return
	}

	key := scope.key()

	b.mu.Lock()
	sessions := b.scopes[key]
	_, had := sessions[sessionID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(b.scopes, key)
	}
	b.mu.Unlock()

	if had {
		b.metrics.subscriberRemoved()
		b.log.Debug("broadcast.unsubscribe", "scope", key, "session_id", sessionID)
	}
}

// Publish fans out an event to every subscriber of its scope.
// Non-blocking: a full or closing subscriber is dropped, not waited on.
func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	if err := ev.Scope.Validate(); err != nil {
		return
	}

	b.metrics.published(string(ev.Kind))

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.scopes[ev.Scope.key()] {
		if sub == nil {
			continue
		}

		select {
		case <-sub.Done():
			// Skip sessions that are shutting down.
			continue
		default:
		}

		select {
		case sub.Send <- ev:
			b.metrics.delivered(string(ev.Kind))
		default:
			// Drop rather than block the whole scope.
			b.metrics.dropped(string(ev.Kind))
			b.log.Warn("broadcast.drop", "scope", ev.Scope.key(), "session_id", sub.SessionID, "kind", ev.Kind)
		}
	}
}

// Subscribers reports the current subscriber count for a scope (for tests
// and readiness probes).
func (b *Broadcaster) Subscribers(scope Scope) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.scopes[scope.key()])
}
