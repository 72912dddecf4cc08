// Package daemon holds the process-level plumbing shared by the council's
// entry points: configuration, the event bus and request-scoped logging.
package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the event stream.
const (
	EventChat   = "chat"   // Chat message (user or assistant)
	EventRoute  = "route"  // Routing decision
	EventSlot   = "slot"   // Expert slot transition
	EventStatus = "status" // Status info from workers
	EventError  = "error"  // Error notification
)

// Event is a single event broadcast to stream subscribers.
type Event struct {
	Type     string `json:"type"`
	Session  string `json:"session,omitempty"`
	Role     string `json:"role,omitempty"`     // For chat: "user" or "assistant"
	Content  string `json:"content,omitempty"`  // For chat content
	Category string `json:"category,omitempty"` // For route/slot events
	Message  string `json:"message,omitempty"`  // For status/error messages
	TS       string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

const (
	recentCapacity = 200
	subscriberBuf  = 64
)

// EventBus fans events out to stream subscribers and keeps the most recent
// ones for replay. Publish never blocks; a subscriber that falls behind
// misses events.
type EventBus struct {
	mu   sync.RWMutex
	subs map[chan struct{}]chan Event // keyed by done channel

	ring  [recentCapacity]Event
	head  int // next write position
	count int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan struct{}]chan Event)}
}

// Publish records e and delivers it to every subscriber with room.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.mu.Lock()
	eb.ring[eb.head] = e
	eb.head = (eb.head + 1) % recentCapacity
	if eb.count < recentCapacity {
		eb.count++
	}
	for _, ch := range eb.subs {
		select {
		case ch <- e:
		default:
		}
	}
	eb.mu.Unlock()
}

// Func adapts the bus to the (type, message) callbacks used by workers and
// the dispatcher. A non-empty prefix is prepended as "[prefix] ".
func (eb *EventBus) Func(prefix string) func(typ, message string) {
	return func(typ, message string) {
		if prefix != "" {
			message = "[" + prefix + "] " + message
		}
		eb.Publish(Event{Type: typ, Message: message})
	}
}

// Subscribe registers a subscriber. The returned done channel identifies
// it; callers must pass it to Unsubscribe.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	ch := make(chan Event, subscriberBuf)
	done := make(chan struct{})

	eb.mu.Lock()
	eb.subs[done] = ch
	eb.mu.Unlock()
	return ch, done
}

// Unsubscribe removes the subscriber and closes its event channel.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if ch, ok := eb.subs[done]; ok {
		delete(eb.subs, done)
		close(ch)
	}
}

// Recent returns up to the last n events, oldest first. n <= 0 returns
// everything retained.
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 || n > eb.count {
		n = eb.count
	}
	out := make([]Event, n)
	start := (eb.head - n + recentCapacity) % recentCapacity
	for i := range out {
		out[i] = eb.ring[(start+i)%recentCapacity]
	}
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}
