// Package events provides the in-process publish/subscribe channel used by
// the sync engine to announce lifecycle events to external consumers.
package events

import (
	"sync"
	"time"
)

// Kind identifies one of the sync lifecycle event types.
type Kind string

const (
	SyncStarted      Kind = "sync_started"
	SyncCompleted    Kind = "sync_completed"
	SyncError        Kind = "sync_error"
	ConflictDetected Kind = "conflict_detected"
	OperationApplied Kind = "operation_applied"
)

// CompletedInfo is the payload of a SyncCompleted event.
type CompletedInfo struct {
	OperationsApplied int
	NewSequence       int64
	FullResync        bool
}

// AppliedInfo is the payload of an OperationApplied event, one per mutated
// record, for fine-grained UI refresh.
type AppliedInfo struct {
	UUID     string
	Op       string
	Sequence int64
}

// Event is a tagged union over the five lifecycle event kinds. Kind selects
// which payload field is meaningful.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Completed is set for SyncCompleted.
	Completed *CompletedInfo
	// Applied is set for OperationApplied.
	Applied *AppliedInfo
	// Err is set for SyncError.
	Err error
	// OperationsBehind is set for ConflictDetected.
	OperationsBehind int64
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans out lifecycle events to subscribers. Delivery is synchronous and
// in registration order. A publish issued from inside a handler is queued
// and dispatched after the current fan-out completes, never nested, so a
// listener cannot re-enter the sync engine's state transitions reentrantly.
type Bus struct {
	mu          sync.Mutex
	subs        []subscription
	nextID      int
	dispatching bool
	queue       []Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{nextID: 1}
}

// Subscribe registers a handler and returns its subscription ID.
func (b *Bus) Subscribe(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, handler: h})
	return id
}

// Unsubscribe removes a handler by subscription ID.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all subscribers. If a dispatch is already in
// progress on this goroutine or another, the event is queued behind it.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.queue = append(b.queue, event)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		handlers := make([]Handler, len(b.subs))
		for i, sub := range b.subs {
			handlers[i] = sub.handler
		}
		b.mu.Unlock()

		for _, h := range handlers {
			h(next)
		}

		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
}
