// Package event carries notifications received from relay sources to the
// handlers that act on them.
//
// Design principles:
// - Each relay frame becomes a Notification keyed by its wire type
// - Handlers subscribe by type; unknown types simply have no listeners
// - Payloads stay as raw maps until a handler decodes the shape it expects
package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coderschool/tabot/pkg/utils"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "submission")
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(context.Context, Event)

type subscription struct {
	id int
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       int
	listeners    map[string][]subscription // eventName -> listeners
	allListeners []subscription            // listeners for all events
	logger       *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]subscription),
		logger:    utils.GetLogger(),
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventName] = append(e.listeners[eventName], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[eventName] = without(e.listeners[eventName], id)
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.allListeners = append(e.allListeners, subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.allListeners = without(e.allListeners, id)
	}
}

// Emit dispatches an event to all matching listeners and reports how many
// type-specific listeners handled it.
func (e *Emitter) Emit(ctx context.Context, ev Event) int {
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := make([]subscription, len(e.listeners[ev.EventName()]))
	copy(specific, e.listeners[ev.EventName()])
	all := make([]subscription, len(e.allListeners))
	copy(all, e.allListeners)
	e.mu.RUnlock()

	e.logger.Debug("Emitting event", "event", ev.EventName(), "specific", len(specific), "wildcard", len(all))

	for _, s := range specific {
		e.dispatch(ctx, ev, s.fn)
	}
	for _, s := range all {
		e.dispatch(ctx, ev, s.fn)
	}
	return len(specific)
}

// dispatch isolates listeners from each other: one panicking handler must not
// take the relay loop down with it.
func (e *Emitter) dispatch(ctx context.Context, ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event listener panicked", "event", ev.EventName(), "panic", r)
		}
	}()
	fn(ctx, ev)
}

func without(subs []subscription, id int) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
