// Package event provides lightweight lifecycle notifications for the pool.
//
// Events carry identifiers only; clients query the REST API for details.
package event

import (
	"log/slog"
	"sync"

	"github.com/choraleia/chromepool/pkg/utils"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "browser.launched")
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

type entry struct {
	id int
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	listeners    map[string][]entry // eventName -> listeners
	allListeners []entry            // listeners for all events
	seq          int
	logger       *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]entry),
		logger:    utils.GetLogger(),
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.listeners[eventName] = append(e.listeners[eventName], entry{id: id, fn: fn})
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
	e.seq++
	id := e.seq
	e.allListeners = append(e.allListeners, entry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.allListeners = without(e.allListeners, id)
	}
}

func without(entries []entry, id int) []entry {
	for i, en := range entries {
		if en.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// Emit dispatches an event to all matching listeners. A nil Emitter
// discards the event.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := make([]entry, len(e.listeners[ev.EventName()]))
	copy(specific, e.listeners[ev.EventName()])
	all := make([]entry, len(e.allListeners))
	copy(all, e.allListeners)
	e.mu.RUnlock()

	e.logger.Debug("Emitting event", "event", ev.EventName(), "specific", len(specific), "wildcard", len(all))

	for _, en := range specific {
		e.dispatch(en.fn, ev)
	}
	for _, en := range all {
		e.dispatch(en.fn, ev)
	}
}

func (e *Emitter) dispatch(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Event listener panicked", "event", ev.EventName(), "panic", r)
		}
	}()
	fn(ev)
}
