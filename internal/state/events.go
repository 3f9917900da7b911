package state

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventSnapshot     = "snapshot"
	EventStateChange  = "state_change"
	EventConnectivity = "connectivity"
)

// Event is one bridge occurrence as delivered to subscribers. Data
// carries the typed payload for the event type: *Snapshot, Change, or
// the connectivity state name.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans panel events out to subscribers: state snapshots,
// discrete changes, and connectivity transitions.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
}

// subscription with an empty eventType receives every event.
type subscription struct {
	eventType string
	fn        EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	sub := &subscription{eventType: eventType, fn: handler}
	eb.mu.Lock()
	eb.subs = append(eb.subs, sub)
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s == sub {
				eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

// EmitSnapshot publishes a full reconciled snapshot.
func (eb *EventBus) EmitSnapshot(snap *Snapshot) {
	eb.Emit(Event{Type: EventSnapshot, Data: snap})
}

// EmitChange publishes one positional state difference.
func (eb *EventBus) EmitChange(c Change) {
	eb.Emit(Event{Type: EventStateChange, Data: c})
}

// EmitConnectivity publishes a transport transition by state name.
func (eb *EventBus) EmitConnectivity(stateName string) {
	eb.Emit(Event{Type: EventConnectivity, Data: stateName})
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	matched := make([]EventHandler, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			matched = append(matched, sub.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			fn(event)
		}()
	}
}
