// Package eventstest provides an events.Bus that records what was published.
package eventstest

import (
	"context"
	"sync"

	"call_recovery_backend/internal/events"
)

// Recorder captures published events and dispatches them synchronously to
// subscribers, which keeps tests deterministic.
type Recorder struct {
	mu       sync.Mutex
	events   []events.Event
	handlers map[string][]events.Handler
}

var _ events.Bus = (*Recorder)(nil)

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{handlers: map[string][]events.Handler{}}
}

// Publish records the event and runs subscribers inline.
func (r *Recorder) Publish(ctx context.Context, event events.Event) {
	_ = r.PublishSync(ctx, event)
}

// PublishSync records the event and returns the first subscriber error.
func (r *Recorder) PublishSync(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	handlers := append([]events.Handler(nil), r.handlers[event.EventName()]...)
	r.mu.Unlock()

	var first error
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscribe registers a handler.
func (r *Recorder) Subscribe(eventName string, handler events.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventName] = append(r.handlers[eventName], handler)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}
