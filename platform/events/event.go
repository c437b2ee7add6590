// Package events carries call recovery events between the modules of one
// process, and between processes through a Redis relay. Conference
// tracking, recovery, reconnect dispatch, the watcher and alerting never
// call each other directly; they publish and subscribe here.
package events

import (
	"context"
	"time"
)

// Event is implemented by every recovery event. EventName doubles as the
// subscription key and as the name on the relay channel.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

// BaseEvent stamps when the event happened. It is serialized with the event
// when it crosses processes.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// NewBaseEvent stamps the current time.
func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now()}
}

// Handler reacts to an event. Recovery handlers are invoked more than once
// for the same stranded call, so they must be idempotent.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscriber registers handlers by event name. Both the process bus and
// the relay accept subscriptions.
type Subscriber interface {
	Subscribe(eventName string, handler Handler)
}

// Bus fans events out to the modules of this process.
type Bus interface {
	Subscriber

	// Publish does not wait for handlers. Handler failures are logged.
	Publish(ctx context.Context, event Event)

	// PublishSync waits for every handler and returns their joined errors.
	PublishSync(ctx context.Context, event Event) error
}
