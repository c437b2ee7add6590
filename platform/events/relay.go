package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"call_recovery_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the Redis channel recovery events are relayed on.
const DefaultRelayChannel = "call-recovery:events"

type envelope struct {
	Node    string          `json:"node"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type decoder func(raw json.RawMessage) (Event, error)

// RedisRelay copies selected events to every other process over Redis
// pub/sub. Events arriving from other processes go to the relay's own
// subscribers, never back onto the local bus, so nothing is relayed twice.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	node    string
	log     *logger.Logger

	mu        sync.RWMutex
	decoders  map[string]decoder
	listeners map[string][]Handler
	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisRelay creates a relay on the given channel. Each relay gets its
// own node id so it can drop its own messages.
func NewRedisRelay(rdb *redis.Client, channel string, log *logger.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		rdb:       rdb,
		channel:   channel,
		node:      uuid.NewString(),
		log:       log,
		decoders:  make(map[string]decoder),
		listeners: make(map[string][]Handler),
		ready:     make(chan struct{}),
	}
}

// Forward relays every local publish of T to the other processes and lets
// the relay decode T when it arrives from them.
func Forward[T Event](r *RedisRelay, local Bus) {
	var zero T
	name := zero.EventName()

	r.mu.Lock()
	r.decoders[name] = func(raw json.RawMessage) (Event, error) {
		var ev T
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
	r.mu.Unlock()

	local.Subscribe(name, r)
}

// Subscribe registers a handler for events of the given name published by
// other processes.
func (r *RedisRelay) Subscribe(eventName string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[eventName] = append(r.listeners[eventName], handler)
}

// Handle publishes a local event to the channel.
func (r *RedisRelay) Handle(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("relay %s: encode: %w", event.EventName(), err)
	}
	msg, err := json.Marshal(envelope{Node: r.node, Name: event.EventName(), Payload: payload})
	if err != nil {
		return fmt.Errorf("relay %s: encode envelope: %w", event.EventName(), err)
	}
	if err := r.rdb.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("relay %s: publish: %w", event.EventName(), err)
	}
	return nil
}

// Ready is closed once the relay is subscribed to the channel.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run receives relayed events until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("event relay subscribed", "channel", r.channel, "node", r.node)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.log.Warn("dropping undecodable relayed event", "error", err)
		return
	}
	if env.Node == r.node {
		return
	}

	r.mu.RLock()
	decode, known := r.decoders[env.Name]
	handlers := append([]Handler(nil), r.listeners[env.Name]...)
	r.mu.RUnlock()
	if !known || len(handlers) == 0 {
		return
	}

	event, err := decode(env.Payload)
	if err != nil {
		r.log.Warn("dropping undecodable relayed event", "event", env.Name, "error", err)
		return
	}
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			r.log.Error("relayed event handler failed", "event", env.Name, "error", err)
		}
	}
}
