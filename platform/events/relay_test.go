package events

import (
	"context"
	"testing"
	"time"

	"call_recovery_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type releasedEvent struct {
	BaseEvent
	WorkerSID string `json:"workerSid"`
}

func (releasedEvent) EventName() string { return "test.released" }

func newRelayNode(ctx context.Context, t *testing.T, mr *miniredis.Miniredis) (*InMemoryBus, *RedisRelay, chan Event) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.New("test")
	bus := NewInMemoryBus(log)
	relay := NewRedisRelay(rdb, "", log)
	Forward[releasedEvent](relay, bus)

	got := make(chan Event, 4)
	relay.Subscribe(releasedEvent{}.EventName(), HandlerFunc(func(_ context.Context, e Event) error {
		got <- e
		return nil
	}))
	go func() { _ = relay.Run(ctx) }()

	select {
	case <-relay.Ready():
	case <-time.After(time.Second):
		t.Fatal("relay did not subscribe")
	}
	return bus, relay, got
}

func TestRelayDeliversToOtherProcessesOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	scheduler, _, schedulerGot := newRelayNode(ctx, t, mr)
	_, _, apiGot := newRelayNode(ctx, t, mr)

	scheduler.Publish(ctx, releasedEvent{BaseEvent: NewBaseEvent(), WorkerSID: "WK0000000000000000000000000000000A"})
	scheduler.Wait()

	select {
	case e := <-apiGot:
		ev, ok := e.(releasedEvent)
		if !ok || ev.WorkerSID != "WK0000000000000000000000000000000A" {
			t.Fatalf("unexpected relayed event: %#v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not relayed")
	}

	select {
	case e := <-schedulerGot:
		t.Fatalf("publisher received its own event: %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayIgnoresUnknownEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, _, got := newRelayNode(ctx, t, mr)
	mr.Publish(DefaultRelayChannel, `{"node":"other","name":"test.unknown","payload":{}}`)
	mr.Publish(DefaultRelayChannel, `not json`)

	select {
	case e := <-got:
		t.Fatalf("expected nothing delivered, got %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
