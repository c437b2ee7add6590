package events

import (
	platformevents "call_recovery_backend/platform/events"
	"call_recovery_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

// InMemoryBus is a type alias to the platform InMemoryBus
type InMemoryBus = platformevents.InMemoryBus

// RedisRelay is a type alias to the platform RedisRelay
type RedisRelay = platformevents.RedisRelay

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return platformevents.NewInMemoryBus(log)
}

// NewRelay creates the relay that carries watcher events between the API
// replicas and the scheduler worker, and forwards those events from bus.
// Only events that release or keep a worker's reconnect dialog cross
// processes; everything else stays with the process that produced it.
func NewRelay(rdb *redis.Client, bus Bus, log *logger.Logger) *RedisRelay {
	r := platformevents.NewRedisRelay(rdb, platformevents.DefaultRelayChannel, log)
	platformevents.Forward[PingResolved](r, bus)
	platformevents.Forward[ReconnectAborted](r, bus)
	platformevents.Forward[OriginalTaskCompleted](r, bus)
	return r
}
