// Package watcher provides the reservation watcher module.
// This file defines the module that wires the watcher into HTTP routes and
// the event bus.
package watcher

import (
	"call_recovery_backend/internal/events"
	apphttp "call_recovery_backend/internal/http"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/internal/watcher/sse"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"
)

// Module is the watcher module implementing http.Module.
type Module struct {
	service *Service
	stream  *sse.Service
	handler *Handler
}

// NewModule creates the watcher module and subscribes it to recovery events.
func NewModule(registry ConferenceRegistry, conferences telephony.Conferences, merger Merger, eventBus events.Bus, cfg config.RecoveryConfig, val *validator.Validator, log *logger.Logger) *Module {
	stream := sse.New(log)
	service := NewService(registry, conferences, merger, stream, cfg, log)
	service.RegisterHandlers(eventBus)

	return &Module{
		service: service,
		stream:  stream,
		handler: NewHandler(service, val, log),
	}
}

// Service exposes the watcher service.
func (m *Module) Service() *Service {
	return m.service
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "watcher"
}

// RegisterRoutes mounts watcher routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.POST("/watcher/reservations", m.handler.HandleReservation)
	ctx.Protected.GET("/watcher/stream", m.stream.Handler(workerFromContext, m.service.Snapshot))
}

// Close disconnects all command streams.
func (m *Module) Close() {
	m.stream.Close()
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
