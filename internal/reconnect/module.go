// Package reconnect provides the reconnect bounded context module.
// This file defines the module that wires the dispatcher into HTTP routes.
package reconnect

import (
	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	apphttp "call_recovery_backend/internal/http"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"
)

// Module is the reconnect bounded context module implementing http.Module.
type Module struct {
	dispatcher *Dispatcher
	handler    *Handler
}

// NewModule creates and initializes the reconnect module with all its dependencies.
func NewModule(attempts conferencestate.AttemptStore, client telephony.Client, eventBus events.Bus, cfg config.RecoveryConfig, val *validator.Validator, log *logger.Logger) *Module {
	dispatcher := NewDispatcher(attempts, client, eventBus, cfg, log)
	return &Module{
		dispatcher: dispatcher,
		handler:    NewHandler(dispatcher, val, log),
	}
}

// Dispatcher exposes the dispatcher for other modules.
func (m *Module) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "reconnect"
}

// RegisterRoutes mounts reconnect routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Webhooks.POST("/taskrouter", m.handler.HandleTaskRouterCallback)
	ctx.Protected.POST("/reconnect/merge", m.handler.HandleMerge)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
