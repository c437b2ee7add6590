// Package conference provides the conference lifecycle bounded context.
// This file defines the module that wires the processor into HTTP routes.
package conference

import (
	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	apphttp "call_recovery_backend/internal/http"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"
)

// Module is the conference bounded context module implementing http.Module.
type Module struct {
	processor *Processor
	handler   *Handler
}

// NewModule creates and initializes the conference module with all its dependencies.
func NewModule(store conferencestate.Store, conferences telephony.Conferences, eventBus events.Bus, val *validator.Validator, log *logger.Logger) *Module {
	processor := NewProcessor(store, conferences, eventBus, log)
	return &Module{
		processor: processor,
		handler:   NewHandler(processor, val, log),
	}
}

// Processor exposes the event processor for other modules.
func (m *Module) Processor() *Processor {
	return m.processor
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "conference"
}

// RegisterRoutes mounts conference routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Vendor callbacks (signature checked)
	ctx.Webhooks.POST("/conference-status", m.handler.HandleStatusCallback)

	// Agent UI (worker JWT)
	conferences := ctx.Protected.Group("/conferences")
	conferences.GET("/:conferenceSid", m.handler.HandleGet)
	conferences.POST("/:conferenceSid/workers", m.handler.HandleRegisterWorker)
	conferences.DELETE("/:conferenceSid/workers/me", m.handler.HandleRemoveWorker)
	conferences.POST("/:conferenceSid/hangup", m.handler.HandleHangup)

	ctx.Protected.GET("/workers/me/conferences", m.handler.HandleListMine)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
