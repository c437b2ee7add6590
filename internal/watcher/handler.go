package watcher

import (
	"encoding/json"
	"net/http"

	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/httpkit"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest    = "invalid request body"
	errValidation        = "validation error"
	errInvalidAttributes = "invalid task attributes"
)

// Handler serves the reservation event API.
type Handler struct {
	service *Service
	val     *validator.Validator
	log     *logger.Logger
}

// NewHandler creates a new watcher handler.
func NewHandler(service *Service, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{service: service, val: val, log: log}
}

// ReservationRequest is a reservation lifecycle event seen by the agent UI.
type ReservationRequest struct {
	Event            string          `json:"event" validate:"required,oneof=created replayed accepted timeout canceled rescinded completed"`
	ReservationSid   string          `json:"reservationSid" validate:"required,sid=WR"`
	TaskSid          string          `json:"taskSid" validate:"required,sid=WT"`
	TaskChannel      string          `json:"taskChannel" validate:"required,max=64"`
	WorkflowSid      string          `json:"workflowSid" validate:"omitempty,sid=WW"`
	AssignmentStatus string          `json:"assignmentStatus" validate:"omitempty,max=32"`
	TaskAttributes   json.RawMessage `json:"taskAttributes"`
	ConferenceSid    string          `json:"conferenceSid" validate:"omitempty,sid=CF"`
	WorkerCallSid    string          `json:"workerCallSid" validate:"omitempty,sid=CA"`
}

// ReservationResponse reports the watcher state after the event.
type ReservationResponse struct {
	TaskSid string `json:"taskSid"`
	State   State  `json:"state"`
}

// HandleReservation applies a reservation event for the calling worker.
// POST /api/v1/watcher/reservations
func (h *Handler) HandleReservation(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req ReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	attrs, err := telephony.ParseAttributes(req.TaskAttributes)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidAttributes, err.Error())
		return
	}

	state, err := h.service.HandleReservation(c.Request.Context(),
		Worker{SID: identity.WorkerSID(), Name: identity.WorkerName()},
		Reservation{
			Event:            req.Event,
			ReservationSID:   req.ReservationSid,
			TaskSID:          req.TaskSid,
			TaskChannel:      req.TaskChannel,
			WorkflowSID:      req.WorkflowSid,
			AssignmentStatus: req.AssignmentStatus,
			Attributes:       attrs,
			ConferenceSID:    req.ConferenceSid,
			WorkerCallSID:    req.WorkerCallSid,
		})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, ReservationResponse{TaskSid: req.TaskSid, State: state})
}

func workerFromContext(c *gin.Context) (string, bool) {
	identity := httpkit.GetIdentity(c)
	if !identity.IsAuthenticated() {
		return "", false
	}
	return identity.WorkerSID(), true
}
