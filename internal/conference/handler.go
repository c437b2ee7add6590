package conference

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/platform/httpkit"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"

	customerLabel = "customer"
)

// Conference status callback event names.
const (
	eventParticipantJoin   = "participant-join"
	eventParticipantLeave  = "participant-leave"
	eventParticipantModify = "participant-modify"
	eventConferenceEnd     = "conference-end"
)

// Handler serves the conference status webhook and the agent UI endpoints.
type Handler struct {
	processor *Processor
	val       *validator.Validator
	log       *logger.Logger
}

// NewHandler creates a new conference handler.
func NewHandler(processor *Processor, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{processor: processor, val: val, log: log}
}

// StatusCallback is the form posted by the conference system.
type StatusCallback struct {
	StatusCallbackEvent string `form:"StatusCallbackEvent" validate:"required"`
	ConferenceSid       string `form:"ConferenceSid" validate:"required,sid=CF"`
	CallSid             string `form:"CallSid"`
	ParticipantLabel    string `form:"ParticipantLabel"`
	EndConferenceOnExit string `form:"EndConferenceOnExit"`
	Reason              string `form:"ReasonConferenceEnded"`
}

// HandleStatusCallback applies a conference lifecycle event.
// POST /webhooks/conference-status
func (h *Handler) HandleStatusCallback(c *gin.Context) {
	var req StatusCallback
	if err := c.ShouldBind(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	ctx := c.Request.Context()
	h.log.WithContext(ctx).ConferenceEvent(req.StatusCallbackEvent, req.ConferenceSid, req.CallSid)

	var err error
	switch req.StatusCallbackEvent {
	case eventParticipantJoin:
		if strings.EqualFold(req.ParticipantLabel, customerLabel) {
			err = h.processor.ParticipantJoined(ctx, req.ConferenceSid, req.CallSid, RoleCustomer, nil)
		}
	case eventParticipantLeave:
		err = h.processor.ParticipantLeft(ctx, req.ConferenceSid, req.CallSid)
	case eventParticipantModify:
		err = h.processor.ParticipantModified(ctx, req.ConferenceSid, req.CallSid, parseBool(req.EndConferenceOnExit))
	case eventConferenceEnd:
		err = h.processor.ConferenceEnded(ctx, req.ConferenceSid, req.Reason)
	}
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.NoContent(c)
}

// RegisterWorkerRequest registers the calling worker on a conference.
type RegisterWorkerRequest struct {
	TaskSid         string          `json:"taskSid" validate:"required,sid=WT"`
	WorkflowSid     string          `json:"workflowSid" validate:"omitempty,sid=WW"`
	TaskAttributes  json.RawMessage `json:"taskAttributes"`
	CustomerCallSid string          `json:"customerCallSid" validate:"omitempty,sid=CA"`
	WorkerCallSid   string          `json:"workerCallSid" validate:"required,sid=CA"`
}

// ConferenceResponse is the agent UI view of a conference record.
type ConferenceResponse struct {
	ConferenceSid   string                      `json:"conferenceSid"`
	TaskSid         string                      `json:"taskSid"`
	WorkflowSid     string                      `json:"workflowSid,omitempty"`
	CustomerCallSid string                      `json:"customerCallSid,omitempty"`
	Workers         []conferencestate.Worker    `json:"workers"`
	Disconnect      *conferencestate.Disconnect `json:"disconnect,omitempty"`
	UpdatedAt       string                      `json:"updatedAt"`
}

// HangupRequest is the explicit hangup signal sent before the worker leaves.
type HangupRequest struct {
	EndConference bool `json:"endConference"`
}

// HandleRegisterWorker records the calling worker on the conference.
// POST /api/v1/conferences/:conferenceSid/workers
func (h *Handler) HandleRegisterWorker(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conferenceSID, ok := h.conferenceParam(c)
	if !ok {
		return
	}

	var req RegisterWorkerRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	rec, err := h.processor.Register(c.Request.Context(), Registration{
		ConferenceSID:  conferenceSID,
		TaskSID:        req.TaskSid,
		WorkflowSID:    req.WorkflowSid,
		TaskAttributes: req.TaskAttributes,
		CustomerLegSID: req.CustomerCallSid,
		WorkerSID:      identity.WorkerSID(),
		WorkerLegSID:   req.WorkerCallSid,
		WorkerName:     identity.WorkerName(),
	})
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusOK, toConferenceResponse(rec))
}

// HandleRemoveWorker drops the calling worker without starting recovery.
// DELETE /api/v1/conferences/:conferenceSid/workers/me
func (h *Handler) HandleRemoveWorker(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conferenceSID, ok := h.conferenceParam(c)
	if !ok {
		return
	}

	if httpkit.HandleError(c, h.processor.RemoveWorker(c.Request.Context(), conferenceSID, identity.WorkerSID())) {
		return
	}
	httpkit.NoContent(c)
}

// HandleHangup marks the calling worker's departure as graceful.
// POST /api/v1/conferences/:conferenceSid/hangup
func (h *Handler) HandleHangup(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conferenceSID, ok := h.conferenceParam(c)
	if !ok {
		return
	}

	var req HangupRequest
	if c.Request.ContentLength > 0 && !h.bindAndValidate(c, &req) {
		return
	}

	result, err := h.processor.ExplicitHangup(c.Request.Context(), conferenceSID, identity.WorkerSID(), req.EndConference)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// HandleListMine lists the conferences the calling worker is associated with.
// GET /api/v1/workers/me/conferences
func (h *Handler) HandleListMine(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	recs, err := h.processor.ListByWorker(c.Request.Context(), identity.WorkerSID())
	if httpkit.HandleError(c, err) {
		return
	}

	items := make([]ConferenceResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toConferenceResponse(rec))
	}
	httpkit.OK(c, gin.H{"items": items})
}

// HandleGet returns one conference record.
// GET /api/v1/conferences/:conferenceSid
func (h *Handler) HandleGet(c *gin.Context) {
	conferenceSID, ok := h.conferenceParam(c)
	if !ok {
		return
	}
	rec, err := h.processor.Get(c.Request.Context(), conferenceSID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toConferenceResponse(rec))
}

func (h *Handler) identity(c *gin.Context) (httpkit.Identity, bool) {
	identity := httpkit.MustGetIdentity(c)
	return identity, identity != nil
}

func (h *Handler) conferenceParam(c *gin.Context) (string, bool) {
	sid := c.Param("conferenceSid")
	if err := h.val.Var(sid, "required,sid=CF"); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, "invalid conference sid")
		return "", false
	}
	return sid, true
}

func (h *Handler) bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return false
	}
	return true
}

func toConferenceResponse(rec *conferencestate.Record) ConferenceResponse {
	workers := rec.Workers
	if workers == nil {
		workers = []conferencestate.Worker{}
	}
	return ConferenceResponse{
		ConferenceSid:   rec.ConferenceSID,
		TaskSid:         rec.TaskSID,
		WorkflowSid:     rec.WorkflowSID,
		CustomerCallSid: rec.CustomerLegSID,
		Workers:         workers,
		Disconnect:      rec.Disconnect,
		UpdatedAt:       rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}
