package reconnect

import (
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

// Handler serves the routing event callback and the merge endpoint.
type Handler struct {
	dispatcher *Dispatcher
	val        *validator.Validator
	log        *logger.Logger
}

// NewHandler creates a new reconnect handler.
func NewHandler(dispatcher *Dispatcher, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, val: val, log: log}
}

// TaskRouterCallback is the form posted by the routing system.
type TaskRouterCallback struct {
	EventType             string `form:"EventType" validate:"required"`
	TaskSid               string `form:"TaskSid"`
	TaskChannelUniqueName string `form:"TaskChannelUniqueName"`
	TaskAttributes        string `form:"TaskAttributes"`
	WorkflowSid           string `form:"WorkflowSid"`
	WorkerSid             string `form:"WorkerSid"`
}

// HandleTaskRouterCallback dispatches a routing event.
// POST /webhooks/taskrouter
func (h *Handler) HandleTaskRouterCallback(c *gin.Context) {
	var req TaskRouterCallback
	if err := c.ShouldBind(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return
	}
	if req.TaskSid == "" {
		// Worker and workspace events carry no task.
		httpkit.NoContent(c)
		return
	}

	attrs, err := telephony.ParseAttributes([]byte(req.TaskAttributes))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidAttributes, err.Error())
		return
	}

	ctx := c.Request.Context()
	h.log.WithContext(ctx).TaskEvent(req.EventType, req.TaskSid, req.TaskChannelUniqueName, req.WorkflowSid)

	err = h.dispatcher.HandleTaskEvent(ctx, TaskEvent{
		EventType:   req.EventType,
		TaskSID:     req.TaskSid,
		TaskChannel: req.TaskChannelUniqueName,
		WorkflowSID: req.WorkflowSid,
		WorkerSID:   req.WorkerSid,
		Attributes:  attrs,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.NoContent(c)
}

// MergeRequest moves parked participants into the reconnect conference.
type MergeRequest struct {
	FromConferenceSid string `json:"fromConferenceSid" validate:"required,sid=CF"`
	ToConferenceName  string `json:"toConferenceName" validate:"required,max=128"`
}

// HandleMerge moves the remaining participants of the dropped conference.
// POST /api/v1/reconnect/merge
func (h *Handler) HandleMerge(c *gin.Context) {
	if httpkit.MustGetIdentity(c) == nil {
		return
	}

	var req MergeRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	result, err := h.dispatcher.Merge(c.Request.Context(), req.FromConferenceSid, req.ToConferenceName)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
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
