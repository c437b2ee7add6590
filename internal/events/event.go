// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"encoding/json"
	"time"

	"call_recovery_backend/platform/events"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Subscriber  = events.Subscriber
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Conference Domain Events
// =============================================================================

// NonGracefulDisconnect is published once per stranded call, when the last
// tracked worker leaves a conference without hanging up while the customer
// leg is still present.
type NonGracefulDisconnect struct {
	BaseEvent
	ConferenceSID  string          `json:"conferenceSid"`
	TaskSID        string          `json:"taskSid"`
	WorkflowSID    string          `json:"workflowSid"`
	TaskAttributes json.RawMessage `json:"taskAttributes,omitempty"`
	WorkerSID      string          `json:"workerSid"`
	WorkerName     string          `json:"workerName"`
	WorkerLegSID   string          `json:"workerLegSid"`
	CustomerLegSID string          `json:"customerLegSid"`
	DisconnectedAt time.Time       `json:"disconnectedAt"`
}

func (e NonGracefulDisconnect) EventName() string { return "conference.worker.non_graceful_disconnect" }

// =============================================================================
// Recovery Domain Events
// =============================================================================

// PingCreated is published when the reachability ping task exists.
type PingCreated struct {
	BaseEvent
	DisconnectedTaskSID string `json:"disconnectedTaskSid"`
	PingTaskSID         string `json:"pingTaskSid"`
	WorkerSID           string `json:"workerSid"`
}

func (e PingCreated) EventName() string { return "recovery.ping.created" }

// PingResolved is published when a ping reaches a terminal state.
type PingResolved struct {
	BaseEvent
	DisconnectedTaskSID string `json:"disconnectedTaskSid"`
	PingTaskSID         string `json:"pingTaskSid"`
	WorkerSID           string `json:"workerSid"`
	Accepted            bool   `json:"accepted"`
}

func (e PingResolved) EventName() string { return "recovery.ping.resolved" }

// ReconnectEnqueued is published after the customer leg was redirected into
// the routing workflow as a reconnect task.
type ReconnectEnqueued struct {
	BaseEvent
	DisconnectedTaskSID string `json:"disconnectedTaskSid"`
	CustomerLegSID      string `json:"customerLegSid"`
	TargetWorkerSID     string `json:"targetWorkerSid,omitempty"`
}

func (e ReconnectEnqueued) EventName() string { return "recovery.reconnect.enqueued" }

// ReconnectAborted is published when recovery stops without a reconnect task,
// typically because the customer hung up while parked.
type ReconnectAborted struct {
	BaseEvent
	DisconnectedTaskSID string `json:"disconnectedTaskSid"`
	WorkerSID           string `json:"workerSid"`
	Reason              string `json:"reason"`
}

func (e ReconnectAborted) EventName() string { return "recovery.reconnect.aborted" }

// OriginalTaskCompleted is published when the stranded task was force-completed
// after its reconnect task entered the routing queue.
type OriginalTaskCompleted struct {
	BaseEvent
	DisconnectedTaskSID string `json:"disconnectedTaskSid"`
	ReconnectTaskSID    string `json:"reconnectTaskSid"`
}

func (e OriginalTaskCompleted) EventName() string { return "recovery.original_task.completed" }

// AlertSeverity classifies operator alerts.
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// RecoveryAlert is published when a recovery step failed in a way that may
// strand a customer and needs an operator.
type RecoveryAlert struct {
	BaseEvent
	Severity            AlertSeverity `json:"severity"`
	Operation           string        `json:"operation"`
	DisconnectedTaskSID string        `json:"disconnectedTaskSid,omitempty"`
	ConferenceSID       string        `json:"conferenceSid,omitempty"`
	Message             string        `json:"message"`
	Error               string        `json:"error,omitempty"`
}

func (e RecoveryAlert) EventName() string { return "recovery.alert" }
