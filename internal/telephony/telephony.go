// Package telephony defines the collaborators the recovery protocol needs
// from the voice and task routing platform. The twilio subpackage implements
// them against the vendor REST API.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when the referenced resource does not exist.
var ErrNotFound = errors.New("telephony resource not found")

// Task assignment statuses.
const (
	TaskPending   = "pending"
	TaskReserved  = "reserved"
	TaskAssigned  = "assigned"
	TaskWrapping  = "wrapping"
	TaskCompleted = "completed"
	TaskCanceled  = "canceled"
)

// Call statuses.
const (
	CallQueued     = "queued"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
)

// Conference statuses.
const (
	ConferenceInit       = "init"
	ConferenceInProgress = "in-progress"
	ConferenceCompleted  = "completed"
)

// Task is a routing task as seen by the recovery protocol.
type Task struct {
	SID              string
	WorkflowSID      string
	AssignmentStatus string
	Attributes       Attributes
}

// CreateTaskRequest describes a new routing task.
type CreateTaskRequest struct {
	WorkflowSID string
	Attributes  Attributes
	Timeout     time.Duration
	Priority    int
	TaskChannel string
}

// TaskUpdate patches a task. Attributes replaces the whole attribute
// document; empty fields are left untouched.
type TaskUpdate struct {
	Attributes       Attributes
	AssignmentStatus string
	Reason           string
}

// Participant is a conference participant.
type Participant struct {
	CallSID             string
	Label               string
	EndConferenceOnExit bool
	Status              string
}

// ConferenceMove redirects a call leg into a named conference.
type ConferenceMove struct {
	CallSID             string
	ConferenceName      string
	Label               string
	EndConferenceOnExit bool
}

// ReconnectEnqueue redirects a call leg back into routing as a new task.
type ReconnectEnqueue struct {
	CallSID     string
	WorkflowSID string
	Attributes  Attributes
	Priority    int
}

// Tasks is the task routing API.
type Tasks interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error)
	UpdateTask(ctx context.Context, taskSID string, update TaskUpdate) (Task, error)
	GetTask(ctx context.Context, taskSID string) (Task, error)
}

// Conferences is the conference API.
type Conferences interface {
	FetchConferenceStatus(ctx context.Context, conferenceSID string) (string, error)
	SetEndConferenceOnExit(ctx context.Context, conferenceSID, callSID string, endOnExit bool) error
	Announce(ctx context.Context, conferenceSID, announceURL string) error
	ListParticipants(ctx context.Context, conferenceSID string) ([]Participant, error)
	EndConference(ctx context.Context, conferenceSID string) error
}

// Calls is the call leg API.
type Calls interface {
	FetchCallStatus(ctx context.Context, callSID string) (string, error)
	RedirectToConference(ctx context.Context, move ConferenceMove) error
	EnqueueReconnect(ctx context.Context, req ReconnectEnqueue) error
}

// Client bundles the three APIs.
type Client interface {
	Tasks
	Conferences
	Calls
}

// Attributes is an opaque task attribute document.
type Attributes map[string]interface{}

// ParseAttributes decodes a JSON attribute document. Empty input yields an
// empty map.
func ParseAttributes(raw []byte) (Attributes, error) {
	attrs := Attributes{}
	if len(raw) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = Attributes{}
	}
	return attrs, nil
}

// JSON encodes the attributes.
func (a Attributes) JSON() ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Clone copies the document deeply enough that nested maps can be edited.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(typed))
		for k, inner := range typed {
			m[k] = cloneValue(inner)
		}
		return m
	case Attributes:
		return map[string]interface{}(typed.Clone())
	case []interface{}:
		s := make([]interface{}, len(typed))
		for i, inner := range typed {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// String returns the string value at key.
func (a Attributes) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Bool returns the boolean value at key.
func (a Attributes) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// Object returns the nested object at key, or nil.
func (a Attributes) Object(key string) map[string]interface{} {
	switch typed := a[key].(type) {
	case map[string]interface{}:
		return typed
	case Attributes:
		return typed
	}
	return nil
}

// SetNested sets object[key] = value, creating the object when needed.
func (a Attributes) SetNested(object, key string, value interface{}) {
	nested := a.Object(object)
	if nested == nil {
		nested = map[string]interface{}{}
	}
	nested[key] = value
	a[object] = nested
}
