// Package conferencestate tracks which workers are on which open conference.
// Records live in Redis with a TTL and are mutated through optimistic
// read-modify-write so that concurrent webhook deliveries never interleave.
package conferencestate

import (
	"encoding/json"
	"time"
)

// Worker is a tracked worker participant.
type Worker struct {
	WorkerSID string    `json:"workerSid"`
	LegSID    string    `json:"legSid"`
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Disconnect marks the non-graceful departure that stranded the customer.
// It is written in the same transaction that removes the worker.
type Disconnect struct {
	WorkerSID  string    `json:"workerSid"`
	WorkerName string    `json:"workerName"`
	LegSID     string    `json:"legSid"`
	At         time.Time `json:"at"`
}

// Record is the state of one open conference.
type Record struct {
	ConferenceSID  string          `json:"conferenceSid"`
	TaskSID        string          `json:"taskSid"`
	WorkflowSID    string          `json:"workflowSid"`
	TaskAttributes json.RawMessage `json:"taskAttributes,omitempty"`

	// CustomerLegSID is cleared when the customer leaves and is never set
	// again afterwards; CustomerLeft records that it was cleared.
	CustomerLegSID string `json:"customerLegSid,omitempty"`
	CustomerLeft   bool   `json:"customerLeft,omitempty"`

	Workers    []Worker        `json:"workers"`
	Graceful   map[string]bool `json:"graceful,omitempty"`
	Disconnect *Disconnect     `json:"disconnect,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Worker returns the tracked worker with the given SID.
func (r *Record) Worker(workerSID string) (Worker, bool) {
	for _, w := range r.Workers {
		if w.WorkerSID == workerSID {
			return w, true
		}
	}
	return Worker{}, false
}

// WorkerByLeg returns the tracked worker whose call leg matches.
func (r *Record) WorkerByLeg(legSID string) (Worker, bool) {
	if legSID == "" {
		return Worker{}, false
	}
	for _, w := range r.Workers {
		if w.LegSID == legSID {
			return w, true
		}
	}
	return Worker{}, false
}

// UpsertWorker inserts the worker or refreshes its leg and name in place.
// Reports whether anything changed.
func (r *Record) UpsertWorker(w Worker) bool {
	for i := range r.Workers {
		if r.Workers[i].WorkerSID != w.WorkerSID {
			continue
		}
		existing := r.Workers[i]
		changed := false
		if w.LegSID != "" && w.LegSID != existing.LegSID {
			existing.LegSID = w.LegSID
			changed = true
		}
		if w.Name != "" && w.Name != existing.Name {
			existing.Name = w.Name
			changed = true
		}
		r.Workers[i] = existing
		return changed
	}
	r.Workers = append(r.Workers, w)
	return true
}

// RemoveWorker drops the worker, keeping the order of the rest.
func (r *Record) RemoveWorker(workerSID string) bool {
	for i, w := range r.Workers {
		if w.WorkerSID == workerSID {
			r.Workers = append(r.Workers[:i], r.Workers[i+1:]...)
			return true
		}
	}
	return false
}

// SetCustomerLeg records the customer leg unless the customer already left.
func (r *Record) SetCustomerLeg(legSID string) bool {
	if legSID == "" || r.CustomerLeft || r.CustomerLegSID == legSID {
		return false
	}
	r.CustomerLegSID = legSID
	return true
}

// ClearCustomerLeg marks the customer as gone for good.
func (r *Record) ClearCustomerLeg() {
	r.CustomerLegSID = ""
	r.CustomerLeft = true
}

// MarkGraceful flags the worker's next departure as a deliberate hangup.
func (r *Record) MarkGraceful(workerSID string) bool {
	if r.Graceful == nil {
		r.Graceful = make(map[string]bool)
	}
	if r.Graceful[workerSID] {
		return false
	}
	r.Graceful[workerSID] = true
	return true
}

// IsGraceful reports whether the worker hung up deliberately.
func (r *Record) IsGraceful(workerSID string) bool {
	return r.Graceful[workerSID]
}

// DisconnectAge is the time elapsed since the worker's non-graceful
// departure. Falls back to the last update when no marker exists.
func (r *Record) DisconnectAge(now time.Time) time.Duration {
	at := r.UpdatedAt
	if r.Disconnect != nil && !r.Disconnect.At.IsZero() {
		at = r.Disconnect.At
	}
	if at.IsZero() || now.Before(at) {
		return 0
	}
	return now.Sub(at)
}

// associatedWorkers is every worker the per-worker index should point at:
// current participants and the worker that dropped.
func (r *Record) associatedWorkers() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Workers)+1)
	for _, w := range r.Workers {
		out[w.WorkerSID] = struct{}{}
	}
	if r.Disconnect != nil && r.Disconnect.WorkerSID != "" {
		out[r.Disconnect.WorkerSID] = struct{}{}
	}
	return out
}
