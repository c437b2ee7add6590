// Package conference consumes conference lifecycle events, keeps the
// conference state store current and detects non-graceful worker departures.
package conference

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/apperr"
	"call_recovery_backend/platform/logger"
)

// errNeedsStatusCheck aborts a mutation that would declare a stranded call
// before the live conference status was verified.
var errNeedsStatusCheck = errors.New("conference status check required")

// Role is the kind of conference participant.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
)

// Registration describes a worker joining a conference together with the
// task details needed to recover it later.
type Registration struct {
	ConferenceSID  string
	TaskSID        string
	WorkflowSID    string
	TaskAttributes json.RawMessage
	CustomerLegSID string
	WorkerSID      string
	WorkerLegSID   string
	WorkerName     string
}

// HangupResult reports what an explicit hangup did.
type HangupResult struct {
	Recorded        bool `json:"recorded"`
	ConferenceEnded bool `json:"conferenceEnded"`
}

// Processor applies conference events to the state store. Every method is
// safe to call with duplicate or out-of-order events.
type Processor struct {
	store       conferencestate.Store
	conferences telephony.Conferences
	bus         events.Bus
	log         *logger.Logger
	now         func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(store conferencestate.Store, conferences telephony.Conferences, bus events.Bus, log *logger.Logger) *Processor {
	return &Processor{
		store:       store,
		conferences: conferences,
		bus:         bus,
		log:         log,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// ConferenceEnded drops all state for the conference. Later events for the
// same conference are no-ops.
func (p *Processor) ConferenceEnded(ctx context.Context, conferenceSID, reason string) error {
	if err := p.store.End(ctx, conferenceSID); err != nil {
		return apperr.Transient("delete conference state", err).WithOp("conference.ConferenceEnded")
	}
	p.log.WithContext(ctx).Info("conference ended", "conferenceSid", conferenceSID, "reason", reason)
	return nil
}

// ParticipantJoined records a customer leg or upserts a worker.
// Worker joins without task details only update existing records.
func (p *Processor) ParticipantJoined(ctx context.Context, conferenceSID, legSID string, role Role, reg *Registration) error {
	switch role {
	case RoleCustomer:
		_, err := p.store.Update(ctx, conferenceSID, func(r *conferencestate.Record) error {
			if !r.SetCustomerLeg(legSID) {
				return conferencestate.ErrNoChange
			}
			return nil
		})
		if errors.Is(err, conferencestate.ErrNotFound) {
			return nil
		}
		if err != nil {
			return apperr.Transient("record customer leg", err).WithOp("conference.ParticipantJoined")
		}
		return nil
	case RoleWorker:
		if reg == nil {
			return nil
		}
		_, err := p.Register(ctx, *reg)
		if errors.Is(err, conferencestate.ErrEnded) {
			p.log.WithContext(ctx).Debug("join after conference end ignored", "conferenceSid", conferenceSID, "workerSid", reg.WorkerSID)
			return nil
		}
		return err
	default:
		return nil
	}
}

// Register creates the record if needed and upserts the worker. An ended
// conference is never recreated; the error then wraps
// conferencestate.ErrEnded.
func (p *Processor) Register(ctx context.Context, reg Registration) (*conferencestate.Record, error) {
	if reg.ConferenceSID == "" || reg.WorkerSID == "" {
		return nil, apperr.Validation("conference and worker are required")
	}

	now := p.now()
	apply := func(r *conferencestate.Record) error {
		changed := false
		if reg.TaskSID != "" && r.TaskSID != reg.TaskSID {
			r.TaskSID = reg.TaskSID
			changed = true
		}
		if reg.WorkflowSID != "" && r.WorkflowSID != reg.WorkflowSID {
			r.WorkflowSID = reg.WorkflowSID
			changed = true
		}
		if len(reg.TaskAttributes) > 0 && string(r.TaskAttributes) != string(reg.TaskAttributes) {
			r.TaskAttributes = reg.TaskAttributes
			changed = true
		}
		if r.SetCustomerLeg(reg.CustomerLegSID) {
			changed = true
		}
		_, known := r.Worker(reg.WorkerSID)
		if r.UpsertWorker(conferencestate.Worker{
			WorkerSID: reg.WorkerSID,
			LegSID:    reg.WorkerLegSID,
			Name:      reg.WorkerName,
			JoinedAt:  now,
		}) {
			changed = true
		}
		if !known && r.IsGraceful(reg.WorkerSID) {
			delete(r.Graceful, reg.WorkerSID)
			changed = true
		}
		if !changed {
			return conferencestate.ErrNoChange
		}
		return nil
	}

	rec, err := p.store.Update(ctx, reg.ConferenceSID, apply)
	if errors.Is(err, conferencestate.ErrNotFound) {
		fresh := &conferencestate.Record{ConferenceSID: reg.ConferenceSID}
		_ = apply(fresh)
		created, cerr := p.store.Create(ctx, fresh)
		if errors.Is(cerr, conferencestate.ErrEnded) {
			return nil, apperr.Wrap(apperr.KindConflict, "conference has ended", cerr).WithOp("conference.Register")
		}
		if cerr != nil {
			return nil, apperr.Transient("create conference state", cerr).WithOp("conference.Register")
		}
		if created {
			p.log.WithContext(ctx).Info("conference registered", "conferenceSid", reg.ConferenceSID, "taskSid", reg.TaskSID, "workerSid", reg.WorkerSID)
			return fresh, nil
		}
		rec, err = p.store.Update(ctx, reg.ConferenceSID, apply)
	}
	if err != nil {
		return nil, apperr.Transient("update conference state", err).WithOp("conference.Register")
	}
	return rec, nil
}

// RemoveWorker drops a worker without treating the departure as a
// disconnect. Used when a task is transferred away.
func (p *Processor) RemoveWorker(ctx context.Context, conferenceSID, workerSID string) error {
	_, err := p.store.Update(ctx, conferenceSID, func(r *conferencestate.Record) error {
		if !r.RemoveWorker(workerSID) {
			return conferencestate.ErrNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, conferencestate.ErrNotFound) {
		return apperr.Transient("remove worker", err).WithOp("conference.RemoveWorker")
	}
	return nil
}

// ListByWorker returns the conferences the worker is associated with.
func (p *Processor) ListByWorker(ctx context.Context, workerSID string) ([]*conferencestate.Record, error) {
	recs, err := p.store.ListByWorker(ctx, workerSID)
	if err != nil {
		return nil, apperr.Transient("list conferences", err).WithOp("conference.ListByWorker")
	}
	return recs, nil
}

// Get returns one record.
func (p *Processor) Get(ctx context.Context, conferenceSID string) (*conferencestate.Record, error) {
	rec, err := p.store.Get(ctx, conferenceSID)
	if errors.Is(err, conferencestate.ErrNotFound) {
		return nil, apperr.NotFound("conference not found")
	}
	if err != nil {
		return nil, apperr.Transient("load conference", err)
	}
	return rec, nil
}

// ExplicitHangup marks the worker's departure as graceful. When endConference
// is set and at most two participants remain, the conference is ended so no
// leave event can be mistaken for a drop.
func (p *Processor) ExplicitHangup(ctx context.Context, conferenceSID, workerSID string, endConference bool) (HangupResult, error) {
	var result HangupResult
	_, err := p.store.Update(ctx, conferenceSID, func(r *conferencestate.Record) error {
		if !r.MarkGraceful(workerSID) {
			return conferencestate.ErrNoChange
		}
		return nil
	})
	switch {
	case errors.Is(err, conferencestate.ErrNotFound):
	case err != nil:
		return result, apperr.Transient("record graceful hangup", err).WithOp("conference.ExplicitHangup")
	default:
		result.Recorded = true
	}

	if !endConference {
		return result, nil
	}

	participants, err := p.conferences.ListParticipants(ctx, conferenceSID)
	if errors.Is(err, telephony.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		p.log.WithContext(ctx).Warn("failed to list participants for hangup", "conferenceSid", conferenceSID, "error", err)
		return result, nil
	}
	if len(participants) > 2 {
		return result, nil
	}
	if err := p.conferences.EndConference(ctx, conferenceSID); err != nil && !errors.Is(err, telephony.ErrNotFound) {
		return result, apperr.Transient("end conference", err).WithOp("conference.ExplicitHangup")
	}
	result.ConferenceEnded = true
	return result, nil
}

// ParticipantModified undoes endConferenceOnExit=true on a tracked worker leg
// so the customer survives the worker dropping. Best effort.
func (p *Processor) ParticipantModified(ctx context.Context, conferenceSID, legSID string, endOnExit bool) error {
	if !endOnExit {
		return nil
	}
	rec, err := p.store.Get(ctx, conferenceSID)
	if errors.Is(err, conferencestate.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Transient("load conference state", err).WithOp("conference.ParticipantModified")
	}
	if _, ok := rec.WorkerByLeg(legSID); !ok {
		return nil
	}
	if err := p.conferences.SetEndConferenceOnExit(ctx, conferenceSID, legSID, false); err != nil {
		p.log.WithContext(ctx).Warn("failed to reset endConferenceOnExit", "conferenceSid", conferenceSID, "callSid", legSID, "error", err)
	}
	return nil
}

// ParticipantLeft removes the leg from the record. When the last tracked
// worker leaves without hanging up while the customer is still present, a
// NonGracefulDisconnect is published. The decision is committed in the same
// transaction that removes the worker, so duplicate deliveries cannot emit
// twice.
func (p *Processor) ParticipantLeft(ctx context.Context, conferenceSID, legSID string) error {
	checked := false
	suppressed := false

	for {
		var emitted *events.NonGracefulDisconnect
		_, err := p.store.Update(ctx, conferenceSID, func(r *conferencestate.Record) error {
			emitted = nil
			if r.CustomerLegSID != "" && r.CustomerLegSID == legSID {
				r.ClearCustomerLeg()
				return nil
			}
			w, ok := r.WorkerByLeg(legSID)
			if !ok {
				return conferencestate.ErrNoChange
			}
			strands := !r.IsGraceful(w.WorkerSID) && len(r.Workers) == 1 && r.CustomerLegSID != ""
			if strands && !checked {
				return errNeedsStatusCheck
			}
			r.RemoveWorker(w.WorkerSID)
			if !strands || suppressed {
				return nil
			}

			at := p.now()
			r.Disconnect = &conferencestate.Disconnect{
				WorkerSID:  w.WorkerSID,
				WorkerName: w.Name,
				LegSID:     w.LegSID,
				At:         at,
			}
			emitted = &events.NonGracefulDisconnect{
				BaseEvent:      events.NewBaseEvent(),
				ConferenceSID:  r.ConferenceSID,
				TaskSID:        r.TaskSID,
				WorkflowSID:    r.WorkflowSID,
				TaskAttributes: r.TaskAttributes,
				WorkerSID:      w.WorkerSID,
				WorkerName:     w.Name,
				WorkerLegSID:   w.LegSID,
				CustomerLegSID: r.CustomerLegSID,
				DisconnectedAt: at,
			}
			return nil
		})

		if errors.Is(err, errNeedsStatusCheck) {
			checked = true
			suppressed = p.conferenceCompleted(ctx, conferenceSID)
			continue
		}
		if errors.Is(err, conferencestate.ErrNotFound) {
			return nil
		}
		if err != nil {
			return apperr.Transient("apply participant leave", err).WithOp("conference.ParticipantLeft")
		}

		if emitted != nil {
			p.log.WithContext(ctx).Info("non-graceful disconnect detected",
				"conferenceSid", conferenceSID,
				"taskSid", emitted.TaskSID,
				"workerSid", emitted.WorkerSID,
			)
			p.bus.Publish(ctx, *emitted)
		} else if suppressed {
			p.log.WithContext(ctx).Debug("conference already completed, recovery suppressed", "conferenceSid", conferenceSID)
		}
		return nil
	}
}

// conferenceCompleted asks the conference system whether the conference is
// over. Leave and end events race, so this is the authoritative answer.
// When the status cannot be fetched recovery proceeds; the dispatcher
// re-checks the customer leg before redirecting it.
func (p *Processor) conferenceCompleted(ctx context.Context, conferenceSID string) bool {
	status, err := p.conferences.FetchConferenceStatus(ctx, conferenceSID)
	if errors.Is(err, telephony.ErrNotFound) {
		return true
	}
	if err != nil {
		p.log.WithContext(ctx).Warn("failed to fetch conference status", "conferenceSid", conferenceSID, "error", err)
		return false
	}
	return status == telephony.ConferenceCompleted
}
