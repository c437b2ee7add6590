// Package reconnect resolves recovery pings and puts the parked customer
// back into routing as a reconnect task, then retires the stranded task.
package reconnect

import (
	"context"
	"errors"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/apperr"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"
)

// Routing event types the dispatcher reacts to.
const (
	EventReservationAccepted = "reservation.accepted"
	EventTaskCanceled        = "task.canceled"
	EventTaskQueueEntered    = "task-queue.entered"
)

// TaskEvent is a routing callback reduced to the fields recovery needs.
type TaskEvent struct {
	EventType   string
	TaskSID     string
	TaskChannel string
	WorkflowSID string
	WorkerSID   string
	Attributes  telephony.Attributes
}

// Dispatcher drives attempts from ping resolution to a completed original
// task. Every step claims its transition on the attempt first, so duplicate
// routing callbacks are harmless.
type Dispatcher struct {
	attempts conferencestate.AttemptStore
	client   telephony.Client
	bus      events.Bus
	cfg      config.RecoveryConfig
	log      *logger.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(attempts conferencestate.AttemptStore, client telephony.Client, bus events.Bus, cfg config.RecoveryConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		attempts: attempts,
		client:   client,
		bus:      bus,
		cfg:      cfg,
		log:      log,
	}
}

// HandleTaskEvent routes a callback. Events for other tasks are ignored.
func (d *Dispatcher) HandleTaskEvent(ctx context.Context, ev TaskEvent) error {
	isPing := ev.WorkflowSID != "" && ev.WorkflowSID == d.cfg.GetRecoveryPingWorkflowSID()

	switch {
	case isPing && ev.EventType == EventReservationAccepted:
		return d.PingAccepted(ctx, ev.TaskSID, ev.Attributes)
	case isPing && ev.EventType == EventTaskCanceled:
		return d.PingCanceled(ctx, ev.TaskSID, ev.Attributes)
	case ev.TaskChannel == telephony.VoiceChannel && ev.EventType == EventTaskQueueEntered && ev.Attributes.Bool(telephony.AttrIsReconnect):
		return d.ReconnectQueued(ctx, ev.TaskSID, ev.Attributes)
	default:
		return nil
	}
}

// PingAccepted handles the disconnected worker accepting the ping: the
// worker is reachable again, so the customer is routed straight back.
func (d *Dispatcher) PingAccepted(ctx context.Context, pingSID string, attrs telephony.Attributes) error {
	originalSID := attrs.String(telephony.AttrDisconnectedTaskSID)
	if originalSID == "" {
		d.log.WithContext(ctx).Warn("ping task without disconnected task", "pingTaskSid", pingSID)
		return nil
	}
	if err := d.ensureAttempt(ctx, originalSID, pingSID, attrs); err != nil {
		return err
	}

	a, err := d.attempts.TransitionAttempt(ctx, originalSID, conferencestate.AttemptReconnecting, func(a *conferencestate.Attempt) {
		a.PingTaskSID = pingSID
		a.TargetWorkerSID = attrs.String(telephony.AttrDisconnectedWorkerSID)
	})
	if errors.Is(err, conferencestate.ErrInvalidTransition) {
		d.log.WithContext(ctx).Debug("ping already resolved", "taskSid", originalSID, "pingTaskSid", pingSID)
		d.completePing(ctx, pingSID)
		return nil
	}
	if err != nil {
		return apperr.Transient("claim ping acceptance", err).WithOp("reconnect.PingAccepted")
	}

	d.completePing(ctx, pingSID)
	d.markPingSuccessful(ctx, originalSID)
	d.bus.Publish(ctx, events.PingResolved{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: originalSID,
		PingTaskSID:         pingSID,
		WorkerSID:           a.WorkerSID,
		Accepted:            true,
	})

	return d.enqueueReconnect(ctx, a, attrs, true)
}

// PingCanceled handles a ping that timed out or was rejected: the customer
// goes back into the queue for any available worker.
func (d *Dispatcher) PingCanceled(ctx context.Context, pingSID string, attrs telephony.Attributes) error {
	originalSID := attrs.String(telephony.AttrDisconnectedTaskSID)
	if originalSID == "" {
		return nil
	}
	if err := d.ensureAttempt(ctx, originalSID, pingSID, attrs); err != nil {
		return err
	}

	a, err := d.attempts.TransitionAttempt(ctx, originalSID, conferencestate.AttemptRequeue, func(a *conferencestate.Attempt) {
		a.PingTaskSID = pingSID
	})
	if errors.Is(err, conferencestate.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return apperr.Transient("claim ping cancellation", err).WithOp("reconnect.PingCanceled")
	}

	d.bus.Publish(ctx, events.PingResolved{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: originalSID,
		PingTaskSID:         pingSID,
		WorkerSID:           a.WorkerSID,
		Accepted:            false,
	})

	return d.enqueueReconnect(ctx, a, attrs, false)
}

// ensureAttempt rebuilds a missing attempt from the ping's attributes so a
// lost record does not strand the customer.
func (d *Dispatcher) ensureAttempt(ctx context.Context, originalSID, pingSID string, attrs telephony.Attributes) error {
	_, err := d.attempts.GetAttempt(ctx, originalSID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, conferencestate.ErrNotFound) {
		return apperr.Transient("load recovery attempt", err).WithOp("reconnect.ensureAttempt")
	}

	disconnectedAt, _ := time.Parse(time.RFC3339, attrs.String(telephony.AttrDisconnectedTime))
	_, err = d.attempts.CreateAttempt(ctx, &conferencestate.Attempt{
		DisconnectedTaskSID: originalSID,
		ConferenceSID:       attrs.String(telephony.AttrDisconnectedConferenceSID),
		WorkflowSID:         attrs.String(telephony.AttrDisconnectedTaskWorkflowSID),
		WorkerSID:           attrs.String(telephony.AttrDisconnectedWorkerSID),
		WorkerName:          attrs.String(telephony.AttrDisconnectedWorkerName),
		WorkerLegSID:        attrs.String(telephony.AttrDisconnectedCallSID),
		CustomerLegSID:      attrs.String(telephony.AttrCallSID),
		PingTaskSID:         pingSID,
		DisconnectedAt:      disconnectedAt,
	})
	if err != nil {
		return apperr.Transient("rebuild recovery attempt", err).WithOp("reconnect.ensureAttempt")
	}
	d.log.WithContext(ctx).Warn("recovery attempt rebuilt from ping attributes", "taskSid", originalSID, "pingTaskSid", pingSID)
	return nil
}

func (d *Dispatcher) completePing(ctx context.Context, pingSID string) {
	_, err := d.client.UpdateTask(ctx, pingSID, telephony.TaskUpdate{AssignmentStatus: telephony.TaskCompleted})
	if err != nil {
		d.log.WithContext(ctx).Debug("ping task not completed", "pingTaskSid", pingSID, "error", err)
	}
}

func (d *Dispatcher) markPingSuccessful(ctx context.Context, originalSID string) {
	task, err := d.client.GetTask(ctx, originalSID)
	if err != nil {
		d.log.WithContext(ctx).Warn("failed to load stranded task", "taskSid", originalSID, "error", err)
		return
	}
	attrs := task.Attributes.Clone()
	attrs[telephony.AttrWasPingSuccessful] = true
	if _, err := d.client.UpdateTask(ctx, originalSID, telephony.TaskUpdate{Attributes: attrs}); err != nil {
		d.log.WithContext(ctx).Warn("failed to flag ping success", "taskSid", originalSID, "error", err)
	}
}

// enqueueReconnect checks the parked customer is still on the line and
// redirects the leg into the original workflow as a reconnect task.
func (d *Dispatcher) enqueueReconnect(ctx context.Context, a *conferencestate.Attempt, pingAttrs telephony.Attributes, accepted bool) error {
	attrs := ReconnectAttributes(pingAttrs, accepted)

	customer := attrs.String(telephony.AttrCallSID)
	if customer == "" {
		customer = a.CustomerLegSID
	}
	workflow := attrs.String(telephony.AttrDisconnectedTaskWorkflowSID)
	if workflow == "" {
		workflow = a.WorkflowSID
	}

	status, err := d.client.FetchCallStatus(ctx, customer)
	switch {
	case errors.Is(err, telephony.ErrNotFound), err == nil && status != telephony.CallInProgress:
		return d.abort(ctx, a, "customer call no longer in progress")
	case err != nil:
		d.alert(ctx, "reconnect.call.fetch", a, "customer call status unavailable; reconnect not enqueued", err)
		return apperr.Transient("fetch customer call", err).WithOp("reconnect.enqueueReconnect")
	}

	// Claim before redirecting: the reconnect task can enter the queue
	// before EnqueueReconnect returns.
	if _, err := d.attempts.TransitionAttempt(ctx, a.DisconnectedTaskSID, conferencestate.AttemptEnqueued, nil); err != nil {
		if errors.Is(err, conferencestate.ErrInvalidTransition) {
			return nil
		}
		return apperr.Transient("claim reconnect enqueue", err).WithOp("reconnect.enqueueReconnect")
	}

	err = d.client.EnqueueReconnect(ctx, telephony.ReconnectEnqueue{
		CallSID:     customer,
		WorkflowSID: workflow,
		Attributes:  attrs,
		Priority:    d.cfg.GetReconnectTaskPriority(),
	})
	if err != nil {
		d.alert(ctx, "reconnect.enqueue", a, "reconnect task could not be enqueued; customer is parked", err)
		_ = d.abort(ctx, a, "reconnect enqueue failed")
		return apperr.Fatal("enqueue reconnect", err).WithOp("reconnect.enqueueReconnect")
	}

	target := ""
	if accepted {
		target = a.TargetWorkerSID
	}

	d.log.WithContext(ctx).Info("reconnect enqueued", "taskSid", a.DisconnectedTaskSID, "callSid", customer, "targetWorkerSid", target)
	d.bus.Publish(ctx, events.ReconnectEnqueued{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: a.DisconnectedTaskSID,
		CustomerLegSID:      customer,
		TargetWorkerSID:     target,
	})
	return nil
}

func (d *Dispatcher) abort(ctx context.Context, a *conferencestate.Attempt, reason string) error {
	_, err := d.attempts.TransitionAttempt(ctx, a.DisconnectedTaskSID, conferencestate.AttemptAborted, func(cur *conferencestate.Attempt) {
		cur.Detail = reason
	})
	if errors.Is(err, conferencestate.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return apperr.Transient("abort recovery attempt", err).WithOp("reconnect.abort")
	}

	d.log.WithContext(ctx).Warn("recovery aborted", "taskSid", a.DisconnectedTaskSID, "reason", reason)
	d.bus.Publish(ctx, events.ReconnectAborted{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: a.DisconnectedTaskSID,
		WorkerSID:           a.WorkerSID,
		Reason:              reason,
	})
	return nil
}

// ReconnectQueued completes the stranded task once its reconnect task is in
// the queue. The reconnect task outranks everything else for the worker, so
// no other call can be reserved in between.
func (d *Dispatcher) ReconnectQueued(ctx context.Context, reconnectSID string, attrs telephony.Attributes) error {
	originalSID := attrs.String(telephony.AttrDisconnectedTaskSID)
	if originalSID == "" {
		return nil
	}

	claimed := true
	_, err := d.attempts.TransitionAttempt(ctx, originalSID, conferencestate.AttemptCompleted, func(a *conferencestate.Attempt) {
		a.ReconnectTaskSID = reconnectSID
	})
	switch {
	case errors.Is(err, conferencestate.ErrNotFound):
		claimed = false
	case errors.Is(err, conferencestate.ErrInvalidTransition):
		d.log.WithContext(ctx).Debug("original task already handled", "taskSid", originalSID, "reconnectTaskSid", reconnectSID)
		return nil
	case err != nil:
		return apperr.Transient("claim original task completion", err).WithOp("reconnect.ReconnectQueued")
	}

	completed, err := d.completeIfWrapping(ctx, originalSID)
	if err != nil {
		if claimed {
			if _, rerr := d.attempts.TransitionAttempt(ctx, originalSID, conferencestate.AttemptEnqueued, nil); rerr != nil {
				d.log.WithContext(ctx).Warn("failed to release completion claim", "taskSid", originalSID, "error", rerr)
			}
		}
		return apperr.Transient("complete original task", err).WithOp("reconnect.ReconnectQueued")
	}
	if !completed {
		return nil
	}

	d.log.WithContext(ctx).Info("original task completed", "taskSid", originalSID, "reconnectTaskSid", reconnectSID)
	d.bus.Publish(ctx, events.OriginalTaskCompleted{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: originalSID,
		ReconnectTaskSID:    reconnectSID,
	})
	return nil
}

func (d *Dispatcher) completeIfWrapping(ctx context.Context, taskSID string) (bool, error) {
	task, err := d.client.GetTask(ctx, taskSID)
	if errors.Is(err, telephony.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if task.AssignmentStatus != telephony.TaskWrapping {
		return false, nil
	}
	_, err = d.client.UpdateTask(ctx, taskSID, telephony.TaskUpdate{
		AssignmentStatus: telephony.TaskCompleted,
		Reason:           telephony.ReconnectCompletionReason,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) alert(ctx context.Context, op string, a *conferencestate.Attempt, message string, cause error) {
	d.log.WithContext(ctx).Error(message, "operation", op, "taskSid", a.DisconnectedTaskSID, "error", cause)
	alert := events.RecoveryAlert{
		BaseEvent:           events.NewBaseEvent(),
		Severity:            events.AlertSeverityCritical,
		Operation:           op,
		DisconnectedTaskSID: a.DisconnectedTaskSID,
		ConferenceSID:       a.ConferenceSID,
		Message:             message,
	}
	if cause != nil {
		alert.Error = cause.Error()
	}
	d.bus.Publish(ctx, alert)
}
