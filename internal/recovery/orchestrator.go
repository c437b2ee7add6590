// Package recovery starts recovery for a stranded call: it announces the
// drop, marks the stranded task and creates the reachability ping task
// aimed at the worker who dropped.
package recovery

import (
	"context"
	"errors"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/scheduler"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/apperr"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"
)

// Orchestrator reacts to NonGracefulDisconnect events.
type Orchestrator struct {
	attempts    conferencestate.AttemptStore
	tasks       telephony.Tasks
	conferences telephony.Conferences
	scheduler   scheduler.PingScheduler
	bus         events.Bus
	cfg         config.RecoveryConfig
	log         *logger.Logger
}

// New creates an Orchestrator. Ping creation runs inline until a scheduler
// is set.
func New(attempts conferencestate.AttemptStore, tasks telephony.Tasks, conferences telephony.Conferences, bus events.Bus, cfg config.RecoveryConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		attempts:    attempts,
		tasks:       tasks,
		conferences: conferences,
		bus:         bus,
		cfg:         cfg,
		log:         log,
	}
}

// SetScheduler hands ping creation to the background worker.
func (o *Orchestrator) SetScheduler(s scheduler.PingScheduler) {
	o.scheduler = s
}

// RegisterHandlers subscribes to the events the orchestrator consumes.
func (o *Orchestrator) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.NonGracefulDisconnect{}.EventName(), o)
	o.log.Info("recovery orchestrator registered event handlers")
}

// Handle routes events to the appropriate handler method.
func (o *Orchestrator) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.NonGracefulDisconnect:
		return o.HandleDisconnect(ctx, e)
	default:
		o.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

// HandleDisconnect runs the three recovery steps once per stranded task.
// Announcement and task marking are best effort; ping creation is not.
func (o *Orchestrator) HandleDisconnect(ctx context.Context, ev events.NonGracefulDisconnect) error {
	log := o.log.WithContext(ctx).With("taskSid", ev.TaskSID, "conferenceSid", ev.ConferenceSID, "workerSid", ev.WorkerSID)
	if ev.TaskSID == "" {
		log.Warn("stranded conference has no task, recovery skipped")
		return nil
	}

	created, err := o.attempts.CreateAttempt(ctx, &conferencestate.Attempt{
		DisconnectedTaskSID: ev.TaskSID,
		ConferenceSID:       ev.ConferenceSID,
		WorkflowSID:         ev.WorkflowSID,
		TaskAttributes:      ev.TaskAttributes,
		WorkerSID:           ev.WorkerSID,
		WorkerName:          ev.WorkerName,
		WorkerLegSID:        ev.WorkerLegSID,
		CustomerLegSID:      ev.CustomerLegSID,
		DisconnectedAt:      ev.DisconnectedAt,
	})
	if err != nil {
		o.alert(ctx, "recovery.attempt.create", ev.TaskSID, ev.ConferenceSID, "could not record recovery attempt", err)
		return apperr.Fatal("create recovery attempt", err).WithOp("recovery.HandleDisconnect")
	}
	if !created {
		log.Debug("recovery already started")
		return nil
	}

	log.Info("engaging recovery")

	if url := o.cfg.GetRecoveryAnnouncementURL(); url != "" {
		if err := o.conferences.Announce(ctx, ev.ConferenceSID, url); err != nil {
			log.Warn("recovery announcement failed", "error", err)
		}
	}

	if err := o.markAwaitingReconnect(ctx, ev.TaskSID, ev.DisconnectedAt); err != nil {
		log.Warn("failed to mark stranded task", "error", err)
	}

	if o.scheduler != nil {
		err := o.scheduler.ScheduleRecoveryPing(ctx, scheduler.RecoveryPingPayload{
			DisconnectedTaskSID: ev.TaskSID,
			ConferenceSID:       ev.ConferenceSID,
		})
		if err == nil {
			return nil
		}
		log.Error("failed to schedule recovery ping, creating inline", "error", err)
	}

	if err := o.CreatePing(ctx, ev.TaskSID); err != nil {
		o.PingCreationFailed(ctx, ev.TaskSID, err)
		return err
	}
	return nil
}

// markAwaitingReconnect tags the stranded task so the desktop and reports
// can tell it is being recovered.
func (o *Orchestrator) markAwaitingReconnect(ctx context.Context, taskSID string, at time.Time) error {
	task, err := o.tasks.GetTask(ctx, taskSID)
	if err != nil {
		return err
	}

	attrs := task.Attributes.Clone()
	stamp := at.UTC().Format(time.RFC3339)
	attrs[telephony.AttrAwaitingReconnect] = true
	attrs[telephony.AttrDisconnectedTime] = stamp
	attrs[telephony.AttrDisconnectedAt] = stamp
	attrs.SetNested(telephony.AttrConversations, telephony.AttrFollowedBy, telephony.FollowedByReconnect)

	_, err = o.tasks.UpdateTask(ctx, taskSID, telephony.TaskUpdate{Attributes: attrs})
	return err
}

// CreatePing creates the ping task for a stranded task. Calling it again
// after the ping exists, or after the attempt moved on, does nothing.
func (o *Orchestrator) CreatePing(ctx context.Context, disconnectedTaskSID string) error {
	a, err := o.attempts.GetAttempt(ctx, disconnectedTaskSID)
	if errors.Is(err, conferencestate.ErrNotFound) {
		o.log.WithContext(ctx).Warn("no recovery attempt for ping", "taskSid", disconnectedTaskSID)
		return nil
	}
	if err != nil {
		return apperr.Transient("load recovery attempt", err).WithOp("recovery.CreatePing")
	}
	if a.PingTaskSID != "" || a.State != conferencestate.AttemptPingPending {
		return nil
	}

	attrs, err := PingAttributes(a)
	if err != nil {
		return apperr.Fatal("build ping attributes", err).WithOp("recovery.CreatePing")
	}

	ping, err := o.tasks.CreateTask(ctx, telephony.CreateTaskRequest{
		WorkflowSID: o.cfg.GetRecoveryPingWorkflowSID(),
		Attributes:  attrs,
		Timeout:     o.cfg.GetRecoveryPingTTL(),
		Priority:    o.cfg.GetRecoveryPingPriority(),
	})
	if err != nil {
		return apperr.Transient("create ping task", err).WithOp("recovery.CreatePing")
	}

	if _, err := o.attempts.UpdateAttempt(ctx, disconnectedTaskSID, func(cur *conferencestate.Attempt) error {
		if cur.PingTaskSID != "" {
			return conferencestate.ErrNoChange
		}
		cur.PingTaskSID = ping.SID
		return nil
	}); err != nil && !errors.Is(err, conferencestate.ErrNoChange) {
		o.log.WithContext(ctx).Warn("failed to record ping task", "taskSid", disconnectedTaskSID, "pingTaskSid", ping.SID, "error", err)
	}

	o.log.WithContext(ctx).TaskEvent("ping.created", ping.SID, "", o.cfg.GetRecoveryPingWorkflowSID())
	o.bus.Publish(ctx, events.PingCreated{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: disconnectedTaskSID,
		PingTaskSID:         ping.SID,
		WorkerSID:           a.WorkerSID,
	})
	return nil
}

// PingCreationFailed gives up on the attempt and tells an operator the
// customer is parked without a recovery path.
func (o *Orchestrator) PingCreationFailed(ctx context.Context, disconnectedTaskSID string, cause error) {
	a, err := o.attempts.TransitionAttempt(ctx, disconnectedTaskSID, conferencestate.AttemptAborted, func(a *conferencestate.Attempt) {
		a.Detail = "ping creation failed"
	})
	if err != nil && !errors.Is(err, conferencestate.ErrInvalidTransition) {
		o.log.WithContext(ctx).Warn("failed to abort recovery attempt", "taskSid", disconnectedTaskSID, "error", err)
	}

	conferenceSID := ""
	workerSID := ""
	if a != nil {
		conferenceSID = a.ConferenceSID
		workerSID = a.WorkerSID
	}
	o.alert(ctx, "recovery.ping.create", disconnectedTaskSID, conferenceSID, "recovery ping could not be created; customer is parked", cause)
	o.bus.Publish(ctx, events.ReconnectAborted{
		BaseEvent:           events.NewBaseEvent(),
		DisconnectedTaskSID: disconnectedTaskSID,
		WorkerSID:           workerSID,
		Reason:              "ping creation failed",
	})
}

func (o *Orchestrator) alert(ctx context.Context, op, taskSID, conferenceSID, message string, cause error) {
	o.log.WithContext(ctx).Error(message, "operation", op, "taskSid", taskSID, "conferenceSid", conferenceSID, "error", cause)
	alert := events.RecoveryAlert{
		BaseEvent:           events.NewBaseEvent(),
		Severity:            events.AlertSeverityCritical,
		Operation:           op,
		DisconnectedTaskSID: taskSID,
		ConferenceSID:       conferenceSID,
		Message:             message,
	}
	if cause != nil {
		alert.Error = cause.Error()
	}
	o.bus.Publish(ctx, alert)
}
