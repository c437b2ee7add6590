// Package reporting keeps a Postgres ledger of recovery attempts, one row per
// stranded task, advanced by the recovery domain events.
package reporting

import (
	"context"
	"errors"
	"time"

	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/phone"
	"call_recovery_backend/platform/sanitize"
)

// Ledger persists recovery attempts.
type Ledger interface {
	RecordDisconnect(ctx context.Context, a Attempt) error
	RecordProgress(ctx context.Context, disconnectedTaskSID string, p Progress) error
}

// callerKeys are the task attributes that may carry the customer number.
var callerKeys = []string{"from", "caller", "customerNumber"}

// Module subscribes to recovery events and writes them to the ledger.
type Module struct {
	ledger Ledger
	region string
	log    *logger.Logger
}

func New(ledger Ledger, log *logger.Logger) *Module {
	return &Module{ledger: ledger, region: phone.DefaultRegion, log: log}
}

// RegisterHandlers subscribes to all relevant domain events on the event bus.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.NonGracefulDisconnect{}.EventName(), m)
	bus.Subscribe(events.PingCreated{}.EventName(), m)
	bus.Subscribe(events.ReconnectEnqueued{}.EventName(), m)
	bus.Subscribe(events.ReconnectAborted{}.EventName(), m)
	bus.Subscribe(events.OriginalTaskCompleted{}.EventName(), m)
	bus.Subscribe(events.RecoveryAlert{}.EventName(), m)
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.NonGracefulDisconnect:
		return m.handleDisconnect(ctx, e)
	case events.PingCreated:
		return m.progress(ctx, e.DisconnectedTaskSID, Progress{
			Outcome:     OutcomePinging,
			PingTaskSID: optional(e.PingTaskSID),
		})
	case events.ReconnectEnqueued:
		return m.progress(ctx, e.DisconnectedTaskSID, Progress{
			Outcome:         OutcomeEnqueued,
			TargetWorkerSID: optional(e.TargetWorkerSID),
		})
	case events.ReconnectAborted:
		at := resolvedAt(e)
		return m.progress(ctx, e.DisconnectedTaskSID, Progress{
			Outcome:    OutcomeAborted,
			Detail:     optional(e.Reason),
			ResolvedAt: &at,
		})
	case events.OriginalTaskCompleted:
		at := resolvedAt(e)
		return m.progress(ctx, e.DisconnectedTaskSID, Progress{
			Outcome:          OutcomeReconnected,
			ReconnectTaskSID: optional(e.ReconnectTaskSID),
			ResolvedAt:       &at,
		})
	case events.RecoveryAlert:
		if e.Severity != events.AlertSeverityCritical || e.DisconnectedTaskSID == "" {
			return nil
		}
		at := resolvedAt(e)
		return m.progress(ctx, e.DisconnectedTaskSID, Progress{
			Outcome:    OutcomeFailed,
			Detail:     optional(e.Operation + ": " + e.Message),
			ResolvedAt: &at,
		})
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleDisconnect(ctx context.Context, e events.NonGracefulDisconnect) error {
	attempt := Attempt{
		DisconnectedTaskSID: e.TaskSID,
		ConferenceSID:       e.ConferenceSID,
		WorkerSID:           e.WorkerSID,
		WorkerName:          sanitize.DisplayName(e.WorkerName),
		CallerNumber:        m.callerNumber(e.TaskAttributes),
		DisconnectedAt:      e.DisconnectedAt,
	}
	if attempt.DisconnectedAt.IsZero() {
		attempt.DisconnectedAt = resolvedAt(e)
	}
	if err := m.ledger.RecordDisconnect(ctx, attempt); err != nil {
		m.log.WithContext(ctx).Error("failed to record recovery attempt", "taskSid", e.TaskSID, "error", err)
		return err
	}
	return nil
}

func (m *Module) progress(ctx context.Context, taskSID string, p Progress) error {
	if taskSID == "" {
		return nil
	}
	err := m.ledger.RecordProgress(ctx, taskSID, p)
	if errors.Is(err, ErrAttemptNotFound) {
		// Attempts that predate the ledger, or whose insert failed.
		m.log.WithContext(ctx).Debug("recovery attempt not in ledger", "taskSid", taskSID, "outcome", p.Outcome)
		return nil
	}
	if err != nil {
		m.log.WithContext(ctx).Error("failed to update recovery attempt", "taskSid", taskSID, "outcome", p.Outcome, "error", err)
		return err
	}
	return nil
}

// callerNumber extracts the customer number from task attributes, stored
// in E.164 when it is a phone number and verbatim otherwise.
func (m *Module) callerNumber(raw []byte) *string {
	attrs, err := telephony.ParseAttributes(raw)
	if err != nil {
		return nil
	}
	for _, key := range callerKeys {
		if value := attrs.String(key); value != "" {
			normalized, _ := phone.NormalizeCaller(value, m.region)
			return &normalized
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func resolvedAt(e events.Event) time.Time {
	if at := e.OccurredAt(); !at.IsZero() {
		return at.UTC()
	}
	return time.Now().UTC()
}
