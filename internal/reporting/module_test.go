package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/events/eventstest"
	"call_recovery_backend/platform/logger"
)

const (
	testTaskSID   = "WT00000000000000000000000000000001"
	testConfSID   = "CF00000000000000000000000000000001"
	testWorkerSID = "WK00000000000000000000000000000001"
	testPingSID   = "WT00000000000000000000000000000002"
)

type fakeLedger struct {
	attempts map[string]Attempt
	progress []Progress
	err      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{attempts: map[string]Attempt{}}
}

func (l *fakeLedger) RecordDisconnect(_ context.Context, a Attempt) error {
	if l.err != nil {
		return l.err
	}
	if _, ok := l.attempts[a.DisconnectedTaskSID]; !ok {
		a.Outcome = OutcomeStranded
		l.attempts[a.DisconnectedTaskSID] = a
	}
	return nil
}

func (l *fakeLedger) RecordProgress(_ context.Context, taskSID string, p Progress) error {
	if l.err != nil {
		return l.err
	}
	a, ok := l.attempts[taskSID]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.ResolvedAt != nil && p.ResolvedAt == nil {
		return nil
	}
	a.Outcome = p.Outcome
	if p.PingTaskSID != nil {
		a.PingTaskSID = p.PingTaskSID
	}
	if p.ReconnectTaskSID != nil {
		a.ReconnectTaskSID = p.ReconnectTaskSID
	}
	if p.TargetWorkerSID != nil {
		a.TargetWorkerSID = p.TargetWorkerSID
	}
	if p.Detail != nil {
		a.Detail = *p.Detail
	}
	if p.ResolvedAt != nil {
		a.ResolvedAt = p.ResolvedAt
	}
	l.attempts[taskSID] = a
	l.progress = append(l.progress, p)
	return nil
}

func setup(t *testing.T) (*fakeLedger, *eventstest.Recorder) {
	t.Helper()
	ledger := newFakeLedger()
	bus := eventstest.NewRecorder()
	New(ledger, logger.New("test")).RegisterHandlers(bus)
	return ledger, bus
}

func disconnect(attrs string) events.NonGracefulDisconnect {
	return events.NonGracefulDisconnect{
		BaseEvent:      events.NewBaseEvent(),
		ConferenceSID:  testConfSID,
		TaskSID:        testTaskSID,
		TaskAttributes: []byte(attrs),
		WorkerSID:      testWorkerSID,
		WorkerName:     "Alice",
		DisconnectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDisconnectRecordsNormalizedCaller(t *testing.T) {
	ledger, bus := setup(t)

	bus.Publish(context.Background(), disconnect(`{"from":"(415) 555-2671","call_sid":"CA1"}`))

	a, ok := ledger.attempts[testTaskSID]
	if !ok {
		t.Fatal("expected ledger row")
	}
	if a.Outcome != OutcomeStranded || a.WorkerName != "Alice" || a.ConferenceSID != testConfSID {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if a.CallerNumber == nil || *a.CallerNumber != "+14155552671" {
		t.Fatalf("expected E.164 caller, got %v", a.CallerNumber)
	}
}

func TestDisconnectKeepsClientIdentityVerbatim(t *testing.T) {
	ledger, bus := setup(t)

	bus.Publish(context.Background(), disconnect(`{"caller":"client:kiosk-7"}`))

	a := ledger.attempts[testTaskSID]
	if a.CallerNumber == nil || *a.CallerNumber != "client:kiosk-7" {
		t.Fatalf("unexpected caller %v", a.CallerNumber)
	}
}

func TestDisconnectWithoutCaller(t *testing.T) {
	ledger, bus := setup(t)

	bus.Publish(context.Background(), disconnect(``))

	if a := ledger.attempts[testTaskSID]; a.CallerNumber != nil {
		t.Fatalf("expected no caller, got %q", *a.CallerNumber)
	}
}

func TestAttemptProgressesToReconnected(t *testing.T) {
	ledger, bus := setup(t)
	ctx := context.Background()

	bus.Publish(ctx, disconnect(`{}`))
	bus.Publish(ctx, events.PingCreated{BaseEvent: events.NewBaseEvent(), DisconnectedTaskSID: testTaskSID, PingTaskSID: testPingSID, WorkerSID: testWorkerSID})
	bus.Publish(ctx, events.ReconnectEnqueued{BaseEvent: events.NewBaseEvent(), DisconnectedTaskSID: testTaskSID, TargetWorkerSID: testWorkerSID})
	bus.Publish(ctx, events.OriginalTaskCompleted{BaseEvent: events.NewBaseEvent(), DisconnectedTaskSID: testTaskSID, ReconnectTaskSID: "WT00000000000000000000000000000003"})

	a := ledger.attempts[testTaskSID]
	if a.Outcome != OutcomeReconnected {
		t.Fatalf("expected reconnected, got %s", a.Outcome)
	}
	if a.PingTaskSID == nil || *a.PingTaskSID != testPingSID {
		t.Fatalf("ping task not recorded: %v", a.PingTaskSID)
	}
	if a.TargetWorkerSID == nil || *a.TargetWorkerSID != testWorkerSID {
		t.Fatalf("target worker not recorded: %v", a.TargetWorkerSID)
	}
	if a.ReconnectTaskSID == nil || a.ResolvedAt == nil {
		t.Fatalf("expected reconnect task and resolution, got %+v", a)
	}
}

func TestAbortedAttemptKeepsReason(t *testing.T) {
	ledger, bus := setup(t)
	ctx := context.Background()

	bus.Publish(ctx, disconnect(`{}`))
	bus.Publish(ctx, events.ReconnectAborted{BaseEvent: events.NewBaseEvent(), DisconnectedTaskSID: testTaskSID, WorkerSID: testWorkerSID, Reason: "customer hung up"})

	a := ledger.attempts[testTaskSID]
	if a.Outcome != OutcomeAborted || a.Detail != "customer hung up" || a.ResolvedAt == nil {
		t.Fatalf("unexpected attempt %+v", a)
	}
}

func TestCriticalAlertMarksAttemptFailed(t *testing.T) {
	ledger, bus := setup(t)
	ctx := context.Background()

	bus.Publish(ctx, disconnect(`{}`))
	bus.Publish(ctx, events.RecoveryAlert{BaseEvent: events.NewBaseEvent(), Severity: events.AlertSeverityWarning, DisconnectedTaskSID: testTaskSID, Operation: "recovery.attempt.stale", Message: "slow"})
	if a := ledger.attempts[testTaskSID]; a.Outcome != OutcomeStranded {
		t.Fatalf("warning must not change outcome, got %s", a.Outcome)
	}

	bus.Publish(ctx, events.RecoveryAlert{BaseEvent: events.NewBaseEvent(), Severity: events.AlertSeverityCritical, DisconnectedTaskSID: testTaskSID, Operation: "recovery.ping.create", Message: "retries exhausted"})
	a := ledger.attempts[testTaskSID]
	if a.Outcome != OutcomeFailed || a.Detail != "recovery.ping.create: retries exhausted" {
		t.Fatalf("unexpected attempt %+v", a)
	}
}

func TestProgressForUnknownAttemptIsIgnored(t *testing.T) {
	ledger := newFakeLedger()
	m := New(ledger, logger.New("test"))

	err := m.Handle(context.Background(), events.PingCreated{BaseEvent: events.NewBaseEvent(), DisconnectedTaskSID: testTaskSID, PingTaskSID: testPingSID})
	if err != nil {
		t.Fatalf("expected missing row to be ignored, got %v", err)
	}
}

func TestLedgerErrorsPropagate(t *testing.T) {
	ledger := newFakeLedger()
	ledger.err = errors.New("db down")
	m := New(ledger, logger.New("test"))

	if err := m.Handle(context.Background(), disconnect(`{}`)); err == nil {
		t.Fatal("expected ledger error")
	}
}
