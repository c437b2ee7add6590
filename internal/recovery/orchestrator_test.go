package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/events/eventstest"
	"call_recovery_backend/internal/scheduler"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/internal/telephony/telephonytest"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testConference   = "CF00000000000000000000000000000001"
	testTask         = "WT00000000000000000000000000000001"
	testWorkflow     = "WW00000000000000000000000000000001"
	testPingWorkflow = "WW000000000000000000000000000000FF"
	testWorker       = "WK0000000000000000000000000000000A"
	testWorkerLeg    = "CA000000000000000000000000000000A1"
	testCustomer     = "CA000000000000000000000000000000C1"
)

type fakeScheduler struct {
	payloads []scheduler.RecoveryPingPayload
	err      error
}

func (f *fakeScheduler) ScheduleRecoveryPing(_ context.Context, p scheduler.RecoveryPingPayload) error {
	f.payloads = append(f.payloads, p)
	return f.err
}

type fixture struct {
	orchestrator *Orchestrator
	store        *conferencestate.RedisStore
	phone        *telephonytest.Fake
	bus          *eventstest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.New("test")
	store := conferencestate.NewRedisStore(rdb, log)
	phone := telephonytest.New()
	phone.Tasks[testTask] = telephony.Task{
		SID:              testTask,
		WorkflowSID:      testWorkflow,
		AssignmentStatus: telephony.TaskWrapping,
		Attributes:       telephony.Attributes{telephony.AttrCallSID: testCustomer, "from": "+15551234567"},
	}
	bus := eventstest.NewRecorder()
	cfg := &config.Config{
		RecoveryPingWorkflowSID: testPingWorkflow,
		RecoveryPingTTL:         15 * time.Second,
		RecoveryPingPriority:    1000,
		RecoveryAnnouncementURL: "https://example.test/lost.mp3",
	}

	return &fixture{
		orchestrator: New(store, phone, phone, bus, cfg, log),
		store:        store,
		phone:        phone,
		bus:          bus,
	}
}

func disconnect() events.NonGracefulDisconnect {
	return events.NonGracefulDisconnect{
		BaseEvent:      events.NewBaseEvent(),
		ConferenceSID:  testConference,
		TaskSID:        testTask,
		WorkflowSID:    testWorkflow,
		TaskAttributes: []byte(`{"call_sid":"` + testCustomer + `","from":"+15551234567"}`),
		WorkerSID:      testWorker,
		WorkerName:     "Alice",
		WorkerLegSID:   testWorkerLeg,
		CustomerLegSID: testCustomer,
		DisconnectedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDisconnectCreatesPingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.orchestrator.HandleDisconnect(ctx, disconnect()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.orchestrator.Handle(ctx, disconnect()); err != nil {
		t.Fatalf("duplicate handle: %v", err)
	}

	if n := f.phone.CreatedCount(); n != 1 {
		t.Fatalf("expected one ping task, got %d", n)
	}
	req := f.phone.Created[0]
	if req.WorkflowSID != testPingWorkflow || req.Timeout != 15*time.Second || req.Priority != 1000 {
		t.Fatalf("unexpected ping request: %+v", req)
	}
	if req.Attributes.String(telephony.AttrDisconnectedTaskSID) != testTask ||
		req.Attributes.String(telephony.AttrDisconnectedWorkerSID) != testWorker ||
		req.Attributes.String(telephony.AttrDisconnectedConferenceSID) != testConference ||
		req.Attributes.String(telephony.AttrDisconnectedTaskWorkflowSID) != testWorkflow {
		t.Fatalf("ping attributes missing disconnected fields: %v", req.Attributes)
	}
	if len(f.phone.Announced) != 1 {
		t.Fatalf("expected one announcement, got %d", len(f.phone.Announced))
	}

	a, err := f.store.GetAttempt(ctx, testTask)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if a.PingTaskSID == "" || a.State != conferencestate.AttemptPingPending {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if n := f.bus.Count(events.PingCreated{}.EventName()); n != 1 {
		t.Fatalf("expected one PingCreated, got %d", n)
	}
}

func TestStrandedTaskIsMarked(t *testing.T) {
	f := newFixture(t)
	if err := f.orchestrator.HandleDisconnect(context.Background(), disconnect()); err != nil {
		t.Fatalf("handle: %v", err)
	}

	attrs := f.phone.Task(testTask).Attributes
	if !attrs.Bool(telephony.AttrAwaitingReconnect) {
		t.Fatal("expected awaitingReconnect")
	}
	if attrs.NestedString(telephony.AttrConversations, telephony.AttrFollowedBy) != telephony.FollowedByReconnect {
		t.Fatalf("expected followed_by marker, got %v", attrs)
	}
	if attrs.String("from") != "+15551234567" {
		t.Fatal("existing attributes must be preserved")
	}
}

func TestAnnouncementFailureDoesNotStopRecovery(t *testing.T) {
	f := newFixture(t)
	f.phone.Fail("Announce", errors.New("boom"), 0)

	if err := f.orchestrator.HandleDisconnect(context.Background(), disconnect()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := f.phone.CreatedCount(); n != 1 {
		t.Fatalf("expected ping despite announcement failure, got %d", n)
	}
}

func TestPingCreationFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.phone.Fail("CreateTask", errors.New("routing unavailable"), 0)
	ctx := context.Background()

	if err := f.orchestrator.HandleDisconnect(ctx, disconnect()); err == nil {
		t.Fatal("expected error")
	}
	alerts := f.bus.Named(events.RecoveryAlert{}.EventName())
	if len(alerts) != 1 || alerts[0].(events.RecoveryAlert).Severity != events.AlertSeverityCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}
	a, err := f.store.GetAttempt(ctx, testTask)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if a.State != conferencestate.AttemptAborted {
		t.Fatalf("expected aborted attempt, got %s", a.State)
	}
	if n := f.bus.Count(events.ReconnectAborted{}.EventName()); n != 1 {
		t.Fatalf("expected ReconnectAborted, got %d", n)
	}
}

func TestSchedulerTakesOverPingCreation(t *testing.T) {
	f := newFixture(t)
	sched := &fakeScheduler{}
	f.orchestrator.SetScheduler(sched)

	if err := f.orchestrator.HandleDisconnect(context.Background(), disconnect()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sched.payloads) != 1 || sched.payloads[0].DisconnectedTaskSID != testTask {
		t.Fatalf("expected scheduled ping, got %+v", sched.payloads)
	}
	if n := f.phone.CreatedCount(); n != 0 {
		t.Fatalf("expected no inline ping, got %d", n)
	}
}

func TestSchedulerFailureFallsBackInline(t *testing.T) {
	f := newFixture(t)
	f.orchestrator.SetScheduler(&fakeScheduler{err: errors.New("redis down")})

	if err := f.orchestrator.HandleDisconnect(context.Background(), disconnect()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := f.phone.CreatedCount(); n != 1 {
		t.Fatalf("expected inline ping, got %d", n)
	}
}

func TestCreatePingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orchestrator.HandleDisconnect(ctx, disconnect()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.orchestrator.CreatePing(ctx, testTask); err != nil {
		t.Fatalf("create ping again: %v", err)
	}
	if err := f.orchestrator.CreatePing(ctx, "WT00000000000000000000000000000099"); err != nil {
		t.Fatalf("create ping for unknown task: %v", err)
	}
	if n := f.phone.CreatedCount(); n != 1 {
		t.Fatalf("expected one ping task, got %d", n)
	}
}
