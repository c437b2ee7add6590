package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/events/eventstest"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/internal/telephony/telephonytest"
	"call_recovery_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testConference = "CF00000000000000000000000000000001"
	testTask       = "WT00000000000000000000000000000001"
	testWorkflow   = "WW00000000000000000000000000000001"
	testWorkerA    = "WK0000000000000000000000000000000A"
	testWorkerB    = "WK0000000000000000000000000000000B"
	testCustomer   = "CA000000000000000000000000000000C1"
	testLegA       = "CA000000000000000000000000000000A1"
	testLegB       = "CA000000000000000000000000000000B1"

	disconnectEvent = "conference.worker.non_graceful_disconnect"
)

type fixture struct {
	processor *Processor
	store     *conferencestate.RedisStore
	phone     *telephonytest.Fake
	bus       *eventstest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.New("test")
	store := conferencestate.NewRedisStore(rdb, log)
	phone := telephonytest.New()
	phone.Conferences[testConference] = telephony.ConferenceInProgress
	bus := eventstest.NewRecorder()

	return &fixture{
		processor: NewProcessor(store, phone, bus, log),
		store:     store,
		phone:     phone,
		bus:       bus,
	}
}

func (f *fixture) register(t *testing.T, workerSID, legSID, name string) {
	t.Helper()
	_, err := f.processor.Register(context.Background(), Registration{
		ConferenceSID:  testConference,
		TaskSID:        testTask,
		WorkflowSID:    testWorkflow,
		TaskAttributes: []byte(`{"call_sid":"` + testCustomer + `"}`),
		CustomerLegSID: testCustomer,
		WorkerSID:      workerSID,
		WorkerLegSID:   legSID,
		WorkerName:     name,
	})
	if err != nil {
		t.Fatalf("register %s: %v", workerSID, err)
	}
}

func TestRegisterCreatesRecordAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.register(t, testWorkerA, testLegA, "Alice")

	rec, err := f.store.Get(context.Background(), testConference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Workers) != 1 {
		t.Fatalf("expected one worker, got %d", len(rec.Workers))
	}
	if rec.TaskSID != testTask || rec.CustomerLegSID != testCustomer {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestLastWorkerDropEmitsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	ctx := context.Background()

	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("duplicate leave: %v", err)
	}

	got := f.bus.Named(disconnectEvent)
	if len(got) != 1 {
		t.Fatalf("expected one disconnect event, got %d", len(got))
	}
	ev := got[0].(events.NonGracefulDisconnect)
	if ev.WorkerSID != testWorkerA || ev.TaskSID != testTask || ev.CustomerLegSID != testCustomer {
		t.Fatalf("unexpected event: %+v", ev)
	}

	rec, err := f.store.Get(ctx, testConference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Workers) != 0 {
		t.Fatalf("expected worker removed, got %+v", rec.Workers)
	}
	if rec.Disconnect == nil || rec.Disconnect.WorkerSID != testWorkerA {
		t.Fatalf("expected disconnect marker, got %+v", rec.Disconnect)
	}
}

func TestConcurrentDuplicateLeavesEmitOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.processor.ParticipantLeft(context.Background(), testConference, testLegA)
		}()
	}
	wg.Wait()

	if n := f.bus.Count(disconnectEvent); n != 1 {
		t.Fatalf("expected one disconnect event, got %d", n)
	}
}

func TestGracefulHangupSuppressesRecovery(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	ctx := context.Background()

	result, err := f.processor.ExplicitHangup(ctx, testConference, testWorkerA, false)
	if err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if !result.Recorded {
		t.Fatal("expected graceful flag to be recorded")
	}
	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 0 {
		t.Fatalf("expected no disconnect event, got %d", n)
	}
}

func TestCustomerGoneSuppressesRecovery(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	ctx := context.Background()

	if err := f.processor.ParticipantLeft(ctx, testConference, testCustomer); err != nil {
		t.Fatalf("customer leave: %v", err)
	}
	// A late join for the customer must not resurrect the leg.
	if err := f.processor.ParticipantJoined(ctx, testConference, testCustomer, RoleCustomer, nil); err != nil {
		t.Fatalf("customer join: %v", err)
	}
	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("worker leave: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 0 {
		t.Fatalf("expected no disconnect event, got %d", n)
	}
}

func TestCompletedConferenceSuppressesRecovery(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.phone.Conferences[testConference] = telephony.ConferenceCompleted

	if err := f.processor.ParticipantLeft(context.Background(), testConference, testLegA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 0 {
		t.Fatalf("expected no disconnect event, got %d", n)
	}
	rec, err := f.store.Get(context.Background(), testConference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Workers) != 0 || rec.Disconnect != nil {
		t.Fatalf("expected worker removed without marker, got %+v", rec)
	}
}

func TestStatusLookupFailureStillRecovers(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.phone.Fail("FetchConferenceStatus", errors.New("boom"), 1)

	if err := f.processor.ParticipantLeft(context.Background(), testConference, testLegA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 1 {
		t.Fatalf("expected one disconnect event, got %d", n)
	}
}

func TestOnlyLastWorkerStrandsCustomer(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.register(t, testWorkerB, testLegB, "Bob")
	ctx := context.Background()

	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("leave A: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 0 {
		t.Fatalf("expected no event while another worker remains, got %d", n)
	}
	if err := f.processor.ParticipantLeft(ctx, testConference, testLegB); err != nil {
		t.Fatalf("leave B: %v", err)
	}
	got := f.bus.Named(disconnectEvent)
	if len(got) != 1 || got[0].(events.NonGracefulDisconnect).WorkerSID != testWorkerB {
		t.Fatalf("expected one event for worker B, got %+v", got)
	}
}

func TestUnknownLegAndConferenceAreNoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("leave on missing record: %v", err)
	}
	f.register(t, testWorkerA, testLegA, "Alice")
	if err := f.processor.ParticipantLeft(ctx, testConference, "CA00000000000000000000000000000999"); err != nil {
		t.Fatalf("leave of unknown leg: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestConferenceEndedDeletesRecord(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	ctx := context.Background()

	if err := f.processor.ConferenceEnded(ctx, testConference, "last participant left"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := f.store.Get(ctx, testConference); !errors.Is(err, conferencestate.ErrNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
	// Leave arriving after the end is ignored.
	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("late leave: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestRegisterAfterConferenceEndedIsRefused(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	ctx := context.Background()

	if err := f.processor.ConferenceEnded(ctx, testConference, "last participant left"); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err := f.processor.Register(ctx, Registration{
		ConferenceSID:  testConference,
		TaskSID:        testTask,
		WorkflowSID:    testWorkflow,
		CustomerLegSID: testCustomer,
		WorkerSID:      testWorkerA,
		WorkerLegSID:   testLegA,
		WorkerName:     "Alice",
	})
	if !errors.Is(err, conferencestate.ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	if _, err := f.store.Get(ctx, testConference); !errors.Is(err, conferencestate.ErrNotFound) {
		t.Fatalf("expected ended conference to stay gone, got %v", err)
	}
	recs, err := f.store.ListByWorker(ctx, testWorkerA)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records for worker, got %d", len(recs))
	}
}

func TestRejoinClearsStaleGracefulFlag(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.register(t, testWorkerB, testLegB, "Bob")
	ctx := context.Background()

	if _, err := f.processor.ExplicitHangup(ctx, testConference, testWorkerA, false); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if err := f.processor.ParticipantLeft(ctx, testConference, testLegA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	f.register(t, testWorkerA, "CA000000000000000000000000000000A2", "Alice")
	if err := f.processor.RemoveWorker(ctx, testConference, testWorkerB); err != nil {
		t.Fatalf("remove B: %v", err)
	}
	if err := f.processor.ParticipantLeft(ctx, testConference, "CA000000000000000000000000000000A2"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if n := f.bus.Count(disconnectEvent); n != 1 {
		t.Fatalf("expected recovery after rejoin, got %d events", n)
	}
}

func TestHangupEndsSmallConference(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.phone.Participants[testConference] = []telephony.Participant{
		{CallSID: testLegA, Label: "worker"},
		{CallSID: testCustomer, Label: "customer"},
	}

	result, err := f.processor.ExplicitHangup(context.Background(), testConference, testWorkerA, true)
	if err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if !result.ConferenceEnded || len(f.phone.Ended) != 1 {
		t.Fatalf("expected conference to end, got %+v (%v)", result, f.phone.Ended)
	}
}

func TestHangupKeepsLargerConference(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	f.phone.Participants[testConference] = []telephony.Participant{
		{CallSID: testLegA}, {CallSID: testLegB}, {CallSID: testCustomer},
	}

	result, err := f.processor.ExplicitHangup(context.Background(), testConference, testWorkerA, true)
	if err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if result.ConferenceEnded || len(f.phone.Ended) != 0 {
		t.Fatalf("expected conference to stay up, got %+v", result)
	}
}

func TestParticipantModifiedResetsEndOnExit(t *testing.T) {
	f := newFixture(t)
	f.register(t, testWorkerA, testLegA, "Alice")
	ctx := context.Background()

	if err := f.processor.ParticipantModified(ctx, testConference, testLegA, true); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if err := f.processor.ParticipantModified(ctx, testConference, testCustomer, true); err != nil {
		t.Fatalf("modify customer: %v", err)
	}
	if len(f.phone.EndOnExit) != 1 || f.phone.EndOnExit[0].CallSID != testLegA || f.phone.EndOnExit[0].EndOnExit {
		t.Fatalf("unexpected endOnExit calls: %+v", f.phone.EndOnExit)
	}
}

func TestDisconnectTimestampUsesClock(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.processor.SetClock(func() time.Time { return fixed })
	f.register(t, testWorkerA, testLegA, "Alice")

	if err := f.processor.ParticipantLeft(context.Background(), testConference, testLegA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	ev := f.bus.Named(disconnectEvent)[0].(events.NonGracefulDisconnect)
	if !ev.DisconnectedAt.Equal(fixed) {
		t.Fatalf("expected %v, got %v", fixed, ev.DisconnectedAt)
	}
}
