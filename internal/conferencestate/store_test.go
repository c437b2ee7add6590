package conferencestate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"call_recovery_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testConference = "CF00000000000000000000000000000001"
	testTask       = "WT00000000000000000000000000000001"
	testWorkerA    = "WK0000000000000000000000000000000A"
	testWorkerB    = "WK0000000000000000000000000000000B"
	testCustomer   = "CA000000000000000000000000000000C1"
	testLegA       = "CA000000000000000000000000000000A1"
	testLegB       = "CA000000000000000000000000000000B1"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, logger.New("test")), mr
}

func seedRecord(t *testing.T, s *RedisStore) {
	t.Helper()
	rec := &Record{
		ConferenceSID:  testConference,
		TaskSID:        testTask,
		WorkflowSID:    "WW00000000000000000000000000000001",
		TaskAttributes: []byte(`{"call_sid":"` + testCustomer + `"}`),
		CustomerLegSID: testCustomer,
		Workers:        []Worker{{WorkerSID: testWorkerA, LegSID: testLegA, Name: "Alice"}},
	}
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestGetMissingRecordReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), testConference); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutSetsTTLAndIndex(t *testing.T) {
	s, mr := newTestStore(t)
	seedRecord(t, s)

	if ttl := mr.TTL(conferenceKey(testConference)); ttl != DefaultTTL {
		t.Fatalf("expected record ttl %v, got %v", DefaultTTL, ttl)
	}
	members, err := mr.Members(workerKey(testWorkerA))
	if err != nil || len(members) != 1 || members[0] != testConference {
		t.Fatalf("expected worker index to hold the conference, got %v (%v)", members, err)
	}
}

func TestUpdateRefreshesTTL(t *testing.T) {
	s, mr := newTestStore(t)
	seedRecord(t, s)
	mr.FastForward(time.Hour)

	if _, err := s.Update(context.Background(), testConference, func(r *Record) error {
		r.MarkGraceful(testWorkerA)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ttl := mr.TTL(conferenceKey(testConference)); ttl != DefaultTTL {
		t.Fatalf("expected ttl to be refreshed to %v, got %v", DefaultTTL, ttl)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update(context.Background(), testConference, func(*Record) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	s, mr := newTestStore(t)
	seedRecord(t, s)
	mr.FastForward(time.Hour)

	if _, err := s.Update(context.Background(), testConference, func(*Record) error { return ErrNoChange }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ttl := mr.TTL(conferenceKey(testConference)); ttl != DefaultTTL-time.Hour {
		t.Fatalf("expected ttl untouched, got %v", ttl)
	}
}

func TestConcurrentUpsertsKeepWorkersUnique(t *testing.T) {
	s, _ := newTestStore(t)
	seedRecord(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := testWorkerA
			if i%2 == 0 {
				sid = testWorkerB
			}
			if _, err := s.Update(context.Background(), testConference, func(r *Record) error {
				r.UpsertWorker(Worker{WorkerSID: sid, LegSID: testLegB})
				return nil
			}); err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := s.Get(context.Background(), testConference)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	seen := map[string]int{}
	for _, w := range rec.Workers {
		seen[w.WorkerSID]++
	}
	for sid, n := range seen {
		if n != 1 {
			t.Fatalf("worker %s appears %d times", sid, n)
		}
	}
	if len(rec.Workers) != 2 {
		t.Fatalf("expected two workers, got %d", len(rec.Workers))
	}
}

func TestListByWorkerFollowsMembershipAndDisconnect(t *testing.T) {
	s, _ := newTestStore(t)
	seedRecord(t, s)
	ctx := context.Background()

	if _, err := s.Update(ctx, testConference, func(r *Record) error {
		r.UpsertWorker(Worker{WorkerSID: testWorkerB, LegSID: testLegB})
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A leaves non-gracefully: still indexed through the disconnect marker.
	if _, err := s.Update(ctx, testConference, func(r *Record) error {
		r.RemoveWorker(testWorkerA)
		r.Disconnect = &Disconnect{WorkerSID: testWorkerA, LegSID: testLegA, At: time.Now()}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	recs, err := s.ListByWorker(ctx, testWorkerA)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected A to still see the conference, got %d (%v)", len(recs), err)
	}

	// B is removed explicitly: index entry goes away.
	if _, err := s.Update(ctx, testConference, func(r *Record) error {
		r.RemoveWorker(testWorkerB)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	recs, err = s.ListByWorker(ctx, testWorkerB)
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected no conferences for B, got %d (%v)", len(recs), err)
	}
}

func TestEndIsIdempotentAndCleansIndex(t *testing.T) {
	s, mr := newTestStore(t)
	seedRecord(t, s)
	ctx := context.Background()

	if err := s.End(ctx, testConference); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.End(ctx, testConference); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if mr.Exists(workerKey(testWorkerA)) {
		t.Fatalf("expected worker index to be emptied")
	}
	if ttl := mr.TTL(endedKey(testConference)); ttl != EndedTTL {
		t.Fatalf("expected tombstone ttl %s, got %s", EndedTTL, ttl)
	}
}

func TestCreateRefusesEndedConference(t *testing.T) {
	s, mr := newTestStore(t)
	seedRecord(t, s)
	ctx := context.Background()

	if err := s.End(ctx, testConference); err != nil {
		t.Fatalf("end: %v", err)
	}

	rec := &Record{
		ConferenceSID: testConference,
		TaskSID:       testTask,
		Workers:       []Worker{{WorkerSID: testWorkerA, LegSID: testLegA, Name: "Alice"}},
	}
	created, err := s.Create(ctx, rec)
	if !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got created=%v err=%v", created, err)
	}
	if _, err := s.Get(ctx, testConference); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no record after end, got %v", err)
	}
	if mr.Exists(workerKey(testWorkerA)) {
		t.Fatalf("expected no worker index entry for an ended conference")
	}
	if _, err := s.Update(ctx, testConference, func(r *Record) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected update of ended conference to miss, got %v", err)
	}

	// Once the tombstone expires the id is usable again.
	mr.FastForward(EndedTTL)
	if created, err := s.Create(ctx, rec); err != nil || !created {
		t.Fatalf("expected create after tombstone expiry, got created=%v err=%v", created, err)
	}
}

func TestListByWorkerPrunesExpiredRecords(t *testing.T) {
	s, mr := newTestStore(t)
	seedRecord(t, s)
	mr.Del(conferenceKey(testConference))

	recs, err := s.ListByWorker(context.Background(), testWorkerA)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
	if mr.Exists(workerKey(testWorkerA)) {
		t.Fatalf("expected stale index entry to be pruned")
	}
}

func TestCreateDoesNotOverwrite(t *testing.T) {
	s, _ := newTestStore(t)
	seedRecord(t, s)

	created, err := s.Create(context.Background(), &Record{ConferenceSID: testConference, TaskSID: "WTother"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created {
		t.Fatalf("expected create to report existing record")
	}
	rec, _ := s.Get(context.Background(), testConference)
	if rec.TaskSID != testTask {
		t.Fatalf("expected original record to survive, got task %s", rec.TaskSID)
	}
}
