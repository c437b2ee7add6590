package conferencestate

import (
	"testing"
	"time"
)

func TestUpsertWorkerIsIdempotent(t *testing.T) {
	rec := &Record{}
	if !rec.UpsertWorker(Worker{WorkerSID: testWorkerA, LegSID: testLegA}) {
		t.Fatalf("expected first upsert to change the record")
	}
	if rec.UpsertWorker(Worker{WorkerSID: testWorkerA, LegSID: testLegA}) {
		t.Fatalf("expected repeated upsert to be a no-op")
	}
	if !rec.UpsertWorker(Worker{WorkerSID: testWorkerA, LegSID: testLegB}) {
		t.Fatalf("expected new leg to update the worker")
	}
	if len(rec.Workers) != 1 || rec.Workers[0].LegSID != testLegB {
		t.Fatalf("unexpected workers %+v", rec.Workers)
	}
}

func TestCustomerLegIsNeverRestoredAfterLeaving(t *testing.T) {
	rec := &Record{}
	rec.SetCustomerLeg(testCustomer)
	rec.ClearCustomerLeg()
	if rec.SetCustomerLeg(testCustomer) {
		t.Fatalf("expected cleared customer leg to stay cleared")
	}
	if rec.CustomerLegSID != "" {
		t.Fatalf("expected empty customer leg, got %q", rec.CustomerLegSID)
	}
}

func TestDisconnectAgePrefersMarker(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{UpdatedAt: now.Add(-time.Second)}
	if got := rec.DisconnectAge(now); got != time.Second {
		t.Fatalf("expected fallback to UpdatedAt, got %v", got)
	}
	rec.Disconnect = &Disconnect{At: now.Add(-30 * time.Second)}
	if got := rec.DisconnectAge(now); got != 30*time.Second {
		t.Fatalf("expected marker age, got %v", got)
	}
}
