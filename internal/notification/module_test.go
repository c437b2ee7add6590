package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"call_recovery_backend/internal/email"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/events/eventstest"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"
)

const testTaskSID = "WT00000000000000000000000000000001"

type testSender struct {
	mu    sync.Mutex
	sent  []email.Alert
	to    []string
	fails int
}

func (s *testSender) SendAlertEmail(_ context.Context, toEmail string, alert email.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, alert)
	s.to = append(s.to, toEmail)
	return nil
}

func (s *testSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestModule(sender email.Sender, enabled bool) (*Module, *time.Time) {
	cfg := &config.Config{AlertSMTPPort: 587}
	if enabled {
		cfg.AlertSMTPHost = "smtp.example.com"
		cfg.AlertFromAddress = "recovery@example.com"
		cfg.AlertToAddress = "oncall@example.com"
	}
	m := New(sender, cfg, logger.New("test"))
	m.backoff = time.Millisecond
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func criticalAlert() events.RecoveryAlert {
	return events.RecoveryAlert{
		BaseEvent:           events.NewBaseEvent(),
		Severity:            events.AlertSeverityCritical,
		Operation:           "recovery.reconnect.enqueue",
		DisconnectedTaskSID: testTaskSID,
		Message:             "customer could not be redirected",
		Error:               "twilio 500",
	}
}

func TestCriticalAlertIsEmailed(t *testing.T) {
	sender := &testSender{}
	m, _ := newTestModule(sender, true)
	bus := eventstest.NewRecorder()
	m.RegisterHandlers(bus)

	bus.Publish(context.Background(), criticalAlert())

	if sender.count() != 1 {
		t.Fatalf("expected one email, got %d", sender.count())
	}
	if sender.to[0] != "oncall@example.com" {
		t.Fatalf("unexpected recipient %q", sender.to[0])
	}
	got := sender.sent[0]
	if got.Operation != "recovery.reconnect.enqueue" || got.DisconnectedTaskSID != testTaskSID || got.Severity != "critical" {
		t.Fatalf("unexpected alert payload %+v", got)
	}
}

func TestWarningAlertIsOnlyLogged(t *testing.T) {
	sender := &testSender{}
	m, _ := newTestModule(sender, true)

	alert := criticalAlert()
	alert.Severity = events.AlertSeverityWarning
	if err := m.Handle(context.Background(), alert); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("warnings must not be emailed, got %d", sender.count())
	}
}

func TestAlertEmailDisabledWithoutRelay(t *testing.T) {
	sender := &testSender{}
	m, _ := newTestModule(sender, false)

	if err := m.Handle(context.Background(), criticalAlert()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected no email without relay, got %d", sender.count())
	}
}

func TestDuplicateAlertsAreThrottled(t *testing.T) {
	sender := &testSender{}
	m, now := newTestModule(sender, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Handle(ctx, criticalAlert()); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if sender.count() != 1 {
		t.Fatalf("expected duplicates to be throttled, got %d emails", sender.count())
	}

	other := criticalAlert()
	other.DisconnectedTaskSID = "WT00000000000000000000000000000002"
	if err := m.Handle(ctx, other); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 2 {
		t.Fatalf("a different task must not be throttled, got %d emails", sender.count())
	}

	*now = now.Add(alertThrottleWindow)
	if err := m.Handle(ctx, criticalAlert()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 3 {
		t.Fatalf("expected email after the window, got %d", sender.count())
	}
}

func TestAlertEmailRetriesTransientFailures(t *testing.T) {
	sender := &testSender{fails: 2}
	m, _ := newTestModule(sender, true)

	if err := m.Handle(context.Background(), criticalAlert()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected delivery after retries, got %d", sender.count())
	}
}

func TestUndeliveredAlertReleasesThrottle(t *testing.T) {
	sender := &testSender{fails: emailAttempts}
	m, _ := newTestModule(sender, true)
	ctx := context.Background()

	if err := m.Handle(ctx, criticalAlert()); err == nil {
		t.Fatal("expected delivery error")
	}
	if err := m.Handle(ctx, criticalAlert()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected the next alert to be emailed, got %d", sender.count())
	}
}
