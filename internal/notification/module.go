// Package notification turns recovery alerts into operator notifications.
// Every alert is logged; critical alerts are also emailed to the on-call
// address when an SMTP relay is configured.
package notification

import (
	"context"
	"strings"
	"sync"
	"time"

	"call_recovery_backend/internal/email"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/sethvargo/go-retry"
)

const (
	// Repeated alerts for the same operation and task within this window
	// are logged but not emailed again.
	alertThrottleWindow = 5 * time.Minute

	emailAttempts = 3
	emailBackoff  = 2 * time.Second
	emailTimeout  = 30 * time.Second
)

// Module handles recovery alert events.
type Module struct {
	sender email.Sender
	cfg    config.AlertConfig
	log    *logger.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
	backoff  time.Duration
}

// New creates the notification module.
func New(sender email.Sender, cfg config.AlertConfig, log *logger.Logger) *Module {
	return &Module{
		sender:   sender,
		cfg:      cfg,
		log:      log,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
		backoff:  emailBackoff,
	}
}

// RegisterHandlers subscribes to all relevant domain events on the event bus.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.RecoveryAlert{}.EventName(), m)
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.RecoveryAlert:
		return m.handleRecoveryAlert(ctx, e)
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleRecoveryAlert(ctx context.Context, e events.RecoveryAlert) error {
	log := m.log.WithContext(ctx)
	fields := []any{
		"operation", e.Operation,
		"disconnectedTaskSid", e.DisconnectedTaskSID,
		"conferenceSid", e.ConferenceSID,
		"error", e.Error,
	}

	if e.Severity != events.AlertSeverityCritical {
		log.Warn(e.Message, fields...)
		return nil
	}
	log.Error(e.Message, fields...)

	if !m.cfg.IsAlertEmailEnabled() {
		return nil
	}
	if !m.claimSlot(alertKey(e)) {
		log.Info("alert email throttled", "operation", e.Operation, "disconnectedTaskSid", e.DisconnectedTaskSID)
		return nil
	}

	alert := email.Alert{
		Severity:            string(e.Severity),
		Operation:           e.Operation,
		Message:             e.Message,
		DisconnectedTaskSID: e.DisconnectedTaskSID,
		ConferenceSID:       e.ConferenceSID,
		Error:               e.Error,
		OccurredAt:          occurredAt(e).UTC().Format(time.RFC3339),
	}

	sendCtx, cancel := context.WithTimeout(ctx, emailTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(emailAttempts-1, retry.NewExponential(m.backoff))
	err := retry.Do(sendCtx, backoff, func(ctx context.Context) error {
		if err := m.sender.SendAlertEmail(ctx, m.cfg.GetAlertToAddress(), alert); err != nil {
			log.Warn("alert email failed, retrying", "operation", e.Operation, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		m.releaseSlot(alertKey(e))
		log.Error("alert email not delivered", "operation", e.Operation, "disconnectedTaskSid", e.DisconnectedTaskSID, "error", err)
		return err
	}
	return nil
}

// claimSlot reports whether an email may be sent for key now and records
// the send time. Expired entries are pruned on the way.
func (m *Module) claimSlot(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, at := range m.lastSent {
		if now.Sub(at) >= alertThrottleWindow {
			delete(m.lastSent, k)
		}
	}
	if _, ok := m.lastSent[key]; ok {
		return false
	}
	m.lastSent[key] = now
	return true
}

func (m *Module) releaseSlot(key string) {
	m.mu.Lock()
	delete(m.lastSent, key)
	m.mu.Unlock()
}

func alertKey(e events.RecoveryAlert) string {
	return strings.Join([]string{e.Operation, e.DisconnectedTaskSID, e.ConferenceSID}, "|")
}

func occurredAt(e events.RecoveryAlert) time.Time {
	if at := e.OccurredAt(); !at.IsZero() {
		return at
	}
	return time.Now()
}
