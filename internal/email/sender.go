// Package email renders and delivers operator emails.
package email

import (
	"context"

	"call_recovery_backend/platform/config"
)

// Alert is the content of an operator alert email.
type Alert struct {
	Severity            string
	Operation           string
	Message             string
	DisconnectedTaskSID string
	ConferenceSID       string
	Error               string
	OccurredAt          string
}

type Sender interface {
	SendAlertEmail(ctx context.Context, toEmail string, alert Alert) error
}

type NoopSender struct{}

func (NoopSender) SendAlertEmail(ctx context.Context, toEmail string, alert Alert) error {
	return nil
}

// NewSender returns an SMTP sender when alert email is configured and a
// no-op sender otherwise.
func NewSender(cfg config.AlertConfig) Sender {
	if !cfg.IsAlertEmailEnabled() {
		return NoopSender{}
	}
	return NewSMTPSender(
		cfg.GetAlertSMTPHost(),
		cfg.GetAlertSMTPPort(),
		cfg.GetAlertSMTPUsername(),
		cfg.GetAlertSMTPPassword(),
		cfg.GetAlertFromAddress(),
		fromName,
	)
}
