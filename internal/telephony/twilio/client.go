// Package twilio implements the telephony collaborators with twilio-go.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/sethvargo/go-retry"
	twiliogo "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
)

const (
	requestTimeout = 5 * time.Second
	retryBackoff   = 200 * time.Millisecond
	maxRetries     = 1
)

// Client implements telephony.Client.
type Client struct {
	rest         *twiliogo.RestClient
	workspaceSID string
	log          *logger.Logger
}

var _ telephony.Client = (*Client)(nil)

// New builds a client from account credentials.
func New(cfg config.TwilioConfig, log *logger.Logger) *Client {
	rest := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.GetTwilioAccountSID(),
		Password: cfg.GetTwilioAuthToken(),
	})
	rest.SetTimeout(requestTimeout)
	return &Client{
		rest:         rest,
		workspaceSID: cfg.GetTwilioWorkspaceSID(),
		log:          log,
	}
}

// call runs fn once more after a short pause when it failed with a
// retryable error. 404s map to telephony.ErrNotFound.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	backoff := retry.WithMaxRetries(maxRetries, retry.NewConstant(retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if isNotFound(err) {
			return telephony.ErrNotFound
		}
		if isRetryable(err) {
			c.log.Debug("telephony call failed, retrying", "op", op, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && !errors.Is(err, telephony.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

func isNotFound(err error) bool {
	var restErr *twilioclient.TwilioRestError
	return errors.As(err, &restErr) && restErr.Status == http.StatusNotFound
}

// Rate limits and server errors are retried; other API errors are not.
// Errors that are not API errors are transport failures and are retried.
func isRetryable(err error) bool {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
