package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/apperr"

	"golang.org/x/sync/errgroup"
)

const mergeConcurrency = 4

// MergeResult reports what happened to each parked participant.
type MergeResult struct {
	Moved   []string `json:"moved"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Merge moves every participant still live in the old conference into the
// reconnect conference, keeping their label and endConferenceOnExit. Each
// participant is handled independently; failures are reported, not retried.
func (d *Dispatcher) Merge(ctx context.Context, fromConferenceSID, toConferenceName string) (MergeResult, error) {
	result := MergeResult{Moved: []string{}, Skipped: []string{}, Failed: []string{}}

	status, err := d.client.FetchConferenceStatus(ctx, fromConferenceSID)
	if errors.Is(err, telephony.ErrNotFound) || (err == nil && status == telephony.ConferenceCompleted) {
		return result, nil
	}
	if err != nil {
		return result, apperr.Transient("fetch conference", err).WithOp("reconnect.Merge")
	}

	participants, err := d.client.ListParticipants(ctx, fromConferenceSID)
	if errors.Is(err, telephony.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return result, apperr.Transient("list participants", err).WithOp("reconnect.Merge")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeConcurrency)

	for _, p := range participants {
		p := p
		g.Go(func() error {
			moved, err := d.moveParticipant(gctx, p, toConferenceName)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed = append(result.Failed, p.CallSID)
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p.CallSID, err))
			case moved:
				result.Moved = append(result.Moved, p.CallSID)
			default:
				result.Skipped = append(result.Skipped, p.CallSID)
			}
			return nil
		})
	}
	_ = g.Wait()

	d.log.WithContext(ctx).Info("conference participants merged",
		"fromConferenceSid", fromConferenceSID,
		"toConference", toConferenceName,
		"moved", len(result.Moved),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed),
	)

	if len(result.Failed) > 0 {
		return result, apperr.Internal("some participants could not be moved").WithOp("reconnect.Merge").WithDetails(result)
	}
	return result, nil
}

// moveParticipant redirects one leg if it is still live.
func (d *Dispatcher) moveParticipant(ctx context.Context, p telephony.Participant, toConferenceName string) (bool, error) {
	status, err := d.client.FetchCallStatus(ctx, p.CallSID)
	if errors.Is(err, telephony.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status != telephony.CallInProgress {
		return false, nil
	}

	err = d.client.RedirectToConference(ctx, telephony.ConferenceMove{
		CallSID:             p.CallSID,
		ConferenceName:      toConferenceName,
		Label:               p.Label,
		EndConferenceOnExit: p.EndConferenceOnExit,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
