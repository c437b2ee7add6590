package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/platform/logger"
)

const (
	defaultAttemptSweepInterval = time.Minute
	defaultAttemptStaleAfter    = 2 * time.Minute

	// A disconnect younger than this is still on its way through the bus.
	orphanGrace = 30 * time.Second
	// Older disconnects are past any useful recovery.
	orphanMaxAge = 15 * time.Minute
)

// DisconnectLister finds conference records that stranded a customer.
type DisconnectLister interface {
	ListDisconnected(ctx context.Context) ([]*conferencestate.Record, error)
}

// DisconnectHandler starts recovery for a stranded call. It must be
// idempotent per stranded task.
type DisconnectHandler interface {
	HandleDisconnect(ctx context.Context, ev events.NonGracefulDisconnect) error
}

// AttemptSweeper periodically looks for recovery attempts that stopped
// progressing and raises one warning alert per attempt. With recovery
// enabled it also restarts disconnects that never got an attempt.
type AttemptSweeper struct {
	store      conferencestate.AttemptStore
	bus        events.Bus
	log        *logger.Logger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	records DisconnectLister
	handler DisconnectHandler
}

func NewAttemptSweeper(store conferencestate.AttemptStore, bus events.Bus, log *logger.Logger, interval, staleAfter time.Duration) *AttemptSweeper {
	if interval <= 0 {
		interval = defaultAttemptSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultAttemptStaleAfter
	}

	return &AttemptSweeper{
		store:      store,
		bus:        bus,
		log:        log,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// WithDisconnectRecovery makes every sweep restart recovery for stranded
// conferences that have no attempt.
func (s *AttemptSweeper) WithDisconnectRecovery(records DisconnectLister, handler DisconnectHandler) *AttemptSweeper {
	s.records = records
	s.handler = handler
	return s
}

func (s *AttemptSweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}

	s.recoverOrphans(ctx)
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverOrphans(ctx)
			s.sweep(ctx)
		}
	}
}

func (s *AttemptSweeper) sweep(ctx context.Context) int {
	attempts, err := s.store.ListAttempts(ctx)
	if err != nil {
		s.log.Warn("recovery attempt sweep failed", "error", err)
		return 0
	}

	now := s.now()
	alerted := 0
	for _, a := range attempts {
		if a.State.Terminal() || a.StaleAlertedAt != nil || now.Sub(a.UpdatedAt) < s.staleAfter {
			continue
		}

		marked := false
		_, err := s.store.UpdateAttempt(ctx, a.DisconnectedTaskSID, func(cur *conferencestate.Attempt) error {
			if cur.State.Terminal() || cur.StaleAlertedAt != nil {
				return conferencestate.ErrNoChange
			}
			at := now
			cur.StaleAlertedAt = &at
			marked = true
			return nil
		})
		if err != nil || !marked {
			continue
		}

		alerted++
		s.bus.Publish(ctx, events.RecoveryAlert{
			BaseEvent:           events.NewBaseEvent(),
			Severity:            events.AlertSeverityWarning,
			Operation:           "recovery.attempt.stale",
			DisconnectedTaskSID: a.DisconnectedTaskSID,
			ConferenceSID:       a.ConferenceSID,
			Message:             fmt.Sprintf("recovery attempt stuck in %s since %s", a.State, a.UpdatedAt.UTC().Format(time.RFC3339)),
		})
	}

	if alerted > 0 {
		s.log.Info("recovery attempt sweep raised alerts", "alerted", alerted)
	}
	return alerted
}

// recoverOrphans hands stranded conferences without an attempt back to
// recovery. This covers a NonGracefulDisconnect lost to a crash or a failed
// attempt write.
func (s *AttemptSweeper) recoverOrphans(ctx context.Context) int {
	if s.records == nil || s.handler == nil {
		return 0
	}
	records, err := s.records.ListDisconnected(ctx)
	if err != nil {
		s.log.Warn("stranded conference sweep failed", "error", err)
		return 0
	}

	now := s.now()
	recovered := 0
	for _, r := range records {
		d := r.Disconnect
		if r.TaskSID == "" || r.CustomerLeft || r.CustomerLegSID == "" {
			continue
		}
		if age := now.Sub(d.At); age < orphanGrace || age > orphanMaxAge {
			continue
		}
		if _, err := s.store.GetAttempt(ctx, r.TaskSID); !errors.Is(err, conferencestate.ErrNotFound) {
			continue
		}

		s.log.Warn("restarting recovery for stranded conference without attempt", "conferenceSid", r.ConferenceSID, "taskSid", r.TaskSID, "workerSid", d.WorkerSID)
		err := s.handler.HandleDisconnect(ctx, events.NonGracefulDisconnect{
			BaseEvent:      events.NewBaseEvent(),
			ConferenceSID:  r.ConferenceSID,
			TaskSID:        r.TaskSID,
			WorkflowSID:    r.WorkflowSID,
			TaskAttributes: r.TaskAttributes,
			WorkerSID:      d.WorkerSID,
			WorkerName:     d.WorkerName,
			WorkerLegSID:   d.LegSID,
			CustomerLegSID: r.CustomerLegSID,
			DisconnectedAt: d.At,
		})
		if err != nil {
			s.log.Error("recovery restart failed", "conferenceSid", r.ConferenceSID, "taskSid", r.TaskSID, "error", err)
			continue
		}
		recovered++
	}
	return recovered
}
