package conferencestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptState is the server-side progress of one recovery attempt.
type AttemptState string

const (
	AttemptPingPending  AttemptState = "ping_pending"
	AttemptReconnecting AttemptState = "reconnecting"
	AttemptRequeue      AttemptState = "requeue"
	AttemptEnqueued     AttemptState = "enqueued"
	AttemptCompleted    AttemptState = "completed"
	AttemptAborted      AttemptState = "aborted"
)

// attemptTransitions lists the allowed next states. enqueued is claimed
// before the customer leg is redirected, so a failed redirect moves it to
// aborted. enqueued is reachable from completed only to release a claim
// whose task completion failed.
var attemptTransitions = map[AttemptState][]AttemptState{
	AttemptPingPending:  {AttemptReconnecting, AttemptRequeue, AttemptAborted},
	AttemptReconnecting: {AttemptEnqueued, AttemptAborted},
	AttemptRequeue:      {AttemptEnqueued, AttemptAborted},
	AttemptEnqueued:     {AttemptCompleted, AttemptAborted},
	AttemptCompleted:    {AttemptEnqueued},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to AttemptState) bool {
	for _, next := range attemptTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s AttemptState) Terminal() bool {
	return s == AttemptCompleted || s == AttemptAborted
}

// Attempt is keyed by the stranded task and is the single source of truth
// for which recovery step already happened.
type Attempt struct {
	DisconnectedTaskSID string          `json:"disconnectedTaskSid"`
	ConferenceSID       string          `json:"conferenceSid"`
	WorkflowSID         string          `json:"workflowSid"`
	TaskAttributes      json.RawMessage `json:"taskAttributes,omitempty"`
	WorkerSID           string          `json:"workerSid"`
	WorkerName          string          `json:"workerName"`
	WorkerLegSID        string          `json:"workerLegSid"`
	CustomerLegSID      string          `json:"customerLegSid"`
	PingTaskSID         string          `json:"pingTaskSid,omitempty"`
	TargetWorkerSID     string          `json:"targetWorkerSid,omitempty"`
	ReconnectTaskSID    string          `json:"reconnectTaskSid,omitempty"`
	State               AttemptState    `json:"state"`
	Detail              string          `json:"detail,omitempty"`
	DisconnectedAt      time.Time       `json:"disconnectedAt"`
	StaleAlertedAt      *time.Time      `json:"staleAlertedAt,omitempty"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// AttemptStore persists recovery attempts.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *Attempt) (bool, error)
	GetAttempt(ctx context.Context, disconnectedTaskSID string) (*Attempt, error)
	UpdateAttempt(ctx context.Context, disconnectedTaskSID string, fn func(a *Attempt) error) (*Attempt, error)
	TransitionAttempt(ctx context.Context, disconnectedTaskSID string, to AttemptState, fn func(a *Attempt)) (*Attempt, error)
	ListAttempts(ctx context.Context) ([]*Attempt, error)
}

const attemptScanCount = 100

func attemptKey(disconnectedTaskSID string) string {
	return "recovery:attempt:" + disconnectedTaskSID
}

// CreateAttempt stores a new attempt in PingPending unless one already
// exists for the task. Reports whether it was created.
func (s *RedisStore) CreateAttempt(ctx context.Context, a *Attempt) (bool, error) {
	if a == nil || a.DisconnectedTaskSID == "" {
		return false, fmt.Errorf("create attempt: task sid is required")
	}
	if a.State == "" {
		a.State = AttemptPingPending
	}
	a.UpdatedAt = s.now()

	data, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("create attempt: encode: %w", err)
	}
	return s.rdb.SetNX(ctx, attemptKey(a.DisconnectedTaskSID), data, s.ttl).Result()
}

// GetAttempt loads an attempt.
func (s *RedisStore) GetAttempt(ctx context.Context, disconnectedTaskSID string) (*Attempt, error) {
	var a *Attempt
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		data, err := s.rdb.Get(ctx, attemptKey(disconnectedTaskSID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return retryable(err)
		}
		a, err = decodeAttempt(data)
		return err
	})
	return a, err
}

// UpdateAttempt edits an attempt without changing its state.
func (s *RedisStore) UpdateAttempt(ctx context.Context, disconnectedTaskSID string, fn func(a *Attempt) error) (*Attempt, error) {
	return s.mutateAttempt(ctx, disconnectedTaskSID, func(a *Attempt) error {
		state := a.State
		if err := fn(a); err != nil {
			return err
		}
		a.State = state
		return nil
	})
}

// TransitionAttempt moves the attempt to the given state if the transition
// table allows it from the stored state. Concurrent callers racing for the
// same transition see exactly one success; the rest get ErrInvalidTransition
// together with the attempt as stored.
func (s *RedisStore) TransitionAttempt(ctx context.Context, disconnectedTaskSID string, to AttemptState, fn func(a *Attempt)) (*Attempt, error) {
	return s.mutateAttempt(ctx, disconnectedTaskSID, func(a *Attempt) error {
		if !CanTransition(a.State, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
		}
		a.State = to
		if fn != nil {
			fn(a)
		}
		return nil
	})
}

func (s *RedisStore) mutateAttempt(ctx context.Context, disconnectedTaskSID string, fn func(a *Attempt) error) (*Attempt, error) {
	key := attemptKey(disconnectedTaskSID)
	var result *Attempt

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		a, err := decodeAttempt(data)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			result = a
			return err
		}
		a.UpdatedAt = s.now()
		encoded, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode attempt: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err == nil {
			result = a
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return result, err
	}
	return result, nil
}

// ListAttempts walks every stored attempt. Attempts expire with the store
// TTL so the key space stays small.
func (s *RedisStore) ListAttempts(ctx context.Context) ([]*Attempt, error) {
	var (
		out    []*Attempt
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, attemptKey("*"), attemptScanCount).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				a, err := decodeAttempt([]byte(raw))
				if err != nil {
					if s.log != nil {
						s.log.Warn("skipping undecodable attempt", "error", err)
					}
					continue
				}
				out = append(out, a)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func decodeAttempt(data []byte) (*Attempt, error) {
	var a Attempt
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &a, nil
}
