package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAttemptNotFound = errors.New("recovery attempt not found")

// Outcome is the last known stage of a recovery attempt.
type Outcome string

const (
	OutcomeStranded    Outcome = "stranded"
	OutcomePinging     Outcome = "pinging"
	OutcomeEnqueued    Outcome = "reconnect_enqueued"
	OutcomeReconnected Outcome = "reconnected"
	OutcomeAborted     Outcome = "aborted"
	OutcomeFailed      Outcome = "failed"
)

// Attempt is one row of the recovery ledger.
type Attempt struct {
	ID                  uuid.UUID
	DisconnectedTaskSID string
	ConferenceSID       string
	WorkerSID           string
	WorkerName          string
	CallerNumber        *string
	PingTaskSID         *string
	ReconnectTaskSID    *string
	TargetWorkerSID     *string
	Outcome             Outcome
	Detail              string
	DisconnectedAt      time.Time
	ResolvedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Progress is a partial update of an attempt. Nil fields are left unchanged.
type Progress struct {
	Outcome          Outcome
	PingTaskSID      *string
	ReconnectTaskSID *string
	TargetWorkerSID  *string
	Detail           *string
	ResolvedAt       *time.Time
}

// Repository provides data access for the recovery ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordDisconnect inserts the ledger row for a stranded task. A redelivered
// disconnect leaves the existing row untouched.
func (r *Repository) RecordDisconnect(ctx context.Context, a Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recovery_attempts (
			id, disconnected_task_sid, conference_sid, worker_sid, worker_name,
			caller_number, outcome, disconnected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (disconnected_task_sid) DO NOTHING
	`, a.ID, a.DisconnectedTaskSID, a.ConferenceSID, a.WorkerSID, a.WorkerName,
		a.CallerNumber, string(OutcomeStranded), a.DisconnectedAt)
	return err
}

// RecordProgress advances an attempt. Terminal rows (resolved_at set) only
// accept further terminal updates so a late intermediate event cannot
// overwrite the final outcome.
func (r *Repository) RecordProgress(ctx context.Context, disconnectedTaskSID string, p Progress) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recovery_attempts SET
			outcome            = $2,
			ping_task_sid      = COALESCE($3, ping_task_sid),
			reconnect_task_sid = COALESCE($4, reconnect_task_sid),
			target_worker_sid  = COALESCE($5, target_worker_sid),
			detail             = COALESCE($6, detail),
			resolved_at        = COALESCE($7, resolved_at),
			updated_at         = now()
		WHERE disconnected_task_sid = $1
		  AND (resolved_at IS NULL OR $7::timestamptz IS NOT NULL)
	`, disconnectedTaskSID, string(p.Outcome), p.PingTaskSID, p.ReconnectTaskSID,
		p.TargetWorkerSID, p.Detail, p.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// GetByTask returns the ledger row for a stranded task.
func (r *Repository) GetByTask(ctx context.Context, disconnectedTaskSID string) (Attempt, error) {
	var a Attempt
	var outcome string
	err := r.pool.QueryRow(ctx, `
		SELECT id, disconnected_task_sid, conference_sid, worker_sid, worker_name,
			caller_number, ping_task_sid, reconnect_task_sid, target_worker_sid,
			outcome, detail, disconnected_at, resolved_at, created_at, updated_at
		FROM recovery_attempts
		WHERE disconnected_task_sid = $1
	`, disconnectedTaskSID).Scan(
		&a.ID, &a.DisconnectedTaskSID, &a.ConferenceSID, &a.WorkerSID, &a.WorkerName,
		&a.CallerNumber, &a.PingTaskSID, &a.ReconnectTaskSID, &a.TargetWorkerSID,
		&outcome, &a.Detail, &a.DisconnectedAt, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrAttemptNotFound
	}
	if err != nil {
		return Attempt{}, err
	}
	a.Outcome = Outcome(outcome)
	return a, nil
}
