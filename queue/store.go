// Package queue implements the durable chat-message job store backing the reward pipeline.
// Jobs are enqueued idempotently by external message id and claimed in atomic batches
// using FOR UPDATE SKIP LOCKED so concurrent claimers never receive overlapping rows.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses. A job is terminal at completed, or at failed once its attempt budget is spent.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// maxErrorLen bounds last_error so a pathological error string can't bloat the row.
const maxErrorLen = 500

// Job is one queued chat event awaiting award and persistence.
type Job struct {
	ID                int64
	ExternalMessageID string
	Payload           []byte
	SenderID          string
	BroadcasterID     string
	StreamSessionID   sql.NullInt64
	Status            string
	Attempts          int
	LockedAt          sql.NullTime
	ProcessedAt       sql.NullTime
	LastError         sql.NullString
	CreatedAt         time.Time
}

// Store provides access to the chat_message_jobs table.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Enqueue upserts a job row keyed by the payload's external message id.
// Redelivery of the same logical event overwrites the payload and resets the
// row to pending instead of creating a duplicate work item.
func (s *Store) Enqueue(ctx context.Context, p *MessagePayload) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("enqueue encode: %w", err)
	}
	var sessionID sql.NullInt64
	if p.SessionID != nil {
		sessionID = sql.NullInt64{Int64: *p.SessionID, Valid: true}
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO chat_message_jobs
			(external_message_id, payload, sender_id, broadcaster_id, stream_session_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,'pending',NOW())
		ON CONFLICT (external_message_id) DO UPDATE SET
			payload=EXCLUDED.payload,
			sender_id=EXCLUDED.sender_id,
			broadcaster_id=EXCLUDED.broadcaster_id,
			stream_session_id=EXCLUDED.stream_session_id,
			status='pending',
			locked_at=NULL,
			last_error=NULL,
			updated_at=NOW()`,
		p.MessageID, raw, p.SenderID, p.BroadcasterID, sessionID)
	if err != nil {
		return fmt.Errorf("enqueue upsert: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to n pending jobs FIFO by creation time.
// Within one transaction it first resets any processing job whose lock is older
// than staleLockTimeout (self-healing after a crashed worker), then selects
// claimable rows with FOR UPDATE SKIP LOCKED and transitions them to processing,
// stamping locked_at and incrementing attempts. Concurrent callers never receive
// overlapping rows.
func (s *Store) ClaimBatch(ctx context.Context, n int, staleLockTimeout time.Duration) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE chat_message_jobs
		SET status='pending', locked_at=NULL, updated_at=NOW()
		WHERE status='processing' AND locked_at < NOW() - $1 * INTERVAL '1 second'`,
		int(staleLockTimeout.Seconds())); err != nil {
		return nil, fmt.Errorf("claim stale reset: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `WITH claimable AS (
			SELECT id FROM chat_message_jobs
			WHERE status='pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE chat_message_jobs j
		SET status='processing', locked_at=NOW(), attempts=j.attempts+1, updated_at=NOW()
		FROM claimable c
		WHERE j.id = c.id
		RETURNING j.id, j.external_message_id, j.payload, j.sender_id, j.broadcaster_id,
			j.stream_session_id, j.status, j.attempts, j.locked_at, j.created_at`, n)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.ExternalMessageID, &j.Payload, &j.SenderID, &j.BroadcasterID,
			&j.StreamSessionID, &j.Status, &j.Attempts, &j.LockedAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return jobs, nil
}

// Complete marks a job done and clears its lock.
func (s *Store) Complete(ctx context.Context, jobID int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE chat_message_jobs
		SET status='completed', processed_at=NOW(), locked_at=NULL, last_error=NULL, updated_at=NOW()
		WHERE id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail records a processing error. While the attempt budget remains the job is
// reset to pending for retry; once exhausted it is parked at failed with the
// (truncated) error retained for operator inspection.
func (s *Store) Fail(ctx context.Context, jobID int64, jobErr error, attempts, maxAttempts int) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	var err error
	if attempts < maxAttempts {
		_, err = s.DB.ExecContext(ctx, `UPDATE chat_message_jobs
			SET status='pending', locked_at=NULL, last_error=$1, updated_at=NOW()
			WHERE id=$2`, msg, jobID)
	} else {
		_, err = s.DB.ExecContext(ctx, `UPDATE chat_message_jobs
			SET status='failed', locked_at=NULL, processed_at=NOW(), last_error=$1, updated_at=NOW()
			WHERE id=$2`, msg, jobID)
	}
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return nil
}

// CountByStatus returns the queue depth per status, for stats logging and /status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM chat_message_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count scan: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PendingCount returns the number of jobs waiting to be claimed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_message_jobs WHERE status='pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Get fetches a single job by id (test and operator tooling helper).
func (s *Store) Get(ctx context.Context, jobID int64) (*Job, error) {
	var j Job
	err := s.DB.QueryRowContext(ctx, `SELECT id, external_message_id, payload, sender_id, broadcaster_id,
			stream_session_id, status, attempts, locked_at, processed_at, last_error, created_at
		FROM chat_message_jobs WHERE id=$1`, jobID).
		Scan(&j.ID, &j.ExternalMessageID, &j.Payload, &j.SenderID, &j.BroadcasterID,
			&j.StreamSessionID, &j.Status, &j.Attempts, &j.LockedAt, &j.ProcessedAt, &j.LastError, &j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return &j, nil
}
