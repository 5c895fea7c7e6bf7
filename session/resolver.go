// Package session resolves broadcast stream sessions for inbound chat events.
// Sessions are created and ended by the stream-tracking surface; this package
// only reads them to route messages online or offline.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session is a read-only view of one broadcast. EndedAt nil means live.
type Session struct {
	ID            int64
	BroadcasterID string
	StartedAt     time.Time
	EndedAt       *time.Time
}

// IsActive reports whether the session is still live.
func (s *Session) IsActive() bool { return s != nil && s.EndedAt == nil }

// Resolver finds the stream session enclosing an event timestamp.
// A nil session with nil error means no session covers the event (offline).
type Resolver interface {
	Resolve(ctx context.Context, broadcasterID string, eventTime time.Time) (*Session, error)
	Get(ctx context.Context, sessionID int64) (*Session, error)
}

// PGResolver reads stream_sessions from Postgres.
type PGResolver struct {
	DB *sql.DB
}

func NewPGResolver(db *sql.DB) *PGResolver { return &PGResolver{DB: db} }

// Resolve returns the most recent session for broadcasterID that started at or
// before eventTime and either is still live or ended after it.
func (r *PGResolver) Resolve(ctx context.Context, broadcasterID string, eventTime time.Time) (*Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, broadcaster_id, started_at, ended_at
		FROM stream_sessions
		WHERE broadcaster_id=$1 AND started_at <= $2 AND (ended_at IS NULL OR ended_at >= $2)
		ORDER BY started_at DESC
		LIMIT 1`, broadcasterID, eventTime)
	return scanSession(row)
}

// Get fetches a session by id; nil when absent.
func (r *PGResolver) Get(ctx context.Context, sessionID int64) (*Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, broadcaster_id, started_at, ended_at
		FROM stream_sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var ended sql.NullTime
	if err := row.Scan(&s.ID, &s.BroadcasterID, &s.StartedAt, &ended); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}
