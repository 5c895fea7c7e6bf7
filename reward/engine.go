// Package reward implements the idempotent, rate-limited currency-award engine.
// Each successful award writes one immutable currency_ledger entry keyed by the
// source message id and increments the user's balance aggregate inside a single
// transaction serialized per user by a row lock. All expected outcomes (offline,
// rate limited, duplicate, not eligible) are normal return values, never errors.
package reward

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sweetflips/Kickdashboard-sub005/queue"
	"github.com/Sweetflips/Kickdashboard-sub005/session"
	"github.com/Sweetflips/Kickdashboard-sub005/telemetry"
)

// Ineligibility reasons surfaced in Result.Reason.
const (
	ReasonAwarded          = "awarded"
	ReasonAlreadyProcessed = "already processed"
	ReasonStreamOffline    = "stream offline"
	ReasonSessionEnded     = "session ended"
	ReasonUserNotFound     = "user not found"
	ReasonUserDisconnected = "user disconnected"
	ReasonUserExcluded     = "user excluded"
)

// Result is the tagged outcome of an award attempt.
type Result struct {
	Awarded bool
	Amount  int64
	Reason  string
	// RetryAfter is the remaining rate-limit wait when the award was blocked by
	// the per-user window; zero otherwise.
	RetryAfter time.Duration
}

// Config tunes award amounts and the per-user rate-limit window.
type Config struct {
	BaseAmount    int64
	SubMultiplier int64
	RateWindow    time.Duration
	Retry         RetryPolicy
}

// Engine awards currency for chat messages. It owns all writes to
// currency_ledger and currency_balances.
type Engine struct {
	db       *sql.DB
	sessions session.Resolver
	cfg      Config
	now      func() time.Time
}

// NewEngine constructs an engine on an explicitly injected DB handle and
// session resolver; lifecycle is owned by the process entry point.
func NewEngine(db *sql.DB, sessions session.Resolver, cfg Config) *Engine {
	if cfg.BaseAmount <= 0 {
		cfg.BaseAmount = 10
	}
	if cfg.SubMultiplier <= 0 {
		cfg.SubMultiplier = 1
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy(3, 100*time.Millisecond)
	}
	return &Engine{db: db, sessions: sessions, cfg: cfg, now: time.Now}
}

// Award attempts to pay userID for sourceMessageID within streamSessionID.
// The returned Result is meaningful for every nil-error return; a non-nil error
// means infrastructure failure after retries and the caller should fail the job.
func (e *Engine) Award(ctx context.Context, userID string, streamSessionID *int64, sourceMessageID string, badges map[string]int) (Result, error) {
	// Eligibility: unknown, disconnected, and excluded users never earn.
	var excluded, connected bool
	err := e.db.QueryRowContext(ctx, `SELECT is_excluded, is_connected FROM users WHERE id=$1`, userID).
		Scan(&excluded, &connected)
	if err == sql.ErrNoRows {
		return Result{Reason: ReasonUserNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("award user lookup: %w", err)
	}
	if excluded {
		return Result{Reason: ReasonUserExcluded}, nil
	}
	if !connected {
		return Result{Reason: ReasonUserDisconnected}, nil
	}

	// Offline messages are persisted elsewhere but never paid.
	if streamSessionID == nil {
		telemetry.Inc(telemetry.RewardsOffline)
		return Result{Reason: ReasonStreamOffline}, nil
	}

	// Re-fetch the session fresh rather than trusting a caller-supplied cache;
	// the stream can end between claim and award.
	sess, err := e.sessions.Get(ctx, *streamSessionID)
	if err != nil {
		return Result{}, fmt.Errorf("award session fetch: %w", err)
	}
	if sess == nil || !sess.IsActive() {
		return Result{Reason: ReasonSessionEnded}, nil
	}

	// Cheap idempotency pre-check outside the transaction.
	if amount, ok, err := e.ledgerAmount(ctx, sourceMessageID); err != nil {
		return Result{}, err
	} else if ok {
		telemetry.Inc(telemetry.RewardsDuplicate)
		return Result{Amount: amount, Reason: ReasonAlreadyProcessed}, nil
	}

	amount := e.cfg.BaseAmount
	isSub := queue.HasSubscriberBadge(badges)
	if isSub {
		amount *= e.cfg.SubMultiplier
	}

	var res Result
	start := e.now()
	err = e.cfg.Retry.Do(ctx, func() error {
		var txErr error
		res, txErr = e.awardTx(ctx, userID, sess.ID, sourceMessageID, amount, isSub)
		if txErr != nil && IsTransient(txErr) {
			telemetry.Inc(telemetry.RewardTxRetries)
			slog.Debug("award tx retrying", slog.String("user_id", userID), slog.Any("err", txErr), slog.String("component", "reward"))
		}
		return txErr
	})
	telemetry.Observe(telemetry.AwardTxDuration, e.now().Sub(start).Seconds())
	if err != nil {
		if IsUniqueViolation(err) {
			// Two processes raced past the pre-check; the other one won.
			amount, _, lerr := e.ledgerAmount(ctx, sourceMessageID)
			if lerr != nil {
				return Result{}, lerr
			}
			telemetry.Inc(telemetry.RewardsDuplicate)
			return Result{Amount: amount, Reason: ReasonAlreadyProcessed}, nil
		}
		return Result{}, fmt.Errorf("award tx: %w", err)
	}
	if res.Awarded {
		telemetry.Inc(telemetry.RewardsGranted)
	}
	return res, nil
}

// awardTx runs the locked award transaction. Read-committed suffices: the
// FOR UPDATE row lock on the balance row, not the isolation level, serializes
// concurrent awards to the same user.
func (e *Engine) awardTx(ctx context.Context, userID string, sessionID int64, sourceMessageID string, amount int64, isSub bool) (Result, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Result{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lazily create the aggregate so the row lock below always has a target.
	if _, err := tx.ExecContext(ctx, `INSERT INTO currency_balances (user_id, is_subscriber)
		VALUES ($1,$2) ON CONFLICT (user_id) DO NOTHING`, userID, isSub); err != nil {
		return Result{}, fmt.Errorf("ensure balance row: %w", err)
	}

	var lastAwarded sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT last_awarded_at FROM currency_balances
		WHERE user_id=$1 FOR UPDATE`, userID).Scan(&lastAwarded); err != nil {
		return Result{}, fmt.Errorf("lock balance row: %w", err)
	}

	now := e.now().UTC()
	if lastAwarded.Valid {
		if since := now.Sub(lastAwarded.Time); since < e.cfg.RateWindow {
			remaining := e.cfg.RateWindow - since
			telemetry.Inc(telemetry.RewardsRateLimited)
			return Result{
				Reason:     fmt.Sprintf("rate limited: retry in %s", remaining.Round(time.Second)),
				RetryAfter: remaining,
			}, nil
		}
	}

	// Re-check ledger uniqueness under the lock; a racer may have inserted
	// between the pre-check and here.
	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT amount_earned FROM currency_ledger
		WHERE source_message_id=$1`, sourceMessageID).Scan(&existing)
	if err == nil {
		return Result{Amount: existing, Reason: ReasonAlreadyProcessed}, nil
	}
	if err != sql.ErrNoRows {
		return Result{}, fmt.Errorf("ledger re-check: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO currency_ledger
			(user_id, stream_session_id, amount_earned, source_message_id, earned_at)
		VALUES ($1,$2,$3,$4,$5)`, userID, sessionID, amount, sourceMessageID, now); err != nil {
		return Result{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE currency_balances
		SET total_balance = total_balance + $1, last_awarded_at=$2, is_subscriber=$3, updated_at=NOW()
		WHERE user_id=$4`, amount, now, isSub, userID); err != nil {
		return Result{}, fmt.Errorf("increment balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	return Result{Awarded: true, Amount: amount, Reason: ReasonAwarded}, nil
}

// AwardSecondaryCounter increments the non-rate-limited emote counter for a
// user. It is independent of the primary award and safe to call even when that
// award was rate-limited or the stream is offline.
func (e *Engine) AwardSecondaryCounter(ctx context.Context, userID string, count int) error {
	if count <= 0 {
		return nil
	}
	_, err := e.db.ExecContext(ctx, `INSERT INTO currency_balances (user_id, total_emote_count, updated_at)
		VALUES ($1,$2,NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_emote_count = currency_balances.total_emote_count + EXCLUDED.total_emote_count,
			updated_at=NOW()`, userID, count)
	if err != nil {
		return fmt.Errorf("secondary counter for %s: %w", userID, err)
	}
	return nil
}

func (e *Engine) ledgerAmount(ctx context.Context, sourceMessageID string) (int64, bool, error) {
	var amount int64
	err := e.db.QueryRowContext(ctx, `SELECT amount_earned FROM currency_ledger
		WHERE source_message_id=$1`, sourceMessageID).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ledger lookup: %w", err)
	}
	return amount, true, nil
}

// Balance is the read-only aggregate exposed to achievement/analytics collaborators.
type Balance struct {
	UserID          string
	TotalBalance    int64
	TotalEmoteCount int64
	LastAwardedAt   *time.Time
	IsSubscriber    bool
}

// GetBalance returns the balance aggregate for a user; nil when the user has
// never been awarded.
func (e *Engine) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	var last sql.NullTime
	err := e.db.QueryRowContext(ctx, `SELECT user_id, total_balance, total_emote_count, last_awarded_at, is_subscriber
		FROM currency_balances WHERE user_id=$1`, userID).
		Scan(&b.UserID, &b.TotalBalance, &b.TotalEmoteCount, &last, &b.IsSubscriber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if last.Valid {
		t := last.Time
		b.LastAwardedAt = &t
	}
	return &b, nil
}

// LedgerEntry is one immutable award record.
type LedgerEntry struct {
	ID              int64
	UserID          string
	StreamSessionID int64
	AmountEarned    int64
	SourceMessageID string
	EarnedAt        time.Time
}

// LedgerEntries lists a user's most recent award records, newest first.
func (e *Engine) LedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.QueryContext(ctx, `SELECT id, user_id, stream_session_id, amount_earned, source_message_id, earned_at
		FROM currency_ledger WHERE user_id=$1 ORDER BY earned_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var le LedgerEntry
		if err := rows.Scan(&le.ID, &le.UserID, &le.StreamSessionID, &le.AmountEarned, &le.SourceMessageID, &le.EarnedAt); err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		entries = append(entries, le)
	}
	return entries, rows.Err()
}
