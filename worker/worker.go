// Package worker runs the chat-message job pipeline: claim a batch, resolve the
// stream session, persist the message, award currency, and mark the job done.
// Exactly one pool instance per queue is active at a time, enforced by a
// Postgres advisory lock; claim atomicity in the store already prevents double
// processing, the singleton lock just avoids competing polls from two fleets.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sweetflips/Kickdashboard-sub005/db"
	"github.com/Sweetflips/Kickdashboard-sub005/queue"
	"github.com/Sweetflips/Kickdashboard-sub005/reward"
	"github.com/Sweetflips/Kickdashboard-sub005/session"
	"github.com/Sweetflips/Kickdashboard-sub005/telemetry"
)

// QueueName identifies the one logical queue this pool consumes.
const QueueName = "chat_message_jobs"

// errMalformedPayload marks a job whose payload fails schema validation; such
// jobs are quarantined at failed immediately instead of burning retries.
var errMalformedPayload = errors.New("malformed payload")

// Config tunes the poll loop. Zero values are replaced with defaults in New.
type Config struct {
	BatchSize        int
	PollInterval     time.Duration
	Concurrency      int
	StaleLockTimeout time.Duration
	StatsInterval    time.Duration
	DrainTimeout     time.Duration
	MaxAttempts      int
	Verbose          bool
}

// Pool is a single-instance consumer group for the chat-message queue.
type Pool struct {
	dbc        *sql.DB
	store      *queue.Store
	engine     *reward.Engine
	sessions   session.Resolver
	cfg        Config
	instanceID string

	slots chan struct{}
	wg    sync.WaitGroup
}

// New constructs a pool with explicitly injected dependencies; the DB handle's
// lifecycle is owned by the process entry point.
func New(dbc *sql.DB, store *queue.Store, engine *reward.Engine, sessions session.Resolver, cfg Config) *Pool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StaleLockTimeout <= 0 {
		cfg.StaleLockTimeout = 2 * time.Minute
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 20 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Pool{
		dbc:        dbc,
		store:      store,
		engine:     engine,
		sessions:   sessions,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		slots:      make(chan struct{}, cfg.Concurrency),
	}
}

// lockKey derives a stable advisory-lock key for a queue name.
func lockKey(queueName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(queueName))
	return int64(h.Sum64())
}

// Run acquires the singleton lock and drives the poll loop until ctx is
// canceled, then drains in-flight jobs up to the drain timeout. If another
// instance holds the lock, Run exits cleanly without error.
func (p *Pool) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "worker"), slog.String("instance", p.instanceID))

	// The advisory lock is session-scoped, so it needs a dedicated connection
	// held for the lifetime of the pool.
	conn, err := p.dbc.Conn(ctx)
	if err != nil {
		return fmt.Errorf("worker lock conn: %w", err)
	}
	key := lockKey(QueueName)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return fmt.Errorf("worker lock acquire: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		logger.Info("another worker instance holds the queue lock; exiting")
		return nil
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			logger.Warn("advisory unlock failed", slog.Any("err", err))
		}
		_ = conn.Close()
	}()

	logger.Info("worker pool starting",
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Duration("stale_lock_timeout", p.cfg.StaleLockTimeout))

	// In-flight jobs run on a context detached from the shutdown signal so a
	// SIGTERM mid-job lets the job finish inside the drain window instead of
	// failing it with a spurious cancellation. cancelJobs is the hard deadline.
	jobCtx, cancelJobs := jobContext(ctx)
	defer cancelJobs()

	statsTicker := time.NewTicker(p.cfg.StatsInterval)
	defer statsTicker.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Kick an immediate poll so we don't wait a full interval after boot.
	p.pollOnce(ctx, jobCtx, logger)
	for {
		select {
		case <-ctx.Done():
			p.drain(logger, cancelJobs)
			return nil
		case <-ticker.C:
			p.pollOnce(ctx, jobCtx, logger)
		case <-statsTicker.C:
			p.logStats(ctx, logger)
		}
	}
}

// jobContext derives the per-job context: it survives cancellation of the poll
// context and stops only via the returned cancel func.
func jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(ctx))
}

// pollOnce claims up to the remaining slot capacity and dispatches each job
// onto its own goroutine. Claiming uses the poll context so shutdown stops new
// work immediately; dispatched jobs run on jobCtx and are covered by the drain.
func (p *Pool) pollOnce(ctx, jobCtx context.Context, logger *slog.Logger) {
	capacity := p.cfg.Concurrency - len(p.slots)
	if capacity <= 0 {
		return
	}
	n := capacity
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	jobs, err := p.store.ClaimBatch(ctx, n, p.cfg.StaleLockTimeout)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("claim batch failed", slog.Any("err", err))
		}
		return
	}
	if len(jobs) == 0 {
		return
	}
	if telemetry.JobsClaimed != nil {
		telemetry.JobsClaimed.Add(float64(len(jobs)))
	}
	if p.cfg.Verbose {
		logger.Debug("claimed batch", slog.Int("jobs", len(jobs)))
	}
	for _, j := range jobs {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		telemetry.SetInflight(len(p.slots))
		p.wg.Add(1)
		job := j
		go p.process(jobCtx, job, logger)
	}
}

// process drives one claimed job end to end. A panic or error in one job must
// not crash the loop; it is converted into Fail and the loop continues.
func (p *Pool) process(ctx context.Context, job queue.Job, logger *slog.Logger) {
	defer p.wg.Done()
	defer func() {
		<-p.slots
		telemetry.SetInflight(len(p.slots))
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panic", slog.Int64("job_id", job.ID), slog.Any("panic", r))
			p.finish(ctx, job, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	start := time.Now()
	err := p.handle(ctx, job, logger)
	if telemetry.JobProcessDuration != nil {
		telemetry.JobProcessDuration.Observe(time.Since(start).Seconds())
	}
	p.finish(ctx, job, err, logger)
}

// finish records the job outcome in the store. Completion/failure writes use a
// fresh deadline detached from ctx so a shutdown mid-job still records state.
func (p *Pool) finish(ctx context.Context, job queue.Job, jobErr error, logger *slog.Logger) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if jobErr == nil {
		if err := p.store.Complete(finishCtx, job.ID); err != nil {
			logger.Error("complete failed", slog.Int64("job_id", job.ID), slog.Any("err", err))
			return
		}
		if telemetry.JobsCompleted != nil {
			telemetry.JobsCompleted.Inc()
		}
		return
	}

	attempts := job.Attempts
	if errors.Is(jobErr, errMalformedPayload) {
		// Quarantine: retrying will not fix a bad payload.
		attempts = p.cfg.MaxAttempts
	}
	if err := p.store.Fail(finishCtx, job.ID, jobErr, attempts, p.cfg.MaxAttempts); err != nil {
		logger.Error("fail mark failed", slog.Int64("job_id", job.ID), slog.Any("err", err))
		return
	}
	if telemetry.JobsFailed != nil {
		telemetry.JobsFailed.Inc()
	}
	if attempts < p.cfg.MaxAttempts {
		if telemetry.JobsRetried != nil {
			telemetry.JobsRetried.Inc()
		}
		logger.Warn("job failed; will retry", slog.Int64("job_id", job.ID), slog.Int("attempts", attempts), slog.Any("err", jobErr))
	} else {
		logger.Error("job failed permanently", slog.Int64("job_id", job.ID), slog.Int("attempts", attempts), slog.Any("err", jobErr))
	}
}

// handle runs the per-job pipeline: parse, resolve session, persist message,
// award, secondary counter. Expected award outcomes (offline, rate limited,
// duplicate, not eligible) are not job errors.
func (p *Pool) handle(ctx context.Context, job queue.Job, logger *slog.Logger) error {
	payload, err := queue.ParsePayload(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedPayload, err)
	}

	sessionID := p.resolveSession(ctx, payload, logger)

	if err := p.persistMessage(ctx, job, payload, sessionID); err != nil {
		return err
	}

	res, err := p.engine.Award(ctx, payload.SenderID, sessionID, payload.MessageID, payload.Badges)
	if err != nil {
		return fmt.Errorf("award: %w", err)
	}
	if p.cfg.Verbose {
		logger.Debug("award outcome",
			slog.Int64("job_id", job.ID),
			slog.String("user_id", payload.SenderID),
			slog.Bool("awarded", res.Awarded),
			slog.Int64("amount", res.Amount),
			slog.String("reason", res.Reason))
	}

	// The emote counter is decoupled analytics: best-effort, never rate
	// limited, and a failure here must not re-run the whole job.
	if n := len(payload.Emotes); n > 0 {
		if err := p.engine.AwardSecondaryCounter(ctx, payload.SenderID, n); err != nil {
			logger.Warn("secondary counter failed", slog.String("user_id", payload.SenderID), slog.Any("err", err))
		}
	}
	return nil
}

// resolveSession returns the live session id for the event, or nil for offline.
// A payload-supplied session id is trusted only when the producer also marked
// the session live; a hint without the flag is stale and gets re-resolved with
// the event timestamp. Resolution failure degrades to offline so message
// persistence stays available even when session lookup is broken.
func (p *Pool) resolveSession(ctx context.Context, payload *queue.MessagePayload, logger *slog.Logger) *int64 {
	if payload.SessionID != nil && payload.SessionLive {
		return payload.SessionID
	}
	sess, err := p.sessions.Resolve(ctx, payload.BroadcasterID, payload.SentAt)
	if err != nil {
		logger.Warn("session resolve failed; treating message as offline",
			slog.String("broadcaster_id", payload.BroadcasterID), slog.Any("err", err))
		return nil
	}
	if sess == nil {
		return nil
	}
	return &sess.ID
}

// persistMessage archives the chat message durably, online or offline.
// Keyed on the external message id so redelivered jobs don't duplicate rows.
func (p *Pool) persistMessage(ctx context.Context, job queue.Job, payload *queue.MessagePayload, sessionID *int64) error {
	var sid sql.NullInt64
	if sessionID != nil {
		sid = sql.NullInt64{Int64: *sessionID, Valid: true}
	}
	// json.Marshal sorts map keys, so the stored badge set is deterministic.
	badges := ""
	if len(payload.Badges) > 0 {
		raw, err := json.Marshal(payload.Badges)
		if err != nil {
			return fmt.Errorf("encode badges for %s: %w", payload.MessageID, err)
		}
		badges = string(raw)
	}
	_, err := p.dbc.ExecContext(ctx, `INSERT INTO chat_messages
			(external_message_id, stream_session_id, sender_id, broadcaster_id, username, content, emote_count, badges, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (external_message_id) DO NOTHING`,
		payload.MessageID, sid, payload.SenderID, payload.BroadcasterID, payload.Username,
		payload.Content, len(payload.Emotes), badges, payload.SentAt)
	if err != nil {
		return fmt.Errorf("persist message %s: %w", payload.MessageID, err)
	}
	return nil
}

// drain waits for in-flight jobs up to the drain timeout. Past the deadline it
// cancels the job context; the aborted jobs record a Fail and are retried (or
// reclaimed by stale-lock recovery) on the next run.
func (p *Pool) drain(logger *slog.Logger, cancelJobs context.CancelFunc) {
	logger.Info("worker draining", slog.Int("inflight", len(p.slots)), slog.Duration("timeout", p.cfg.DrainTimeout))
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker drained")
	case <-time.After(p.cfg.DrainTimeout):
		logger.Warn("drain deadline exceeded; canceling in-flight jobs",
			slog.Int("inflight", len(p.slots)))
		cancelJobs()
		<-done
	}
}

// logStats emits a periodic queue snapshot and writes a heartbeat breadcrumb.
func (p *Pool) logStats(ctx context.Context, logger *slog.Logger) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("stats query failed", slog.Any("err", err))
		}
		return
	}
	telemetry.SetQueueDepth(counts[queue.StatusPending])
	logger.Info("queue stats",
		slog.Int("pending", counts[queue.StatusPending]),
		slog.Int("processing", counts[queue.StatusProcessing]),
		slog.Int("completed", counts[queue.StatusCompleted]),
		slog.Int("failed", counts[queue.StatusFailed]),
		slog.Int("inflight", len(p.slots)))
	if err := db.SetKV(ctx, p.dbc, "worker_heartbeat", p.instanceID+" "+time.Now().UTC().Format(time.RFC3339)); err != nil && ctx.Err() == nil {
		logger.Warn("heartbeat write failed", slog.Any("err", err))
	}
}
