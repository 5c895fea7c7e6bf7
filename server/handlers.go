package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sweetflips/Kickdashboard-sub005/db"
	"github.com/Sweetflips/Kickdashboard-sub005/queue"
)

// workerHeartbeatStale bounds how old the worker heartbeat breadcrumb may be
// before readiness reports the pool as absent.
const workerHeartbeatStale = 5 * time.Minute

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests. Ready means the database
// answers and the worker pool has heartbeated recently; a stale heartbeat
// flips readiness so orchestration can restart a wedged instance.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"worker_heartbeat", func() error {
			_, at, err := db.GetKV(r.Context(), h.db, "worker_heartbeat")
			if err != nil {
				return err
			}
			// No breadcrumb yet is fine right after boot; only a stale stamp
			// blocks readiness.
			if !at.IsZero() && time.Since(at) > workerHeartbeatStale {
				return errStaleHeartbeat(at)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type staleHeartbeatError struct{ at time.Time }

func (e staleHeartbeatError) Error() string {
	return "worker heartbeat stale since " + e.at.UTC().Format(time.RFC3339)
}

func errStaleHeartbeat(at time.Time) error { return staleHeartbeatError{at: at} }

// HandleStatus reports a snapshot of queue depth, award totals, and the worker
// heartbeat for dashboards and quick operator checks.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}
	resp["jobs_pending"] = counts[queue.StatusPending]
	resp["jobs_processing"] = counts[queue.StatusProcessing]
	resp["jobs_completed"] = counts[queue.StatusCompleted]
	resp["jobs_failed"] = counts[queue.StatusFailed]

	var awards, totalIssued int64
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(amount_earned),0) FROM currency_ledger`).Scan(&awards, &totalIssued)
	resp["awards_total"] = awards
	resp["currency_issued"] = totalIssued

	var liveSessions int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE ended_at IS NULL`).Scan(&liveSessions)
	resp["live_sessions"] = liveSessions

	if hb, at, err := db.GetKV(ctx, h.db, "worker_heartbeat"); err == nil && hb != "" {
		resp["worker_heartbeat"] = hb
		resp["worker_heartbeat_at"] = at.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
