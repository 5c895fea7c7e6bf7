package reward

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sweetflips/Kickdashboard-sub005/session"
	"github.com/Sweetflips/Kickdashboard-sub005/testutil"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *sql.DB) {
	t.Helper()
	dbx := testutil.SetupTestDB(t)
	if cfg.BaseAmount == 0 {
		cfg.BaseAmount = 10
	}
	if cfg.SubMultiplier == 0 {
		cfg.SubMultiplier = 2
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = 5 * time.Minute
	}
	return NewEngine(dbx, session.NewPGResolver(dbx), cfg), dbx
}

func insertUser(t *testing.T, dbx *sql.DB, excluded, connected bool) string {
	t.Helper()
	id := "u-" + uuid.NewString()
	if _, err := dbx.Exec(`INSERT INTO users (id, username, is_excluded, is_connected) VALUES ($1,$2,$3,$4)`,
		id, "viewer", excluded, connected); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func insertLiveSession(t *testing.T, dbx *sql.DB) int64 {
	t.Helper()
	var id int64
	err := dbx.QueryRow(`INSERT INTO stream_sessions (broadcaster_id, started_at)
		VALUES ($1, NOW() - INTERVAL '1 hour') RETURNING id`, "b-"+uuid.NewString()).Scan(&id)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return id
}

func insertEndedSession(t *testing.T, dbx *sql.DB) int64 {
	t.Helper()
	var id int64
	err := dbx.QueryRow(`INSERT INTO stream_sessions (broadcaster_id, started_at, ended_at)
		VALUES ($1, NOW() - INTERVAL '2 hours', NOW() - INTERVAL '1 hour') RETURNING id`, "b-"+uuid.NewString()).Scan(&id)
	if err != nil {
		t.Fatalf("insert ended session: %v", err)
	}
	return id
}

func ledgerCount(t *testing.T, dbx *sql.DB, msgID string) int {
	t.Helper()
	var n int
	if err := dbx.QueryRow(`SELECT COUNT(1) FROM currency_ledger WHERE source_message_id=$1`, msgID).Scan(&n); err != nil {
		t.Fatalf("ledger count: %v", err)
	}
	return n
}

func TestAwardHappyPath(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertLiveSession(t, dbx)
	msg := "m-" + uuid.NewString()

	res, err := e.Award(ctx, user, &sess, msg, nil)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if !res.Awarded {
		t.Fatalf("awarded = false, reason %q", res.Reason)
	}
	if res.Amount != 10 {
		t.Errorf("amount = %d, want 10", res.Amount)
	}
	if ledgerCount(t, dbx, msg) != 1 {
		t.Errorf("ledger rows = %d, want 1", ledgerCount(t, dbx, msg))
	}
	b, err := e.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b == nil || b.TotalBalance != 10 {
		t.Errorf("balance = %+v, want total 10", b)
	}
	if b.LastAwardedAt == nil {
		t.Errorf("expected last_awarded_at to be stamped")
	}
}

func TestAwardIdempotent(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertLiveSession(t, dbx)
	msg := "m-" + uuid.NewString()

	first, err := e.Award(ctx, user, &sess, msg, nil)
	if err != nil {
		t.Fatalf("award 1: %v", err)
	}
	second, err := e.Award(ctx, user, &sess, msg, nil)
	if err != nil {
		t.Fatalf("award 2: %v", err)
	}
	if !first.Awarded {
		t.Fatalf("first award failed: %q", first.Reason)
	}
	if second.Awarded {
		t.Errorf("second award succeeded; want already processed")
	}
	if second.Reason != ReasonAlreadyProcessed {
		t.Errorf("reason = %q, want %q", second.Reason, ReasonAlreadyProcessed)
	}
	if second.Amount != first.Amount {
		t.Errorf("duplicate reported amount %d, want recorded %d", second.Amount, first.Amount)
	}
	if ledgerCount(t, dbx, msg) != 1 {
		t.Errorf("ledger rows = %d, want exactly 1", ledgerCount(t, dbx, msg))
	}
	b, _ := e.GetBalance(ctx, user)
	if b.TotalBalance != first.Amount {
		t.Errorf("balance = %d, want single increment %d", b.TotalBalance, first.Amount)
	}
}

func TestAwardConcurrentSameMessage(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertLiveSession(t, dbx)
	msg := "m-" + uuid.NewString()

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	awarded := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Award(ctx, user, &sess, msg, nil)
			if err != nil {
				t.Errorf("award: %v", err)
				return
			}
			if res.Awarded {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if awarded != 1 {
		t.Errorf("awarded %d times, want exactly 1", awarded)
	}
	if ledgerCount(t, dbx, msg) != 1 {
		t.Errorf("ledger rows = %d, want 1", ledgerCount(t, dbx, msg))
	}
}

func TestAwardOffline(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	msg := "m-" + uuid.NewString()

	res, err := e.Award(ctx, user, nil, msg, nil)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if res.Awarded || res.Amount != 0 {
		t.Errorf("offline award = %+v, want no award", res)
	}
	if res.Reason != ReasonStreamOffline {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonStreamOffline)
	}
	if ledgerCount(t, dbx, msg) != 0 {
		t.Errorf("ledger rows = %d, want 0", ledgerCount(t, dbx, msg))
	}
}

func TestAwardSessionEnded(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertEndedSession(t, dbx)

	res, err := e.Award(ctx, user, &sess, "m-"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if res.Awarded {
		t.Errorf("awarded for ended session")
	}
	if res.Reason != ReasonSessionEnded {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonSessionEnded)
	}
}

func TestAwardEligibility(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	sess := insertLiveSession(t, dbx)

	res, err := e.Award(ctx, "u-unknown-"+uuid.NewString(), &sess, "m-"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if res.Awarded || res.Reason != ReasonUserNotFound {
		t.Errorf("unknown user: %+v, want %q", res, ReasonUserNotFound)
	}

	excluded := insertUser(t, dbx, true, true)
	res, err = e.Award(ctx, excluded, &sess, "m-"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if res.Awarded || res.Reason != ReasonUserExcluded {
		t.Errorf("excluded user: %+v, want %q", res, ReasonUserExcluded)
	}

	disconnected := insertUser(t, dbx, false, false)
	res, err = e.Award(ctx, disconnected, &sess, "m-"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if res.Awarded || res.Reason != ReasonUserDisconnected {
		t.Errorf("disconnected user: %+v, want %q", res, ReasonUserDisconnected)
	}
}

func TestAwardRateLimited(t *testing.T) {
	e, dbx := newTestEngine(t, Config{RateWindow: 5 * time.Minute})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertLiveSession(t, dbx)

	first, err := e.Award(ctx, user, &sess, "m-"+uuid.NewString(), nil)
	if err != nil || !first.Awarded {
		t.Fatalf("first award: %v %+v", err, first)
	}

	blocked, err := e.Award(ctx, user, &sess, "m-"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("second award: %v", err)
	}
	if blocked.Awarded {
		t.Fatalf("second award inside window succeeded")
	}
	if blocked.Amount != 0 {
		t.Errorf("blocked amount = %d, want 0", blocked.Amount)
	}
	if !strings.Contains(blocked.Reason, "rate limited") {
		t.Errorf("reason = %q, want rate limited with remaining wait", blocked.Reason)
	}
	if blocked.RetryAfter <= 0 || blocked.RetryAfter > 5*time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, window]", blocked.RetryAfter)
	}

	// Simulate the window elapsing; a following award succeeds.
	if _, err := dbx.Exec(`UPDATE currency_balances SET last_awarded_at = NOW() - INTERVAL '301 seconds' WHERE user_id=$1`, user); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	third, err := e.Award(ctx, user, &sess, "m-"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("third award: %v", err)
	}
	if !third.Awarded {
		t.Errorf("award after window elapsed failed: %q", third.Reason)
	}
}

func TestAwardSubscriberMultiplier(t *testing.T) {
	e, dbx := newTestEngine(t, Config{BaseAmount: 10, SubMultiplier: 2})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertLiveSession(t, dbx)

	res, err := e.Award(ctx, user, &sess, "m-"+uuid.NewString(), map[string]int{"subscriber": 6})
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if !res.Awarded || res.Amount != 20 {
		t.Errorf("subscriber award = %+v, want amount 20", res)
	}
}

func TestAwardSecondaryCounter(t *testing.T) {
	e, dbx := newTestEngine(t, Config{})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)

	// Safe even when the user has no balance row yet.
	if err := e.AwardSecondaryCounter(ctx, user, 3); err != nil {
		t.Fatalf("counter: %v", err)
	}
	if err := e.AwardSecondaryCounter(ctx, user, 2); err != nil {
		t.Fatalf("counter 2: %v", err)
	}
	// Zero and negative counts are no-ops.
	if err := e.AwardSecondaryCounter(ctx, user, 0); err != nil {
		t.Fatalf("counter zero: %v", err)
	}
	b, err := e.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b == nil || b.TotalEmoteCount != 5 {
		t.Errorf("emote count = %+v, want 5", b)
	}
	if b.TotalBalance != 0 {
		t.Errorf("secondary counter must not touch total_balance, got %d", b.TotalBalance)
	}
}

func TestLedgerEntries(t *testing.T) {
	e, dbx := newTestEngine(t, Config{RateWindow: time.Millisecond})
	ctx := context.Background()
	user := insertUser(t, dbx, false, true)
	sess := insertLiveSession(t, dbx)

	for i := 0; i < 3; i++ {
		res, err := e.Award(ctx, user, &sess, "m-"+uuid.NewString(), nil)
		if err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
		if !res.Awarded {
			t.Fatalf("award %d blocked: %q", i, res.Reason)
		}
		time.Sleep(5 * time.Millisecond) // clear the tiny rate window
	}
	entries, err := e.LedgerEntries(ctx, user, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
	for _, le := range entries {
		if le.UserID != user || le.AmountEarned != 10 {
			t.Errorf("unexpected entry %+v", le)
		}
	}
}
