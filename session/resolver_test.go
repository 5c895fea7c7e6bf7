package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sweetflips/Kickdashboard-sub005/testutil"
)

func insertSession(t *testing.T, r *PGResolver, broadcaster string, started time.Time, ended *time.Time) int64 {
	t.Helper()
	var id int64
	err := r.DB.QueryRow(`INSERT INTO stream_sessions (broadcaster_id, started_at, ended_at)
		VALUES ($1,$2,$3) RETURNING id`, broadcaster, started, ended).Scan(&id)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return id
}

func TestResolveLiveSession(t *testing.T) {
	r := NewPGResolver(testutil.SetupTestDB(t))
	ctx := context.Background()
	broadcaster := "b-" + uuid.NewString()

	started := time.Now().UTC().Add(-time.Hour)
	id := insertSession(t, r, broadcaster, started, nil)

	s, err := r.Resolve(ctx, broadcaster, time.Now().UTC())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s == nil {
		t.Fatal("expected session, got nil")
	}
	if s.ID != id {
		t.Errorf("session id = %d, want %d", s.ID, id)
	}
	if !s.IsActive() {
		t.Errorf("expected live session to be active")
	}
}

func TestResolveOffline(t *testing.T) {
	r := NewPGResolver(testutil.SetupTestDB(t))
	ctx := context.Background()
	broadcaster := "b-" + uuid.NewString()

	// Session ended an hour ago; an event now falls outside any window.
	started := time.Now().UTC().Add(-3 * time.Hour)
	ended := time.Now().UTC().Add(-time.Hour)
	insertSession(t, r, broadcaster, started, &ended)

	s, err := r.Resolve(ctx, broadcaster, time.Now().UTC())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s != nil {
		t.Errorf("expected nil session for offline event, got %+v", s)
	}
}

func TestResolveEventInsideEndedSession(t *testing.T) {
	r := NewPGResolver(testutil.SetupTestDB(t))
	ctx := context.Background()
	broadcaster := "b-" + uuid.NewString()

	started := time.Now().UTC().Add(-3 * time.Hour)
	ended := time.Now().UTC().Add(-time.Hour)
	id := insertSession(t, r, broadcaster, started, &ended)

	// Event timestamped during the session resolves to it, but it is not active.
	s, err := r.Resolve(ctx, broadcaster, started.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s == nil || s.ID != id {
		t.Fatalf("expected session %d, got %+v", id, s)
	}
	if s.IsActive() {
		t.Errorf("ended session reported active")
	}
}

func TestGet(t *testing.T) {
	r := NewPGResolver(testutil.SetupTestDB(t))
	ctx := context.Background()
	broadcaster := "b-" + uuid.NewString()
	id := insertSession(t, r, broadcaster, time.Now().UTC().Add(-time.Minute), nil)

	s, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s == nil || s.BroadcasterID != broadcaster {
		t.Fatalf("unexpected session: %+v", s)
	}

	s, err = r.Get(ctx, -1)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if s != nil {
		t.Errorf("expected nil for unknown session id")
	}
}
