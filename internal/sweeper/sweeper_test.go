package sweeper_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/sweeper"
	"github.com/google/uuid"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskweave.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := sweeper.New(sweeper.Config{Store: openStore(t), Schedule: "not a cron line"})
	if err == nil {
		t.Fatal("expected error for unparsable schedule")
	}
}

func TestSweep_RequeuesExpiredClaims(t *testing.T) {
	store := openStore(t)
	sessionID := uuid.NewString()
	if err := store.EnsureSession(context.Background(), sessionID); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	id, err := store.AddMessage(context.Background(), sessionID, "user", []persistence.MessagePart{{Type: "text", Text: "x"}})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := store.ClaimPending(context.Background(), sessionID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Backdate the claim well past the timeout instead of sleeping
	// through CURRENT_TIMESTAMP's second granularity.
	if _, err := store.DB().Exec(`
		UPDATE messages SET claimed_at = datetime('now', '-1 hour') WHERE id = ?;
	`, id); err != nil {
		t.Fatalf("backdate claim: %v", err)
	}

	s, err := sweeper.New(sweeper.Config{Store: store, StuckTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Sweep(context.Background())

	status, err := store.MessageStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("message status: %v", err)
	}
	if status != persistence.ProcessingPending {
		t.Fatalf("status = %s, want pending", status)
	}
}

func TestSweep_LeavesFreshClaimsAlone(t *testing.T) {
	store := openStore(t)
	sessionID := uuid.NewString()
	if err := store.EnsureSession(context.Background(), sessionID); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	id, err := store.AddMessage(context.Background(), sessionID, "user", []persistence.MessagePart{{Type: "text", Text: "x"}})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := store.ClaimPending(context.Background(), sessionID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	s, err := sweeper.New(sweeper.Config{Store: store, StuckTimeout: time.Hour})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Sweep(context.Background())

	status, err := store.MessageStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("message status: %v", err)
	}
	if status != persistence.ProcessingRunning {
		t.Fatalf("status = %s, want claim left running", status)
	}
}

func TestStartStop(t *testing.T) {
	s, err := sweeper.New(sweeper.Config{Store: openStore(t)})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Start(context.Background())
	s.Stop()
}
