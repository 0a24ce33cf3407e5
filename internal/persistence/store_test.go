package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/google/uuid"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskweave.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func newSession(t *testing.T, store *persistence.Store) string {
	t.Helper()
	id := uuid.NewString()
	if err := store.EnsureSession(context.Background(), id); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return id
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
}

func TestStore_ReopenIsNoOp(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskweave.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sessionID := uuid.NewString()
	if err := store.EnsureSession(context.Background(), sessionID); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	exists, err := reopened.SessionExists(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session exists: %v", err)
	}
	if !exists {
		t.Fatal("expected session to survive reopen")
	}
}

func TestStore_RejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskweave.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.DB().Exec(
		`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'tw-v99-future');`,
	); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected error opening store with future schema version")
	}
}

func TestEnsureSession_ValidatesAndIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureSession(ctx, "not-a-uuid"); err == nil {
		t.Fatal("expected error for malformed session id")
	}

	id := uuid.NewString()
	if err := store.EnsureSession(ctx, id); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := store.EnsureSession(ctx, id); err != nil {
		t.Fatalf("ensure session twice: %v", err)
	}

	exists, err := store.SessionExists(ctx, id)
	if err != nil {
		t.Fatalf("session exists: %v", err)
	}
	if !exists {
		t.Fatal("expected session to exist")
	}
}

func TestSessionsWithPending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	withPending := newSession(t, store)
	idle := newSession(t, store)
	_ = idle

	if _, err := store.AddMessage(ctx, withPending, "user", []persistence.MessagePart{{Type: "text", Text: "hi"}}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	sessions, err := store.SessionsWithPending(ctx)
	if err != nil {
		t.Fatalf("sessions with pending: %v", err)
	}
	if len(sessions) != 1 || sessions[0] != withPending {
		t.Fatalf("sessions = %v, want [%s]", sessions, withPending)
	}
}
