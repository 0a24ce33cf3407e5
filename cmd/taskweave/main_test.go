package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/google/uuid"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTW_TEST_KEY=from_file\nTW_TEST_SET=from_file\n\nBROKEN LINE\n=no_key\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("TW_TEST_SET", "from_env")
	t.Setenv("TW_TEST_KEY", "")
	os.Unsetenv("TW_TEST_KEY")

	loadDotEnv(path)

	if got := os.Getenv("TW_TEST_KEY"); got != "from_file" {
		t.Fatalf("TW_TEST_KEY = %q, want from_file", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("TW_TEST_SET"); got != "from_env" {
		t.Fatalf("TW_TEST_SET = %q, want from_env", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoOp(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestRunEnqueue(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskweave.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	sessionID := uuid.NewString()
	if code := runEnqueue(context.Background(), store, sessionID, "user", "hello"); code != 0 {
		t.Fatalf("runEnqueue = %d, want 0", code)
	}
	sessions, err := store.SessionsWithPending(context.Background())
	if err != nil {
		t.Fatalf("sessions with pending: %v", err)
	}
	if len(sessions) != 1 || sessions[0] != sessionID {
		t.Fatalf("sessions = %v, want [%s]", sessions, sessionID)
	}

	if code := runEnqueue(context.Background(), store, sessionID, "user", "  "); code != 2 {
		t.Fatalf("empty text exit code = %d, want 2", code)
	}
	if code := runEnqueue(context.Background(), store, "not-a-uuid", "user", "x"); code != 1 {
		t.Fatalf("bad session exit code = %d, want 1", code)
	}
}
