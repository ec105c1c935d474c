package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/llmscore/internal/errors"
)

func newTestSQLiteLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "nested", "ledger.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteLedger() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func setMarkerPID(t *testing.T, l *SQLiteLedger, runID string, pid int) {
	t.Helper()
	if _, err := l.db.Exec(`
		INSERT INTO runs (id, created_at, live_pid, live_host, live_since) VALUES (?, '', ?, 'elsewhere', '')
		ON CONFLICT(id) DO UPDATE SET live_pid = excluded.live_pid, live_host = excluded.live_host`,
		runID, pid); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteLedger_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := NewSQLiteLedger(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append(context.Background(), "r1", okResult("a.md", "p", "openai")); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteLedger(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	var applied int
	if err := reopened.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatal(err)
	}
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatal(err)
	}
	if applied != len(files) {
		t.Errorf("schema_migrations has %d rows, want %d", applied, len(files))
	}
	if keys := reopened.LoadCompletedKeys(context.Background(), "r1"); len(keys) != 1 {
		t.Errorf("results did not survive reopen: %d keys", len(keys))
	}
}

func TestSQLiteLedger_MarkerHeldByLiveProcess(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()
	setMarkerPID(t, l, "r1", os.Getppid())

	if err := l.MarkRunLive(ctx, "r1"); !errors.Is(err, errors.ErrRunLocked) {
		t.Errorf("MarkRunLive() error = %v, want ErrRunLocked", err)
	}
	if _, ok, _ := l.FindResumableRun(ctx); ok {
		t.Error("run held by a live process should not be resumable")
	}
}

func TestSQLiteLedger_StaleMarker(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()
	setMarkerPID(t, l, "r1", deadPID)

	id, ok, err := l.FindResumableRun(ctx)
	if err != nil || !ok || id != "r1" {
		t.Fatalf("FindResumableRun() = %q, %v, %v", id, ok, err)
	}
	if err := l.MarkRunLive(ctx, "r1"); err != nil {
		t.Fatalf("MarkRunLive() over stale marker error = %v", err)
	}
	var pid int
	if err := l.db.QueryRow(`SELECT live_pid FROM runs WHERE id = 'r1'`).Scan(&pid); err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("live_pid = %d, want %d", pid, os.Getpid())
	}
}

func TestSQLiteLedger_Location(t *testing.T) {
	l := newTestSQLiteLedger(t)
	if got := l.Location("r1"); got != l.path+" (run r1)" {
		t.Errorf("Location() = %q", got)
	}
}

func TestVersionFromFilename(t *testing.T) {
	tests := map[string]int{
		"001_init.up.sql":        1,
		"042_add_index.up.sql":   42,
		"not_a_migration.up.sql": 0,
	}
	for name, want := range tests {
		if got := versionFromFilename(name); got != want {
			t.Errorf("versionFromFilename(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestSQLiteLedger_CorruptDatabaseMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	garbage := []byte(strings.Repeat("this is not a sqlite database\n", 200))
	if err := os.WriteFile(path, garbage, 0644); err != nil {
		t.Fatal(err)
	}

	l, err := NewSQLiteLedger(path, nil)
	if err != nil {
		t.Fatalf("NewSQLiteLedger() on a corrupt file error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	if keys := l.LoadCompletedKeys(ctx, "run1"); len(keys) != 0 {
		t.Errorf("LoadCompletedKeys() = %v, want empty", keys)
	}
	if err := l.Append(ctx, "run1", okResult("a.md", "p", "openai")); err != nil {
		t.Fatalf("Append() after recovery error = %v", err)
	}

	aside, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(aside) != 1 {
		t.Fatalf("corrupt copies = %v, %v; want one", aside, err)
	}
	if data, _ := os.ReadFile(aside[0]); string(data) != string(garbage) {
		t.Error("corrupt database content not preserved")
	}
}
