package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-swarm/internal/persistence"
)

func openTestSQLite(t *testing.T) (*persistence.SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "swarm.db")
	store, err := persistence.OpenSQLite(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestSQLite_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestSQLite(t)
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

	for _, table := range []string{"schema_migrations", "agents", "tasks", "task_deps", "task_events", "messages", "workflows", "workflow_steps"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestSQLite_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestSQLite(t)
	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	checksum := queryOneString(t, store.DB(), `SELECT checksum FROM schema_migrations WHERE version = 1;`)
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestSQLite_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "swarm.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.OpenSQLite(dbPath, persistence.Options{})
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestSQLite_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestSQLite(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.OpenSQLite(dbPath, persistence.Options{})
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestSQLite_OpenRejectsUnknownDriver(t *testing.T) {
	_, err := persistence.OpenSQLite(filepath.Join(t.TempDir(), "swarm.db"), persistence.Options{Driver: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unknown sqlite driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestSQLite_StateSurvivesReopen(t *testing.T) {
	store, dbPath := openTestSQLite(t)
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.Task{Type: "research", AssignedTo: "researcher", Data: map[string]any{"topic": "auth"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimTask(ctx, task.ID, "r-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.OpenSQLite(dbPath, persistence.Options{Driver: persistence.DriverModernc})
	if err != nil {
		t.Fatalf("reopen with second driver: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	got, err := reopened.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskInProgress || got.ClaimedBy != "r-1" || got.Data["topic"] != "auth" {
		t.Fatalf("unexpected task after reopen: %+v", got)
	}
}

// Two handles on one file stand in for two agent processes.
func TestSQLite_ClaimRaceAcrossHandles(t *testing.T) {
	first, dbPath := openTestSQLite(t)
	second, err := persistence.OpenSQLite(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	ctx := context.Background()
	const tasks = 10
	for i := 0; i < tasks; i++ {
		if _, err := first.CreateTask(ctx, persistence.Task{AssignedTo: "coder"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	claims := make([][]string, 2)
	var g errgroup.Group
	for i, store := range []*persistence.SQLiteStore{first, second} {
		agentID := []string{"coder-a", "coder-b"}[i]
		g.Go(func() error {
			for {
				pending, err := store.QueryPending(ctx, agentID, persistence.RoleCoder)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					return nil
				}
				for _, task := range pending {
					if _, err := store.ClaimTask(ctx, task.ID, agentID); err != nil {
						if errors.Is(err, persistence.ErrClaimConflict) {
							continue
						}
						return err
					}
					claims[i] = append(claims[i], task.ID)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim loop: %v", err)
	}

	seen := map[string]bool{}
	for _, ids := range claims {
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("task %s claimed twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != tasks {
		t.Fatalf("expected %d claimed tasks, got %d", tasks, len(seen))
	}
}
