package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "gs-v1-2026-10-02-swarm-core",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				role TEXT NOT NULL CHECK(role IN ('coordinator', 'coder', 'reviewer', 'rewriter', 'file_manager', 'git_manager', 'researcher', 'tester', 'helper')),
				status TEXT NOT NULL CHECK(status IN ('active', 'inactive')),
				pid INTEGER NOT NULL DEFAULT 0,
				last_seen TEXT NOT NULL,
				registered_at TEXT NOT NULL,
				deactivated_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				description TEXT NOT NULL,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				assigned_to TEXT NOT NULL,
				created_by TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'completed', 'failed')),
				priority INTEGER NOT NULL DEFAULT 0,
				data JSON NOT NULL DEFAULT '{}',
				workflow_id TEXT REFERENCES workflows(id),
				result JSON,
				claimed_by TEXT NOT NULL DEFAULT '',
				claim_version INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS task_deps (
				task_id TEXT NOT NULL REFERENCES tasks(id),
				depends_on TEXT NOT NULL REFERENCES tasks(id),
				position INTEGER NOT NULL,
				PRIMARY KEY (task_id, depends_on)
			);`,
			`CREATE TABLE IF NOT EXISTS workflow_steps (
				workflow_id TEXT NOT NULL REFERENCES workflows(id),
				sequence INTEGER NOT NULL,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				role TEXT NOT NULL,
				PRIMARY KEY (workflow_id, sequence)
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				state_from TEXT,
				state_to TEXT NOT NULL,
				claim_version INTEGER NOT NULL,
				agent_id TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				trace_id TEXT,
				created_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				from_agent TEXT NOT NULL,
				to_agent TEXT NOT NULL,
				type TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(status, assigned_to, priority, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by, status);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(workflow_id);`,
			`CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_deps(depends_on);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
			`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, seq);`,
		},
	},
}

// SQLiteStore is the shared-database backend. Agents in different processes
// open the same file; claims are conditional UPDATEs on claim_version.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	driver := opts.Driver
	if driver == "" {
		driver = DriverMattn
	}
	var dsn string
	switch driver {
	case DriverMattn:
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	case DriverModernc:
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q (supported: %s, %s)", driver, DriverMattn, DriverModernc)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, opts: opts}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches BUSY (5) and LOCKED (6) by message so both drivers are
// covered without importing their error types.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if maxVersion > latest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrStorageCorruption, raw)
	}
	return t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// withTx runs fn in a transaction, retrying the whole unit on BUSY/LOCKED.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
