// Package graph is the versioned knowledge graph: nodes and edges with
// optimistic versions, soft deletion and an append-only history ledger per
// entity kind, backed by a single SQLite database.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskgraph/internal/audit"
	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/otel"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tg-v1-2026-10-01-graph-ledger"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultConflictRetries = 3
	defaultBusyRetries     = 5
)

// timeLayout is fixed width so lexical order of stored timestamps equals
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config configures Open. Zero values take defaults.
type Config struct {
	Path            string
	Bus             *bus.Bus
	Logger          *slog.Logger
	Instruments     *otel.Instruments
	ConflictRetries int
	BusyRetries     int
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

type Store struct {
	db              *sql.DB
	bus             *bus.Bus // may be nil in tests
	logger          *slog.Logger
	inst            *otel.Instruments
	conflictRetries int
	busyRetries     int

	clockMu sync.Mutex
	clock   func() time.Time
	last    time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskgraph", "graph.db")
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Writers take the lock at BEGIN so busy errors surface where they can
	// be retried.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:              db,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		inst:            cfg.Instruments,
		conflictRetries: cfg.ConflictRetries,
		busyRetries:     cfg.BusyRetries,
		clock:           cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "graph")
	if s.conflictRetries <= 0 {
		s.conflictRetries = defaultConflictRetries
	}
	if s.busyRetries <= 0 {
		s.busyRetries = defaultBusyRetries
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// now returns a strictly increasing UTC timestamp so that successive
// ledger records of one store never share a changed_at.
func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.clock().UTC().Round(0)
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with capped
// exponential backoff (50ms doubling to 500ms) and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
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

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		schema_layer TEXT NOT NULL DEFAULT 'core',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		version INTEGER NOT NULL CHECK(version >= 1),
		source TEXT NOT NULL DEFAULT 'ui',
		source_ref TEXT NOT NULL DEFAULT '',
		as_of TEXT,
		confidence REAL NOT NULL DEFAULT 1.0 CHECK(confidence >= 0 AND confidence <= 1)
	);`,
	`CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		edge_type TEXT NOT NULL,
		source_node_id TEXT NOT NULL REFERENCES nodes(id),
		target_node_id TEXT NOT NULL REFERENCES nodes(id),
		schema_layer TEXT NOT NULL DEFAULT 'core',
		weight REAL NOT NULL DEFAULT 1.0 CHECK(weight >= 0),
		weight_metadata TEXT NOT NULL DEFAULT '{}',
		directionality TEXT NOT NULL DEFAULT 'directed' CHECK(directionality IN ('directed', 'bidirectional')),
		metadata TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		version INTEGER NOT NULL CHECK(version >= 1),
		source TEXT NOT NULL DEFAULT 'ui',
		source_ref TEXT NOT NULL DEFAULT '',
		as_of TEXT,
		confidence REAL NOT NULL DEFAULT 1.0 CHECK(confidence >= 0 AND confidence <= 1),
		CHECK(source_node_id <> target_node_id)
	);`,
	`CREATE TABLE IF NOT EXISTS node_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
		changed_by TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		change_reason TEXT NOT NULL DEFAULT '',
		before_state TEXT,
		after_state TEXT NOT NULL,
		UNIQUE(entity_id, version)
	);`,
	`CREATE TABLE IF NOT EXISTS edge_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
		changed_by TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		change_reason TEXT NOT NULL DEFAULT '',
		before_state TEXT,
		after_state TEXT NOT NULL,
		UNIQUE(entity_id, version)
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_type_status ON nodes(type, status);`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_created ON nodes(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_node_id, edge_type);`,
	`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_node_id, edge_type);`,
	`CREATE INDEX IF NOT EXISTS idx_node_history_changed ON node_history(changed_at);`,
	`CREATE INDEX IF NOT EXISTS idx_edge_history_changed ON edge_history(changed_at);`,
	`CREATE TRIGGER IF NOT EXISTS trg_nodes_no_delete BEFORE DELETE ON nodes
	BEGIN SELECT RAISE(ABORT, 'nodes are soft-deleted only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS trg_edges_no_delete BEFORE DELETE ON edges
	BEGIN SELECT RAISE(ABORT, 'edges are soft-deleted only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS trg_node_history_no_update BEFORE UPDATE ON node_history
	BEGIN SELECT RAISE(ABORT, 'node_history is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS trg_node_history_no_delete BEFORE DELETE ON node_history
	BEGIN SELECT RAISE(ABORT, 'node_history is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS trg_edge_history_no_update BEFORE UPDATE ON edge_history
	BEGIN SELECT RAISE(ABORT, 'edge_history is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS trg_edge_history_no_delete BEFORE DELETE ON edge_history
	BEGIN SELECT RAISE(ABORT, 'edge_history is append-only'); END;`,
}

func (s *Store) initSchema(ctx context.Context) error {
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
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(ctx, "allow", "data.migration", "migration_applied",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}

// SchemaVersion returns the applied schema version and checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Stats is a summary of stored entities.
type Stats struct {
	ActiveNodes   int `json:"active_nodes"`
	DeletedNodes  int `json:"deleted_nodes"`
	ActiveEdges   int `json:"active_edges"`
	DeletedEdges  int `json:"deleted_edges"`
	NodeHistory   int `json:"node_history"`
	EdgeHistory   int `json:"edge_history"`
	SchemaVersion int `json:"schema_version"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NOT NULL),
			(SELECT COUNT(*) FROM edges WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM edges WHERE deleted_at IS NOT NULL),
			(SELECT COUNT(*) FROM node_history),
			(SELECT COUNT(*) FROM edge_history),
			(SELECT COALESCE(MAX(version), 0) FROM schema_migrations);
	`).Scan(&st.ActiveNodes, &st.DeletedNodes, &st.ActiveEdges, &st.DeletedEdges,
		&st.NodeHistory, &st.EdgeHistory, &st.SchemaVersion)
	if err != nil {
		return Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}

func (s *Store) observe(ctx context.Context, op string, start time.Time, err error) {
	s.inst.RecordStoreOp(ctx, op, time.Since(start), err)
}
