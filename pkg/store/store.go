// Package store provides SQLite-backed persistence for the wharf session
// pool. All operations are atomic at the single-record level; the
// multi-statement operations (create, activate, requeue) run in
// transactions so queue positions stay totally ordered under concurrent
// callers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wharf/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store provides access to the wharf state database.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open opens (creating if needed) the state database at path with
// production-safe defaults: WAL journal mode and a 5-second busy timeout.
// The schema is initialized and column migrations are applied try/ignore.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	// SQLite supports one writer at a time; serialize at the pool level so
	// concurrent hub/scheduler writes queue instead of returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := NewWithDB(db)
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open database handle. The caller is
// responsible for schema initialization unless init is run; tests use this
// with an in-memory database via OpenInMemory.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// OpenInMemory opens a fresh in-memory database with the schema applied.
// Each call returns an isolated store, suitable for one test.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := NewWithDB(db)
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	// Column migrations error when already applied; intentionally ignored.
	_, _ = s.db.ExecContext(ctx, protocol.MigrateGlobalCap)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock used for timestamps.
//
//wharf:testonly
func (s *Store) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

// --- Event log ---

// LogEvent appends a row to the runtime event log. Failures are returned
// but callers typically treat logging as best-effort.
func (s *Store) LogEvent(ctx context.Context, evType, source, sessionID, workerID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, session_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, sessionID, workerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Event is a row from the runtime event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	SessionID string
	WorkerID  string
	Payload   string
	CreatedAt string
}

// QueryEvents returns up to limit events, newest first, optionally
// filtered to one session. limit <= 0 means no limit.
func (s *Store) QueryEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	query := `SELECT id, type, source, COALESCE(session_id, ''), COALESCE(worker_id, ''), COALESCE(payload, ''), created_at FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.SessionID, &e.WorkerID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
