package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wharf/pkg/protocol"

	"github.com/google/uuid"
)

const workerColumns = `id, name, kind, COALESCE(host, ''), COALESCE(port, 0),
	COALESCE(user, ''), COALESCE(identity_file, ''), status, last_heartbeat,
	max_sessions, created_at, updated_at`

func scanWorker(row interface{ Scan(...any) error }) (*protocol.Worker, error) {
	w := &protocol.Worker{}
	var lastHeartbeat sql.NullTime
	err := row.Scan(
		&w.ID, &w.Name, &w.Kind, &w.Host, &w.Port, &w.User, &w.IdentityFile,
		&w.Status, &lastHeartbeat, &w.MaxSessions, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		w.LastHeartbeat = &t
	}
	return w, nil
}

// NewWorker holds caller-supplied fields for worker creation.
type NewWorker struct {
	Name         string
	Kind         protocol.WorkerKind
	Host         string
	Port         int
	User         string
	IdentityFile string
	MaxSessions  int
}

// CreateWorker inserts a new worker. Remote workers start disconnected;
// the registry flips them to connected on first successful open.
func (s *Store) CreateWorker(ctx context.Context, n NewWorker) (*protocol.Worker, error) {
	if n.MaxSessions <= 0 {
		n.MaxSessions = 2
	}
	now := s.now()
	w := &protocol.Worker{
		ID:           uuid.New().String(),
		Name:         n.Name,
		Kind:         n.Kind,
		Host:         n.Host,
		Port:         n.Port,
		User:         n.User,
		IdentityFile: n.IdentityFile,
		Status:       protocol.WorkerDisconnected,
		MaxSessions:  n.MaxSessions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, name, kind, host, port, user, identity_file,
			status, max_sessions, created_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)`,
		w.ID, w.Name, w.Kind, w.Host, w.Port, w.User, w.IdentityFile,
		w.Status, w.MaxSessions, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert worker: %w", err)
	}
	return w, nil
}

// EnsureLocalWorker returns the local singleton worker, creating it on
// first use. Concurrent callers converge on the same row: the lookup and
// insert run in one transaction.
func (s *Store) EnsureLocalWorker(ctx context.Context, name string, maxSessions int) (*protocol.Worker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, err := scanWorker(tx.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE kind = 'local' LIMIT 1`))
	if err == nil {
		return w, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query local worker: %w", err)
	}

	if maxSessions <= 0 {
		maxSessions = 2
	}
	now := s.now()
	w = &protocol.Worker{
		ID:          uuid.New().String(),
		Name:        name,
		Kind:        protocol.WorkerLocal,
		Status:      protocol.WorkerConnected,
		MaxSessions: maxSessions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workers (id, name, kind, status, max_sessions, created_at, updated_at)
		 VALUES (?, ?, 'local', ?, ?, ?, ?)`,
		w.ID, w.Name, w.Status, w.MaxSessions, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert local worker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return w, nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*protocol.Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers, local first, then by name.
func (s *Store) ListWorkers(ctx context.Context) ([]*protocol.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 ORDER BY CASE kind WHEN 'local' THEN 0 ELSE 1 END, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*protocol.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// DeleteWorker removes a worker. The local singleton is never removed.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	w, err := s.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if w.Kind == protocol.WorkerLocal {
		return protocol.ErrLocalWorkerImmortal
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// SetWorkerStatus updates a worker's connectivity status. Connected also
// refreshes the heartbeat timestamp.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status protocol.WorkerStatus) error {
	now := s.now()
	var err error
	if status == protocol.WorkerConnected {
		_, err = s.db.ExecContext(ctx,
			`UPDATE workers SET status = ?, last_heartbeat = ?, updated_at = ? WHERE id = ?`,
			status, now, now, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	return nil
}

// TouchWorkerHeartbeat records a successful heartbeat without changing
// status.
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		s.now(), s.now(), id)
	if err != nil {
		return fmt.Errorf("touch worker heartbeat: %w", err)
	}
	return nil
}
