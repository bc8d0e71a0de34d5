package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wharf/pkg/protocol"

	"github.com/google/uuid"
)

const sessionColumns = `id, title, working_directory, isolated_worktree, status,
	queue_position, COALESCE(worker_id, ''), COALESCE(target_worker_id, ''),
	COALESCE(process_handle, ''), COALESCE(upstream_session_id, ''),
	needs_input, locked, continuation_count,
	created_at, started_at, completed_at, updated_at`

// listOrder implements the listing sort contract: active first, then queued
// by position ascending, then completed, then failed; within the non-queued
// groups most-recently-updated first.
const listOrder = ` ORDER BY
	CASE status WHEN 'active' THEN 0 WHEN 'queued' THEN 1 WHEN 'completed' THEN 2 ELSE 3 END,
	CASE WHEN status = 'queued' THEN queue_position END ASC,
	updated_at DESC`

func scanSession(row interface{ Scan(...any) error }) (*protocol.Session, error) {
	sess := &protocol.Session{}
	var queuePos sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.Title, &sess.WorkingDirectory, &sess.IsolatedWorktree,
		&sess.Status, &queuePos, &sess.WorkerID, &sess.TargetWorkerID,
		&sess.ProcessHandle, &sess.UpstreamSessionID,
		&sess.NeedsInput, &sess.Locked, &sess.ContinuationCount,
		&sess.CreatedAt, &startedAt, &completedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if queuePos.Valid {
		sess.QueuePosition = &queuePos.Int64
	}
	if startedAt.Valid {
		t := startedAt.Time
		sess.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}

// NewSession holds the caller-supplied fields for session creation.
// Everything else is assigned by the store.
type NewSession struct {
	Title            string
	WorkingDirectory string
	TargetWorkerID   string
	IsolatedWorktree bool

	// UpstreamSessionID, when set, makes the session continue a prior
	// agent conversation instead of starting fresh.
	UpstreamSessionID string
}

// CreateSession inserts a new queued session at the tail of the queue.
// Queue positions are assigned monotonically: max existing position + 1,
// or 1 when the queue is empty.
func (s *Store) CreateSession(ctx context.Context, n NewSession) (*protocol.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var position int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM sessions WHERE status = 'queued'`,
	).Scan(&position)
	if err != nil {
		return nil, fmt.Errorf("next queue position: %w", err)
	}

	now := s.now()
	sess := &protocol.Session{
		ID:                uuid.New().String(),
		Title:             n.Title,
		WorkingDirectory:  n.WorkingDirectory,
		IsolatedWorktree:  n.IsolatedWorktree,
		TargetWorkerID:    n.TargetWorkerID,
		UpstreamSessionID: n.UpstreamSessionID,
		Status:            protocol.StatusQueued,
		QueuePosition:     &position,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, working_directory, isolated_worktree, status,
			queue_position, target_worker_id, upstream_session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		sess.ID, sess.Title, sess.WorkingDirectory, sess.IsolatedWorktree, sess.Status,
		position, sess.TargetWorkerID, sess.UpstreamSessionID, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions in the listing order, optionally filtered
// by status ("" means all).
func (s *Store) ListSessions(ctx context.Context, filter protocol.SessionStatus) ([]*protocol.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if filter != "" {
		query += ` WHERE status = ?`
		args = append(args, filter)
	}
	query += listOrder

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListQueued returns all queued sessions ascending by queue position. This
// is the scheduler's admission scan order.
func (s *Store) ListQueued(ctx context.Context) ([]*protocol.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'queued' ORDER BY queue_position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queued sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// NextQueuedSession returns the queued session with the lowest position,
// or nil when the queue is empty.
func (s *Store) NextQueuedSession(ctx context.Context) (*protocol.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'queued'
		 ORDER BY queue_position ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next queued: %w", err)
	}
	return sess, nil
}

// transitionError loads the session's current status to build a precise
// IllegalTransitionError after a guarded UPDATE matched zero rows.
func (s *Store) transitionError(ctx context.Context, id string, to protocol.SessionStatus) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return &protocol.IllegalTransitionError{SessionID: id, From: sess.Status, To: to}
}

// ActivateSession transitions a queued session to active on the given
// worker. The queue position is cleared, startedAt is set only on first
// activation (COALESCE semantics) and needsInput is reset. Activating a
// session in any other status returns an IllegalTransitionError.
func (s *Store) ActivateSession(ctx context.Context, id, workerID, processHandle string) (*protocol.Session, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'active', queue_position = NULL, worker_id = ?,
			process_handle = ?, started_at = COALESCE(started_at, ?),
			needs_input = 0, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		workerID, processHandle, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, id, protocol.StatusActive)
	}
	return s.GetSession(ctx, id)
}

// CompleteSession transitions an active session to completed. A non-empty
// upstreamID replaces the stored upstream session id; empty leaves it
// unchanged.
func (s *Store) CompleteSession(ctx context.Context, id, upstreamID string) (*protocol.Session, error) {
	return s.finishSession(ctx, id, protocol.StatusCompleted, upstreamID)
}

// FailSession transitions an active session to failed.
func (s *Store) FailSession(ctx context.Context, id string) (*protocol.Session, error) {
	return s.finishSession(ctx, id, protocol.StatusFailed, "")
}

func (s *Store) finishSession(ctx context.Context, id string, to protocol.SessionStatus, upstreamID string) (*protocol.Session, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, process_handle = NULL, completed_at = ?,
			needs_input = 0, upstream_session_id = COALESCE(NULLIF(?, ''), upstream_session_id),
			updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		to, now, upstreamID, now, id)
	if err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, id, to)
	}
	return s.GetSession(ctx, id)
}

// RequeueForContinuation moves a completed or failed session back to the
// tail of the queue and increments its continuation counter. The new queue
// position is strictly greater than every currently-queued position.
func (s *Store) RequeueForContinuation(ctx context.Context, id string) (*protocol.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var position int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM sessions WHERE status = 'queued'`,
	).Scan(&position)
	if err != nil {
		return nil, fmt.Errorf("next queue position: %w", err)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'queued', queue_position = ?,
			continuation_count = continuation_count + 1, needs_input = 0, updated_at = ?
		 WHERE id = ? AND status IN ('completed', 'failed')`,
		position, now, id)
	if err != nil {
		return nil, fmt.Errorf("requeue session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, id, protocol.StatusQueued)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return s.GetSession(ctx, id)
}

// DeleteSession removes a session record. Deletion is refused while the
// session is active or locked; deleting an unknown id reports
// ErrSessionNotFound so retries are distinguishable from refusals.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Active() {
		return &protocol.SessionActiveError{SessionID: id}
	}
	if sess.Locked {
		return &protocol.SessionActiveError{SessionID: id, Locked: true}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SetLocked sets or clears the user pin on a session.
func (s *Store) SetLocked(ctx context.Context, id string, locked bool) error {
	return s.updateFlag(ctx, id, "locked", locked)
}

// SetNeedsInput sets or clears the server-detected needs-input flag.
func (s *Store) SetNeedsInput(ctx context.Context, id string, needsInput bool) error {
	return s.updateFlag(ctx, id, "needs_input", needsInput)
}

func (s *Store) updateFlag(ctx context.Context, id, column string, value bool) error {
	// column is one of two compile-time constants, never caller input.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, s.now(), id)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.ErrSessionNotFound
	}
	return nil
}

// SetProcessHandle records the external process identifier once the
// execution channel is open. Activation reserves the capacity slot before
// the open completes, so the handle arrives in a second write.
func (s *Store) SetProcessHandle(ctx context.Context, id, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET process_handle = ?, updated_at = ? WHERE id = ? AND status = 'active'`,
		handle, s.now(), id)
	if err != nil {
		return fmt.Errorf("set process handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.ErrSessionNotFound
	}
	return nil
}

// SetScrollback persists the session's terminal snapshot. Written on the
// last client disconnect; a session carries at most one snapshot.
func (s *Store) SetScrollback(ctx context.Context, id string, snapshot []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET scrollback = ?, updated_at = ? WHERE id = ?`,
		snapshot, s.now(), id)
	if err != nil {
		return fmt.Errorf("set scrollback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.ErrSessionNotFound
	}
	return nil
}

// Scrollback returns the persisted terminal snapshot, nil when none was
// ever written.
func (s *Store) Scrollback(ctx context.Context, id string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT scrollback FROM sessions WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scrollback: %w", err)
	}
	return snapshot, nil
}

// CountActiveSessions returns the number of active sessions across all
// workers.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// CountActiveSessionsOnWorker returns the number of active sessions owned
// by one worker. The admission check compares this against the worker's
// MaxSessions.
func (s *Store) CountActiveSessionsOnWorker(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = 'active' AND worker_id = ?`, workerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions on worker: %w", err)
	}
	return n, nil
}

// FindLatestContinuableSession returns the most recently completed session
// in the working directory that carries an upstream session id, or nil when
// no prior conversation can be continued. Most-recent-wins is deliberate:
// several completed sessions may share a directory.
func (s *Store) FindLatestContinuableSession(ctx context.Context, workingDirectory string) (*protocol.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE working_directory = ? AND status = 'completed'
		   AND upstream_session_id IS NOT NULL AND upstream_session_id != ''
		 ORDER BY completed_at DESC LIMIT 1`, workingDirectory))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query continuable session: %w", err)
	}
	return sess, nil
}
