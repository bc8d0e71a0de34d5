// Package protocol defines the wharf wire and storage contracts: the
// Session and Worker domain types, the lifecycle transition table, the
// streaming frame union exchanged between the daemon and attached clients,
// the SQLite schema, and the typed errors shared across packages.
package protocol

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

// Session status constants.
const (
	StatusQueued    SessionStatus = "queued"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Valid reports whether s is one of the four known session statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a terminal status a continuation can
// re-queue from.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the lifecycle state machine permits
// moving from one status to another. The legal transitions are:
//
//	queued    -> active
//	active    -> completed | failed
//	completed -> queued   (continuation)
//	failed    -> queued   (continuation)
//
// Everything else is illegal and must surface as an
// *IllegalTransitionError, never be silently coerced.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusActive
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusQueued
	default:
		return false
	}
}

// Session is one run of an agent process bound to a working directory and,
// while active, to a worker and an external process handle.
type Session struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	WorkingDirectory string        `json:"working_directory"`
	IsolatedWorktree bool          `json:"isolated_worktree"`
	Status           SessionStatus `json:"status"`

	// QueuePosition is non-nil iff Status == StatusQueued. Positions are
	// totally ordered and monotonically assigned (tail = max+1) but not
	// required to be contiguous.
	QueuePosition *int64 `json:"queue_position,omitempty"`

	// WorkerID references the worker currently or most recently owning
	// this session. TargetWorkerID pins admission to a specific worker;
	// empty means any worker with capacity.
	WorkerID       string `json:"worker_id,omitempty"`
	TargetWorkerID string `json:"target_worker_id,omitempty"`

	// ProcessHandle is the opaque external process identifier, set only
	// while the session is active.
	ProcessHandle string `json:"process_handle,omitempty"`

	// UpstreamSessionID is the identifier the wrapped agent process issues
	// on its first run; it enables continuation. Empty until first
	// activation reports one.
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`

	NeedsInput        bool  `json:"needs_input"`
	Locked            bool  `json:"locked"`
	ContinuationCount int64 `json:"continuation_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Queued reports whether the session is waiting for admission.
func (s *Session) Queued() bool { return s.Status == StatusQueued }

// Active reports whether the session currently owns a process.
func (s *Session) Active() bool { return s.Status == StatusActive }

// Continuable reports whether this session's agent conversation can be
// resumed: it must have completed and carry an upstream session id.
func (s *Session) Continuable() bool {
	return s.Status == StatusCompleted && s.UpstreamSessionID != ""
}
