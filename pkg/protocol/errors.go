package protocol

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by store lookups for unknown session ids,
// including the second delete of an already-deleted session.
var ErrSessionNotFound = errors.New("session not found")

// ErrWorkerNotFound is returned by store lookups for unknown worker ids.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrLocalWorkerImmortal is returned when removal of the local singleton
// worker is attempted.
var ErrLocalWorkerImmortal = errors.New("local worker cannot be removed")

// IllegalTransitionError reports an attempted lifecycle transition the
// state machine does not permit. These are programming errors and must be
// rejected loudly, never silently ignored.
type IllegalTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for session %s: %s -> %s",
		e.SessionID, e.From, e.To)
}

// SessionActiveError reports a delete refused because the session is
// active, or pinned by the user lock.
type SessionActiveError struct {
	SessionID string
	Locked    bool
}

func (e *SessionActiveError) Error() string {
	if e.Locked {
		return fmt.Sprintf("session %s is locked and cannot be deleted", e.SessionID)
	}
	return fmt.Sprintf("session %s is active and cannot be deleted", e.SessionID)
}

// CapacityError reports that admission would exceed a worker's cap. The
// scheduler treats it as "remain queued", not as a failure.
type CapacityError struct {
	WorkerID    string
	Active      int
	MaxSessions int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("worker %s at capacity (%d/%d active)",
		e.WorkerID, e.Active, e.MaxSessions)
}

// ChannelOpenError reports a failed spawn or SSH dial while activating a
// session. It is terminal: the session transitions to failed.
type ChannelOpenError struct {
	SessionID string
	WorkerID  string
	Err       error
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("open channel for session %s on worker %s: %v",
		e.SessionID, e.WorkerID, e.Err)
}

func (e *ChannelOpenError) Unwrap() error { return e.Err }

// WorkerUnreachableError reports a heartbeat or probe failure against a
// remote worker.
type WorkerUnreachableError struct {
	WorkerID string
	Reason   string
}

func (e *WorkerUnreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable: %s", e.WorkerID, e.Reason)
}
