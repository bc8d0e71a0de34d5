package protocol

import (
	"net"
	"strconv"
	"time"
)

// WorkerKind distinguishes the local machine from SSH-reachable targets.
type WorkerKind string

// Worker kind constants.
const (
	WorkerLocal  WorkerKind = "local"
	WorkerRemote WorkerKind = "remote"
)

// WorkerStatus represents a worker's connectivity state.
type WorkerStatus string

// Worker status constants. Disconnected is the initial state for remote
// workers with no open channel; a worker moves to error on channel-open or
// heartbeat failure and back to connected on a successful open.
const (
	WorkerConnected    WorkerStatus = "connected"
	WorkerDisconnected WorkerStatus = "disconnected"
	WorkerError        WorkerStatus = "error"
)

// Worker is an execution target with bounded concurrent-session capacity.
// Exactly one worker of kind local exists per deployment.
type Worker struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Kind WorkerKind `json:"kind"`

	// Remote connection metadata. Opaque to the scheduler; consumed only
	// by the SSH execution channel. IdentityFile is a credential
	// reference, never inline key material.
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`

	Status        WorkerStatus `json:"status"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`

	// MaxSessions is the hard per-worker admission cap. The scheduler
	// never admits more concurrently active sessions than this.
	MaxSessions int `json:"max_sessions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Addr returns the host:port dial address for a remote worker. Port 0
// defaults to 22.
func (w *Worker) Addr() string {
	port := w.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(w.Host, strconv.Itoa(port))
}
