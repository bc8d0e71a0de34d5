// Package execchan abstracts "start an agent process attached to a pty in
// a working directory, on a named target". The local and SSH
// implementations satisfy the same Channel contract: write bytes, resize,
// read the output stream, observe the exit code, kill.
package execchan

import (
	"context"
	"strings"

	"wharf/pkg/protocol"
)

// Channel is one spawned agent process attached to a pseudo-terminal.
type Channel interface {
	// Write forwards keystroke bytes to the process stdin.
	Write(p []byte) (int, error)

	// Resize changes the pty dimensions to match the client viewport.
	Resize(cols, rows int) error

	// Output yields stdout/stderr byte chunks. The channel is closed when
	// the process exits and the stream is drained.
	Output() <-chan []byte

	// Exit yields the process exit code exactly once, after Output closes.
	Exit() <-chan int

	// Kill terminates the process. Safe to call more than once.
	Kill() error

	// Handle returns the opaque external-process identifier recorded on
	// the session while active.
	Handle() string
}

// OpenRequest describes the process to spawn.
type OpenRequest struct {
	WorkingDirectory string
	Command          string
	Args             []string

	// ResumeID, when non-empty, continues the prior agent conversation:
	// it is appended as "--resume <id>". Empty starts fresh.
	ResumeID string

	Cols, Rows int
}

// Opener opens execution channels on a worker. The scheduler holds one
// Opener and never concerns itself with local-versus-SSH mechanics.
type Opener interface {
	Open(ctx context.Context, worker *protocol.Worker, req OpenRequest) (Channel, error)
}

// argv returns the full argument vector including the resume flag.
func (r OpenRequest) argv() []string {
	args := make([]string, 0, len(r.Args)+2)
	args = append(args, r.Args...)
	if r.ResumeID != "" {
		args = append(args, "--resume", r.ResumeID)
	}
	return args
}

// shellQuote renders a single word safe for a POSIX shell command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
