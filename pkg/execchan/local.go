package execchan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"wharf/pkg/protocol"

	"github.com/creack/pty"
)

// killGracePeriod is how long Kill waits after SIGTERM before escalating
// to SIGKILL on the process group.
const killGracePeriod = 3 * time.Second

// outputChunkSize is the pty read buffer size.
const outputChunkSize = 32 * 1024

// LocalOpener spawns processes on the local machine attached to a pty.
type LocalOpener struct{}

// NewLocalOpener creates a LocalOpener.
func NewLocalOpener() *LocalOpener {
	return &LocalOpener{}
}

// localChannel is a Channel over a locally spawned pty process.
type localChannel struct {
	cmd *exec.Cmd
	tty *os.File

	output chan []byte
	exit   chan int
	done   chan struct{}

	mu     sync.Mutex
	killed bool
}

// Open spawns req.Command in req.WorkingDirectory attached to a new pty.
// The worker argument exists for Opener symmetry; local spawns ignore its
// connection metadata.
func (o *LocalOpener) Open(_ context.Context, _ *protocol.Worker, req OpenRequest) (Channel, error) {
	//nolint:gosec // command comes from operator config, not request input
	cmd := exec.Command(req.Command, req.argv()...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols), //nolint:gosec // bounds checked above
		Rows: uint16(rows), //nolint:gosec // bounds checked above
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	ch := &localChannel{
		cmd:    cmd,
		tty:    tty,
		output: make(chan []byte, 64),
		exit:   make(chan int, 1),
		done:   make(chan struct{}),
	}

	go ch.readLoop()
	return ch, nil
}

// readLoop drains the pty master into the output channel, then reaps the
// process and publishes its exit code.
func (ch *localChannel) readLoop() {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := ch.tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ch.output <- chunk
		}
		if err != nil {
			// EIO is the normal pty read error after the child exits.
			break
		}
	}
	close(ch.output)

	code := 0
	if err := ch.cmd.Wait(); err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	_ = ch.tty.Close()
	ch.exit <- code
	close(ch.exit)
	close(ch.done)
}

func (ch *localChannel) Write(p []byte) (int, error) {
	return ch.tty.Write(p)
}

func (ch *localChannel) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid pty size %dx%d", cols, rows)
	}
	return pty.Setsize(ch.tty, &pty.Winsize{
		Cols: uint16(cols), //nolint:gosec // bounds checked above
		Rows: uint16(rows), //nolint:gosec // bounds checked above
	})
}

func (ch *localChannel) Output() <-chan []byte { return ch.output }

func (ch *localChannel) Exit() <-chan int { return ch.exit }

// Kill sends SIGTERM to the process group, waits a short grace period, and
// escalates to SIGKILL if the process is still alive. pty.Start runs the
// child in its own session, so the negative pid reaches descendants too.
func (ch *localChannel) Kill() error {
	ch.mu.Lock()
	if ch.killed {
		ch.mu.Unlock()
		return nil
	}
	ch.killed = true
	ch.mu.Unlock()

	proc := ch.cmd.Process
	if proc == nil {
		return nil
	}
	pgid := proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Process already exited.
		return nil //nolint:nilerr // nothing left to kill
	}

	select {
	case <-ch.done:
	case <-time.After(killGracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return nil
}

func (ch *localChannel) Handle() string {
	if ch.cmd.Process == nil {
		return ""
	}
	return "pid:" + strconv.Itoa(ch.cmd.Process.Pid)
}
