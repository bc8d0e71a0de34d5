package execchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"wharf/pkg/protocol"

	"golang.org/x/crypto/ssh"

	"github.com/google/uuid"
)

// SSHOpener spawns processes on remote workers over SSH with a requested
// pty. Dialing honors a hard timeout so a dead host cannot stall the
// scheduler's channel-open goroutine indefinitely.
type SSHOpener struct {
	// DialTimeout bounds the TCP+handshake phase. Zero means 10s.
	DialTimeout time.Duration

	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey, matching a
	// deployment where workers are operator-provisioned machines. Supply
	// ssh.FixedHostKey for stricter setups.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHOpener creates an SSHOpener with defaults.
func NewSSHOpener() *SSHOpener {
	return &SSHOpener{DialTimeout: 10 * time.Second}
}

type sshChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	handle string

	output chan []byte
	exit   chan int

	mu     sync.Mutex
	killed bool
}

// Open dials the worker, requests a pty, and starts the agent command in
// the working directory. The returned channel owns both the SSH session
// and the underlying client connection.
func (o *SSHOpener) Open(ctx context.Context, worker *protocol.Worker, req OpenRequest) (Channel, error) {
	if worker == nil || worker.Kind != protocol.WorkerRemote {
		return nil, errors.New("ssh opener requires a remote worker")
	}

	signers, err := loadSigners(worker.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("load identity for worker %s: %w", worker.ID, err)
	}

	hostKeyCallback := o.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // operator-provisioned hosts
	}
	timeout := o.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            worker.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	client, err := dialContext(ctx, worker.Addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", worker.ID, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("new ssh session: %w", err)
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	command := remoteCommand(req)
	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	ch := &sshChannel{
		client:  client,
		session: session,
		stdin:   stdin,
		handle:  "ssh:" + worker.Host + ":" + uuid.New().String()[:8],
		output:  make(chan []byte, 64),
		exit:    make(chan int, 1),
	}

	go ch.readLoop(stdout)
	return ch, nil
}

// remoteCommand builds the shell line run on the remote side: change to the
// working directory, then exec the agent with its arguments.
func remoteCommand(req OpenRequest) string {
	parts := []string{shellQuote(req.Command)}
	for _, a := range req.argv() {
		parts = append(parts, shellQuote(a))
	}
	return fmt.Sprintf("cd %s && exec %s",
		shellQuote(req.WorkingDirectory), strings.Join(parts, " "))
}

// dialContext runs ssh.Dial under the caller's context. ssh.Dial has its
// own handshake timeout; the goroutine hand-off adds context cancellation
// on top.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		ch <- result{client, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

func loadSigners(identityFile string) ([]ssh.Signer, error) {
	if identityFile == "" {
		return nil, errors.New("no identity file configured")
	}
	key, err := os.ReadFile(identityFile) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return []ssh.Signer{signer}, nil
}

func (ch *sshChannel) readLoop(stdout io.Reader) {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ch.output <- chunk
		}
		if err != nil {
			break
		}
	}
	close(ch.output)

	code := 0
	if err := ch.session.Wait(); err != nil {
		code = -1
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		}
	}
	_ = ch.session.Close()
	_ = ch.client.Close()
	ch.exit <- code
	close(ch.exit)
}

func (ch *sshChannel) Write(p []byte) (int, error) {
	return ch.stdin.Write(p)
}

func (ch *sshChannel) Resize(cols, rows int) error {
	return ch.session.WindowChange(rows, cols)
}

func (ch *sshChannel) Output() <-chan []byte { return ch.output }

func (ch *sshChannel) Exit() <-chan int { return ch.exit }

// Kill signals the remote process and tears the session down. The
// connection close doubles as the hard kill when the remote side ignores
// the signal.
func (ch *sshChannel) Kill() error {
	ch.mu.Lock()
	if ch.killed {
		ch.mu.Unlock()
		return nil
	}
	ch.killed = true
	ch.mu.Unlock()

	_ = ch.session.Signal(ssh.SIGTERM)
	time.AfterFunc(killGracePeriod, func() {
		_ = ch.session.Close()
		_ = ch.client.Close()
	})
	return nil
}

func (ch *sshChannel) Handle() string { return ch.handle }
