// Package hub owns the streaming side of an active session: one hub per
// open execution channel, fanning terminal output out to any number of
// attached clients and watching the stream for needs-input, ports, and
// agent side-channel commands.
package hub

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"wharf/pkg/events"
	"wharf/pkg/execchan"
	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

// DefaultIdleThreshold is how long an active session may stay silent
// before it is flagged as waiting for input.
const DefaultIdleThreshold = 45 * time.Second

// idleCheckInterval is the cadence of the idle sweep.
const idleCheckInterval = 5 * time.Second

// portProbeInterval is the cadence of detected-port liveness probes.
const portProbeInterval = 15 * time.Second

// Client is one attached connection. Send must be safe for concurrent
// use; Close tears the connection down after the final status frame.
type Client interface {
	Send(protocol.Frame) error
	Close() error
}

// FinishFunc records a session's process exit. Wired to the scheduler so
// the freed slot triggers another admission pass.
type FinishFunc func(ctx context.Context, sessionID, upstreamID string, exitCode int) (*protocol.Session, error)

// Options tune hub behavior. Zero values select defaults.
type Options struct {
	ScrollbackBytes  int
	IdleThreshold    time.Duration
	AutoApproveReply string
	WatchFiles       bool
}

func (o Options) withDefaults() Options {
	if o.ScrollbackBytes <= 0 {
		o.ScrollbackBytes = DefaultScrollbackBytes
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.AutoApproveReply == "" {
		o.AutoApproveReply = "\r"
	}
	return o
}

// Hub bridges one execution channel to its attached clients.
type Hub struct {
	sessionID  string
	workingDir string
	ch         execchan.Channel

	store       *store.Store
	broadcaster *events.Broadcaster
	finish      FinishFunc
	opts        Options

	mu          sync.Mutex
	clients     map[Client]struct{}
	ring        *scrollback
	needsInput  bool
	autoApprove bool
	upstreamID  string
	ports       map[int]struct{}
	killed      bool

	// lastActivity is the idle clock: refreshed by process output and
	// by client input, so typing into a silent session restarts the
	// idle countdown rather than re-flagging on the next sweep.
	lastActivity time.Time

	watcher *fileWatcher
	dial    func(network, addr string, timeout time.Duration) (net.Conn, error)
	nowFunc func() time.Time

	// OnExit runs after the session's exit is fully processed. The
	// manager uses it to drop the hub.
	OnExit func(sessionID string)
}

func newHub(sess *protocol.Session, ch execchan.Channel, st *store.Store, b *events.Broadcaster, finish FinishFunc, opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		sessionID:   sess.ID,
		workingDir:  sess.WorkingDirectory,
		ch:          ch,
		store:       st,
		broadcaster: b,
		finish:      finish,
		opts:        opts,
		clients:     make(map[Client]struct{}),
		ring:        newScrollback(opts.ScrollbackBytes),
		upstreamID:  sess.UpstreamSessionID,
		ports:       make(map[int]struct{}),
		dial:        net.DialTimeout,
		nowFunc:     time.Now,
	}
	h.lastActivity = h.nowFunc()

	// Continuations replay the previous run's tail to the first client.
	if snapshot, err := st.Scrollback(context.Background(), sess.ID); err == nil && len(snapshot) > 0 {
		h.ring.Append(snapshot)
	}

	if opts.WatchFiles {
		h.watcher = newFileWatcher(sess.WorkingDirectory, h.filesChanged, h.artifactFound)
	}
	return h
}

//wharf:testonly
// SetNowFunc replaces the idle clock.
func (h *Hub) SetNowFunc(f func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nowFunc = f
}

// SessionID returns the session this hub serves.
func (h *Hub) SessionID() string { return h.sessionID }

// run pumps channel output until the process exits.
func (h *Hub) run(ctx context.Context) {
	idle := time.NewTicker(idleCheckInterval)
	defer idle.Stop()
	probe := time.NewTicker(portProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-h.ch.Output():
			if !ok {
				h.finalize(ctx)
				return
			}
			h.handleOutput(ctx, chunk)
		case <-idle.C:
			h.checkIdle(ctx)
		case <-probe.C:
			h.probePorts(ctx)
		}
	}
}

// Attach subscribes a client: replay buffered history first, then match
// the pty to the client viewport, then join the live stream. A client can
// see bytes twice across reconnects, never a gap.
func (h *Hub) Attach(client Client, cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ring.Len() > 0 {
		err := client.Send(protocol.Frame{
			Type: protocol.FrameOutput,
			Output: &protocol.OutputPayload{
				SessionID: h.sessionID,
				Data:      h.ring.Bytes(),
				Replay:    true,
			},
		})
		if err != nil {
			return err
		}
	}
	if cols > 0 && rows > 0 {
		if err := h.ch.Resize(cols, rows); err != nil {
			log.Printf("hub %s: resize on attach: %v", h.sessionID, err)
		}
	}
	h.clients[client] = struct{}{}
	return nil
}

// Detach removes a client. The last detach persists the buffer as the
// session's scrollback snapshot.
func (h *Hub) Detach(ctx context.Context, client Client) {
	h.mu.Lock()
	delete(h.clients, client)
	last := len(h.clients) == 0
	var snapshot []byte
	if last {
		snapshot = h.ring.Bytes()
	}
	h.mu.Unlock()

	if last {
		if err := h.store.SetScrollback(ctx, h.sessionID, snapshot); err != nil {
			log.Printf("hub %s: persist scrollback: %v", h.sessionID, err)
		}
	}
}

// Input forwards keystrokes to the process, clearing needs-input and
// restarting the idle clock.
func (h *Hub) Input(ctx context.Context, data []byte) error {
	h.mu.Lock()
	h.lastActivity = h.nowFunc()
	h.mu.Unlock()

	h.clearNeedsInput(ctx)
	_, err := h.ch.Write(data)
	return err
}

// Resize changes the pty dimensions.
func (h *Hub) Resize(cols, rows int) error {
	return h.ch.Resize(cols, rows)
}

// SetAutoApprove toggles automatic confirmation replies.
func (h *Hub) SetAutoApprove(enabled bool) {
	h.mu.Lock()
	h.autoApprove = enabled
	h.mu.Unlock()
}

// Kill terminates the process. The session lands in failed regardless of
// how gracefully the process handles the signal.
func (h *Hub) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return h.ch.Kill()
}

func (h *Hub) handleOutput(ctx context.Context, chunk []byte) {
	h.mu.Lock()
	h.ring.Append(chunk)
	h.lastActivity = h.nowFunc()
	wasNeedsInput := h.needsInput
	h.needsInput = false
	autoApprove := h.autoApprove
	h.sendAllLocked(protocol.Frame{
		Type: protocol.FrameOutput,
		Output: &protocol.OutputPayload{
			SessionID: h.sessionID,
			Data:      chunk,
		},
	})
	h.mu.Unlock()

	if wasNeedsInput {
		if err := h.store.SetNeedsInput(ctx, h.sessionID, false); err != nil {
			log.Printf("hub %s: clear needs-input: %v", h.sessionID, err)
		}
	}

	d := scanOutput(h.sessionID, string(chunk))
	if d.upstreamID != "" {
		h.mu.Lock()
		h.upstreamID = d.upstreamID
		h.mu.Unlock()
	}
	for _, port := range d.ports {
		h.portDetected(ctx, port)
	}
	for _, board := range d.boards {
		b := board
		h.publish(ctx, protocol.Frame{Type: protocol.FrameBoardCommand, BoardCommand: &b})
	}
	if d.prompt != "" {
		if autoApprove {
			if _, err := h.ch.Write([]byte(h.opts.AutoApproveReply)); err != nil {
				log.Printf("hub %s: auto-approve write: %v", h.sessionID, err)
			}
		} else {
			h.flagNeedsInput(ctx, 0, d.prompt)
		}
	}
}

// checkIdle flags the session when the process has been silent past the
// threshold. Edge-triggered: flagged once until output or input clears it.
func (h *Hub) checkIdle(ctx context.Context) {
	h.mu.Lock()
	silent := h.nowFunc().Sub(h.lastActivity)
	flagged := h.needsInput
	h.mu.Unlock()

	if !flagged && silent >= h.opts.IdleThreshold {
		h.flagNeedsInput(ctx, silent, "")
	}
}

func (h *Hub) flagNeedsInput(ctx context.Context, idle time.Duration, pattern string) {
	h.mu.Lock()
	if h.needsInput {
		h.mu.Unlock()
		return
	}
	h.needsInput = true
	h.mu.Unlock()

	if err := h.store.SetNeedsInput(ctx, h.sessionID, true); err != nil {
		log.Printf("hub %s: set needs-input: %v", h.sessionID, err)
	}
	h.publish(ctx, protocol.Frame{
		Type: protocol.FrameNeedsInput,
		NeedsInput: &protocol.NeedsInputPayload{
			SessionID: h.sessionID,
			Idle:      idle,
			Pattern:   pattern,
		},
	})
}

func (h *Hub) clearNeedsInput(ctx context.Context) {
	h.mu.Lock()
	wasFlagged := h.needsInput
	h.needsInput = false
	h.mu.Unlock()

	if wasFlagged {
		if err := h.store.SetNeedsInput(ctx, h.sessionID, false); err != nil {
			log.Printf("hub %s: clear needs-input: %v", h.sessionID, err)
		}
	}
}

func (h *Hub) portDetected(ctx context.Context, port int) {
	h.mu.Lock()
	if _, seen := h.ports[port]; seen {
		h.mu.Unlock()
		return
	}
	h.ports[port] = struct{}{}
	h.mu.Unlock()

	h.publish(ctx, protocol.Frame{
		Type: protocol.FramePortDetected,
		Port: &protocol.PortPayload{SessionID: h.sessionID, Port: port},
	})
}

// probePorts checks that detected ports still accept connections and
// reports the ones that stopped.
func (h *Hub) probePorts(ctx context.Context) {
	h.mu.Lock()
	ports := make([]int, 0, len(h.ports))
	for p := range h.ports {
		ports = append(ports, p)
	}
	h.mu.Unlock()

	for _, port := range ports {
		conn, err := h.dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
		if err == nil {
			_ = conn.Close()
			continue
		}
		h.mu.Lock()
		delete(h.ports, port)
		h.mu.Unlock()
		h.publish(ctx, protocol.Frame{
			Type: protocol.FramePortClosed,
			Port: &protocol.PortPayload{SessionID: h.sessionID, Port: port},
		})
	}
}

func (h *Hub) filesChanged(paths []string, at time.Time) {
	h.publish(context.Background(), protocol.Frame{
		Type: protocol.FrameFileChanged,
		FileChanged: &protocol.FileChangedPayload{
			SessionID: h.sessionID,
			Paths:     paths,
			At:        at,
		},
	})
}

func (h *Hub) artifactFound(path string, size int64) {
	h.publish(context.Background(), protocol.Frame{
		Type: protocol.FrameArtifact,
		Artifact: &protocol.ArtifactPayload{
			SessionID: h.sessionID,
			Path:      path,
			SizeBytes: size,
		},
	})
}

// publish delivers a structured frame to attached clients and the global
// broadcaster.
func (h *Hub) publish(ctx context.Context, frame protocol.Frame) {
	h.mu.Lock()
	h.sendAllLocked(frame)
	h.mu.Unlock()
	h.broadcaster.Publish(ctx, frame)
}

// sendAllLocked writes to every client, dropping those whose connection
// errors. Caller holds h.mu.
func (h *Hub) sendAllLocked(frame protocol.Frame) {
	for client := range h.clients {
		if err := client.Send(frame); err != nil {
			delete(h.clients, client)
			_ = client.Close()
		}
	}
}

// finalize runs once the output stream closes: record the exit, tell
// every attached client with a terminal session_status frame, close their
// connections, persist scrollback.
func (h *Hub) finalize(ctx context.Context) {
	exitCode := <-h.ch.Exit()

	h.mu.Lock()
	if h.killed && exitCode == 0 {
		// A kill always fails the session, even when the process traps
		// the signal and exits cleanly.
		exitCode = -1
	}
	upstreamID := h.upstreamID
	h.mu.Unlock()

	sess, err := h.finish(ctx, h.sessionID, upstreamID, exitCode)
	status := protocol.StatusFailed
	if err != nil {
		log.Printf("hub %s: record exit: %v", h.sessionID, err)
	} else {
		status = sess.Status
	}

	final := protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID:         h.sessionID,
			Status:            status,
			UpstreamSessionID: upstreamID,
			ExitCode:          &exitCode,
		},
	}

	h.mu.Lock()
	h.sendAllLocked(final)
	for client := range h.clients {
		_ = client.Close()
		delete(h.clients, client)
	}
	snapshot := h.ring.Bytes()
	h.mu.Unlock()

	if err := h.store.SetScrollback(ctx, h.sessionID, snapshot); err != nil {
		log.Printf("hub %s: persist scrollback: %v", h.sessionID, err)
	}
	if h.watcher != nil {
		h.watcher.Close()
	}
	if h.OnExit != nil {
		h.OnExit(h.sessionID)
	}
}

// Manager tracks the live hubs, one per active session.
type Manager struct {
	store       *store.Store
	broadcaster *events.Broadcaster
	finish      FinishFunc
	opts        Options

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewManager creates a Manager. finish is wired to the scheduler's
// SessionFinished.
func NewManager(st *store.Store, b *events.Broadcaster, finish FinishFunc, opts Options) *Manager {
	return &Manager{
		store:       st,
		broadcaster: b,
		finish:      finish,
		opts:        opts,
		hubs:        make(map[string]*Hub),
	}
}

// Started accepts a freshly opened channel from the scheduler and spins
// up its hub.
func (m *Manager) Started(sess *protocol.Session, ch execchan.Channel) {
	h := newHub(sess, ch, m.store, m.broadcaster, m.finish, m.opts)
	h.OnExit = m.remove

	m.mu.Lock()
	m.hubs[sess.ID] = h
	m.mu.Unlock()

	go h.run(context.Background())
}

// Get returns the hub for an active session, nil when none is live.
func (m *Manager) Get(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[sessionID]
}

// Kill terminates an active session's process.
func (m *Manager) Kill(sessionID string) error {
	h := m.Get(sessionID)
	if h == nil {
		return protocol.ErrSessionNotFound
	}
	return h.Kill()
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.hubs, sessionID)
	m.mu.Unlock()
}
