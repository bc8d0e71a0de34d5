// Package server exposes the daemon's Unix socket. Terminal attach
// streams and control-plane requests share one connection protocol:
// newline-delimited JSON frames, raw terminal bytes base64-encoded inside
// output and input frames.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"wharf/pkg/events"
	"wharf/pkg/hub"
	"wharf/pkg/protocol"
	"wharf/pkg/registry"
	"wharf/pkg/scheduler"
	"wharf/pkg/store"
)

// maxFrameBytes bounds one frame line. Output frames carry base64 chunks
// well under this.
const maxFrameBytes = 1 << 20

// Server owns the Unix socket listener.
type Server struct {
	socketPath string

	store       *store.Store
	sched       *scheduler.Scheduler
	hubs        *hub.Manager
	registry    *registry.Registry
	broadcaster *events.Broadcaster

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server. Call Run to start listening.
func New(socketPath string, st *store.Store, sched *scheduler.Scheduler, hubs *hub.Manager, reg *registry.Registry, b *events.Broadcaster) *Server {
	return &Server{
		socketPath:  socketPath,
		store:       st,
		sched:       sched,
		hubs:        hubs,
		registry:    reg,
		broadcaster: b,
	}
}

// Run binds the socket and serves connections until the context is
// canceled. A stale socket file from a dead daemon is removed first.
func (s *Server) Run(ctx context.Context) error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.socketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ctx, ln)

	<-ctx.Done()
	_ = ln.Close()
	_ = os.Remove(s.socketPath)
	return ctx.Err()
}

// removeStaleSocket deletes a leftover socket file nobody is listening
// on. A live daemon answers the dial and we refuse to clobber it.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.Dial("unix", path) //nolint:noctx // probe, not a session
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s already in use", path)
	}
	return os.Remove(path)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// client wraps one connection for frame writes. Send is safe for
// concurrent use: the hub's output pump and the request handler share it.
type client struct {
	conn net.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn, enc: json.NewEncoder(conn)}
}

func (c *client) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(f)
}

func (c *client) Close() error { return c.conn.Close() }

// handleConn reads line-delimited JSON frames from one connection until
// it closes.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	cl := newClient(conn)
	var attached *hub.Hub

	defer func() {
		if attached != nil {
			attached.Detach(ctx, cl)
		}
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			s.sendError(cl, "", fmt.Sprintf("bad frame: %v", err), true)
			continue
		}

		switch frame.Type {
		case protocol.FramePing:
			_ = cl.Send(protocol.Frame{Type: protocol.FramePong})

		case protocol.FrameRequest:
			if frame.Request == nil {
				s.sendError(cl, "", "request frame without payload", true)
				continue
			}
			result := s.handleRequest(ctx, *frame.Request)
			_ = cl.Send(protocol.Frame{Type: protocol.FrameResult, Result: &result})

		case protocol.FrameAttach:
			if frame.Attach == nil {
				s.sendError(cl, "", "attach frame without payload", true)
				continue
			}
			h, err := s.attach(ctx, cl, *frame.Attach)
			if err != nil {
				s.sendError(cl, frame.Attach.SessionID, err.Error(), true)
				continue
			}
			attached = h

		case protocol.FrameInput:
			if frame.Input == nil {
				continue
			}
			s.input(ctx, cl, *frame.Input)

		case protocol.FrameResize:
			if frame.Resize == nil {
				continue
			}
			if h := s.hubs.Get(frame.Resize.SessionID); h != nil {
				if err := h.Resize(frame.Resize.Cols, frame.Resize.Rows); err != nil {
					s.sendError(cl, frame.Resize.SessionID, err.Error(), true)
				}
			}

		case protocol.FrameAutoApprove:
			if frame.AutoApprove == nil {
				continue
			}
			if h := s.hubs.Get(frame.AutoApprove.SessionID); h != nil {
				h.SetAutoApprove(frame.AutoApprove.Enabled)
			}

		default:
			s.sendError(cl, "", fmt.Sprintf("unexpected frame type %q", frame.Type), true)
		}
	}
}

func (s *Server) sendError(cl *client, sessionID, msg string, recoverable bool) {
	_ = cl.Send(protocol.Frame{
		Type: protocol.FrameError,
		Error: &protocol.ErrorPayload{
			SessionID:   sessionID,
			Message:     msg,
			Recoverable: recoverable,
		},
	})
}

// attach joins the connection to a session's terminal stream. Sessions
// without a live channel get the persisted snapshot and current status; no
// live stream follows until the session runs again.
func (s *Server) attach(ctx context.Context, cl *client, p protocol.AttachPayload) (*hub.Hub, error) {
	if h := s.hubs.Get(p.SessionID); h != nil {
		if err := h.Attach(cl, p.Cols, p.Rows); err != nil {
			return nil, err
		}
		return h, nil
	}

	sess, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.store.Scrollback(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		err = cl.Send(protocol.Frame{
			Type: protocol.FrameOutput,
			Output: &protocol.OutputPayload{
				SessionID: p.SessionID,
				Data:      snapshot,
				Replay:    true,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	_ = cl.Send(protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID:         sess.ID,
			Status:            sess.Status,
			WorkerID:          sess.WorkerID,
			UpstreamSessionID: sess.UpstreamSessionID,
		},
	})
	return nil, nil
}

func (s *Server) input(ctx context.Context, cl *client, p protocol.InputPayload) {
	h := s.hubs.Get(p.SessionID)
	if h == nil {
		s.sendError(cl, p.SessionID, "session has no live terminal", true)
		return
	}
	data := p.Data
	if len(data) == 0 && p.Text != "" {
		data = []byte(p.Text)
	}
	if len(data) == 0 {
		return
	}
	if err := h.Input(ctx, data); err != nil {
		s.sendError(cl, p.SessionID, err.Error(), true)
	}
}

// handleRequest executes one control-plane operation. The op enum is
// matched exhaustively; Valid catches unknown strings first.
func (s *Server) handleRequest(ctx context.Context, req protocol.RequestPayload) protocol.ResultPayload {
	if !req.Op.Valid() {
		return protocol.ResultPayload{Detail: fmt.Sprintf("unknown op %q", req.Op)}
	}

	switch req.Op {
	case protocol.OpSessionCreate:
		return s.sessionCreate(ctx, req)
	case protocol.OpSessionList:
		return s.sessionList(ctx, req)
	case protocol.OpSessionKill:
		return s.sessionKill(ctx, req)
	case protocol.OpSessionDelete:
		return resultFor(s.store.DeleteSession(ctx, req.SessionID))
	case protocol.OpSessionContinue:
		return s.sessionContinue(ctx, req)
	case protocol.OpSessionLock:
		return resultFor(s.store.SetLocked(ctx, req.SessionID, req.Locked))
	case protocol.OpWorkerAdd:
		return s.workerAdd(ctx, req)
	case protocol.OpWorkerList:
		workers, err := s.store.ListWorkers(ctx)
		if err != nil {
			return protocol.ResultPayload{Detail: err.Error()}
		}
		return protocol.ResultPayload{OK: true, Workers: workers}
	case protocol.OpWorkerRemove:
		return resultFor(s.store.DeleteWorker(ctx, req.WorkerID))
	}
	return protocol.ResultPayload{Detail: fmt.Sprintf("unhandled op %q", req.Op)}
}

func resultFor(err error) protocol.ResultPayload {
	if err != nil {
		return protocol.ResultPayload{Detail: err.Error()}
	}
	return protocol.ResultPayload{OK: true}
}

func (s *Server) sessionCreate(ctx context.Context, req protocol.RequestPayload) protocol.ResultPayload {
	if req.WorkingDirectory == "" {
		return protocol.ResultPayload{Detail: "working_directory is required"}
	}

	n := store.NewSession{
		Title:            req.Title,
		WorkingDirectory: req.WorkingDirectory,
		TargetWorkerID:   req.TargetWorkerID,
		IsolatedWorktree: req.IsolatedWorktree,
	}
	if req.Continue {
		prior, err := s.store.FindLatestContinuableSession(ctx, req.WorkingDirectory)
		if err != nil {
			return protocol.ResultPayload{Detail: err.Error()}
		}
		if prior != nil {
			n.UpstreamSessionID = prior.UpstreamSessionID
		}
	}

	sess, err := s.store.CreateSession(ctx, n)
	if err != nil {
		return protocol.ResultPayload{Detail: err.Error()}
	}
	s.broadcaster.Publish(ctx, protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID: sess.ID,
			Status:    sess.Status,
		},
	})
	s.sched.Kick()
	return protocol.ResultPayload{OK: true, Session: sess}
}

func (s *Server) sessionList(ctx context.Context, req protocol.RequestPayload) protocol.ResultPayload {
	var filter protocol.SessionStatus
	if req.StatusFilter != "" {
		filter = protocol.SessionStatus(req.StatusFilter)
		if !filter.Valid() {
			return protocol.ResultPayload{Detail: fmt.Sprintf("unknown status %q", req.StatusFilter)}
		}
	}
	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return protocol.ResultPayload{Detail: err.Error()}
	}
	return protocol.ResultPayload{OK: true, Sessions: sessions}
}

func (s *Server) sessionKill(ctx context.Context, req protocol.RequestPayload) protocol.ResultPayload {
	err := s.hubs.Kill(req.SessionID)
	if errors.Is(err, protocol.ErrSessionNotFound) {
		// No live hub. Reject with the session's actual state so the
		// caller learns whether it was already finished or never started.
		sess, getErr := s.store.GetSession(ctx, req.SessionID)
		if getErr != nil {
			return protocol.ResultPayload{Detail: getErr.Error()}
		}
		return protocol.ResultPayload{Detail: fmt.Sprintf("session is %s, not active", sess.Status)}
	}
	if err != nil {
		return protocol.ResultPayload{Detail: err.Error()}
	}
	return protocol.ResultPayload{OK: true}
}

func (s *Server) sessionContinue(ctx context.Context, req protocol.RequestPayload) protocol.ResultPayload {
	sess, err := s.store.RequeueForContinuation(ctx, req.SessionID)
	if err != nil {
		return protocol.ResultPayload{Detail: err.Error()}
	}
	s.broadcaster.Publish(ctx, protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID:         sess.ID,
			Status:            sess.Status,
			UpstreamSessionID: sess.UpstreamSessionID,
		},
	})
	s.sched.Kick()
	return protocol.ResultPayload{OK: true, Session: sess}
}

func (s *Server) workerAdd(ctx context.Context, req protocol.RequestPayload) protocol.ResultPayload {
	kind := protocol.WorkerKind(req.Kind)
	if kind == protocol.WorkerLocal {
		return protocol.ResultPayload{Detail: "the local worker exists implicitly and cannot be added"}
	}
	if kind != protocol.WorkerRemote {
		return protocol.ResultPayload{Detail: fmt.Sprintf("unknown worker kind %q", req.Kind)}
	}
	if req.Host == "" {
		return protocol.ResultPayload{Detail: "host is required for remote workers"}
	}

	worker, err := s.store.CreateWorker(ctx, store.NewWorker{
		Name:         req.Name,
		Kind:         kind,
		Host:         req.Host,
		Port:         req.Port,
		User:         req.User,
		IdentityFile: req.IdentityFile,
		MaxSessions:  req.MaxSessions,
	})
	if err != nil {
		return protocol.ResultPayload{Detail: err.Error()}
	}

	// First reachability probe runs in the background; a connect kicks
	// admission via the registry hook.
	go func() {
		if err := s.registry.Probe(context.Background(), worker.ID); err != nil {
			log.Printf("server: probe new worker %s: %v", worker.ID, err)
		}
	}()
	return protocol.ResultPayload{OK: true, Worker: worker}
}
