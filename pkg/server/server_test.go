package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"wharf/pkg/events"
	"wharf/pkg/execchan"
	"wharf/pkg/hub"
	"wharf/pkg/protocol"
	"wharf/pkg/registry"
	"wharf/pkg/scheduler"
	"wharf/pkg/store"
)

type stubOpener struct{}

func (stubOpener) Open(_ context.Context, _ *protocol.Worker, _ execchan.OpenRequest) (execchan.Channel, error) {
	panic("no channel opens expected in these tests")
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := events.NewBroadcaster()
	reg := registry.New(st)
	sched := scheduler.New(st, reg, stubOpener{}, b)
	hubs := hub.NewManager(st, b, sched.SessionFinished, hub.Options{})
	return New("", st, sched, hubs, reg, b), st
}

// testConn drives one connection against handleConn.
type testConn struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func dialTestServer(t *testing.T, srv *Server) *testConn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go srv.handleConn(context.Background(), serverSide)
	t.Cleanup(func() { _ = clientSide.Close() })
	return &testConn{
		conn: clientSide,
		enc:  json.NewEncoder(clientSide),
		dec:  json.NewDecoder(clientSide),
	}
}

func (c *testConn) send(t *testing.T, f protocol.Frame) {
	t.Helper()
	if err := c.enc.Encode(f); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func (c *testConn) recv(t *testing.T) protocol.Frame {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := c.dec.Decode(&f); err != nil {
		t.Fatalf("recv frame: %v", err)
	}
	return f
}

func (c *testConn) request(t *testing.T, req protocol.RequestPayload) protocol.ResultPayload {
	t.Helper()
	c.send(t, protocol.Frame{Type: protocol.FrameRequest, Request: &req})
	f := c.recv(t)
	if f.Type != protocol.FrameResult || f.Result == nil {
		t.Fatalf("got %s frame, want result", f.Type)
	}
	return *f.Result
}

func TestPingPong(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialTestServer(t, srv)

	c.send(t, protocol.Frame{Type: protocol.FramePing})
	if f := c.recv(t); f.Type != protocol.FramePong {
		t.Fatalf("got %s, want pong", f.Type)
	}
}

func TestSessionCreateAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialTestServer(t, srv)

	res := c.request(t, protocol.RequestPayload{
		Op:               protocol.OpSessionCreate,
		Title:            "fix tests",
		WorkingDirectory: "/tmp/proj",
	})
	if !res.OK || res.Session == nil {
		t.Fatalf("create failed: %+v", res)
	}
	if res.Session.Status != protocol.StatusQueued {
		t.Errorf("new session status = %s, want queued", res.Session.Status)
	}

	res = c.request(t, protocol.RequestPayload{Op: protocol.OpSessionCreate})
	if res.OK {
		t.Error("create without working_directory succeeded")
	}

	res = c.request(t, protocol.RequestPayload{Op: protocol.OpSessionList})
	if !res.OK || len(res.Sessions) != 1 {
		t.Fatalf("list: %+v", res)
	}

	res = c.request(t, protocol.RequestPayload{Op: protocol.OpSessionList, StatusFilter: "bogus"})
	if res.OK {
		t.Error("list with unknown status filter succeeded")
	}
}

func TestSessionCreateContinueInheritsUpstream(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	local, _ := st.EnsureLocalWorker(ctx, "local", 2)
	prior, err := st.CreateSession(ctx, store.NewSession{Title: "p", WorkingDirectory: "/tmp/proj"})
	if err != nil {
		t.Fatalf("create prior: %v", err)
	}
	if _, err := st.ActivateSession(ctx, prior.ID, local.ID, "pid:1"); err != nil {
		t.Fatalf("activate prior: %v", err)
	}
	if _, err := st.CompleteSession(ctx, prior.ID, "conv-7"); err != nil {
		t.Fatalf("complete prior: %v", err)
	}

	c := dialTestServer(t, srv)
	res := c.request(t, protocol.RequestPayload{
		Op:               protocol.OpSessionCreate,
		WorkingDirectory: "/tmp/proj",
		Continue:         true,
	})
	if !res.OK {
		t.Fatalf("create: %+v", res)
	}
	if res.Session.UpstreamSessionID != "conv-7" {
		t.Errorf("upstream = %q, want conv-7", res.Session.UpstreamSessionID)
	}

	// A different directory has nothing to continue: starts fresh.
	res = c.request(t, protocol.RequestPayload{
		Op:               protocol.OpSessionCreate,
		WorkingDirectory: "/tmp/other",
		Continue:         true,
	})
	if !res.OK || res.Session.UpstreamSessionID != "" {
		t.Errorf("fresh session upstream = %q, want empty", res.Session.UpstreamSessionID)
	}
}

func TestKillNonActiveSessionRefused(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, store.NewSession{Title: "q", WorkingDirectory: "/tmp/proj"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialTestServer(t, srv)
	res := c.request(t, protocol.RequestPayload{Op: protocol.OpSessionKill, SessionID: sess.ID})
	if res.OK {
		t.Error("kill of queued session succeeded")
	}
	if res.Detail == "" {
		t.Error("refusal carries no detail")
	}
}

func TestDeleteSemanticsOverSocket(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, store.NewSession{Title: "q", WorkingDirectory: "/tmp/proj"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialTestServer(t, srv)
	res := c.request(t, protocol.RequestPayload{Op: protocol.OpSessionDelete, SessionID: sess.ID})
	if !res.OK {
		t.Fatalf("delete: %+v", res)
	}
	// Second delete reports not-found instead of succeeding silently.
	res = c.request(t, protocol.RequestPayload{Op: protocol.OpSessionDelete, SessionID: sess.ID})
	if res.OK {
		t.Error("second delete succeeded")
	}
}

func TestWorkerAddListRemove(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	if _, err := st.EnsureLocalWorker(ctx, "local", 2); err != nil {
		t.Fatalf("ensure local: %v", err)
	}

	c := dialTestServer(t, srv)

	res := c.request(t, protocol.RequestPayload{
		Op: protocol.OpWorkerAdd, Name: "gpu-box", Kind: "remote",
		Host: "203.0.113.5", User: "deploy", MaxSessions: 3,
	})
	if !res.OK || res.Worker == nil {
		t.Fatalf("worker add: %+v", res)
	}
	if res.Worker.MaxSessions != 3 {
		t.Errorf("max sessions = %d, want 3", res.Worker.MaxSessions)
	}

	res = c.request(t, protocol.RequestPayload{Op: protocol.OpWorkerAdd, Kind: "local"})
	if res.OK {
		t.Error("adding a second local worker succeeded")
	}
	res = c.request(t, protocol.RequestPayload{Op: protocol.OpWorkerAdd, Kind: "remote"})
	if res.OK {
		t.Error("remote worker without host succeeded")
	}

	res = c.request(t, protocol.RequestPayload{Op: protocol.OpWorkerList})
	if !res.OK || len(res.Workers) != 2 {
		t.Fatalf("worker list: %+v", res)
	}
	if res.Workers[0].Kind != protocol.WorkerLocal {
		t.Error("local worker not listed first")
	}

	local := res.Workers[0]
	res = c.request(t, protocol.RequestPayload{Op: protocol.OpWorkerRemove, WorkerID: local.ID})
	if res.OK {
		t.Error("removing the local worker succeeded")
	}
}

func TestAttachFinishedSessionReplaysSnapshot(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	local, _ := st.EnsureLocalWorker(ctx, "local", 2)
	sess, err := st.CreateSession(ctx, store.NewSession{Title: "t", WorkingDirectory: "/tmp/proj"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.ActivateSession(ctx, sess.ID, local.ID, "pid:1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := st.CompleteSession(ctx, sess.ID, "conv-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := st.SetScrollback(ctx, sess.ID, []byte("final terminal state")); err != nil {
		t.Fatalf("set scrollback: %v", err)
	}

	c := dialTestServer(t, srv)
	c.send(t, protocol.Frame{
		Type:   protocol.FrameAttach,
		Attach: &protocol.AttachPayload{SessionID: sess.ID, Cols: 80, Rows: 24},
	})

	first := c.recv(t)
	if first.Type != protocol.FrameOutput || !first.Output.Replay {
		t.Fatalf("first frame = %s (replay=%v), want replay output", first.Type, first.Output != nil && first.Output.Replay)
	}
	if string(first.Output.Data) != "final terminal state" {
		t.Errorf("replay data = %q", first.Output.Data)
	}

	second := c.recv(t)
	if second.Type != protocol.FrameSessionStatus {
		t.Fatalf("second frame = %s, want session_status", second.Type)
	}
	if second.SessionStatus.Status != protocol.StatusCompleted {
		t.Errorf("status = %s, want completed", second.SessionStatus.Status)
	}
}

func TestInputWithoutLiveSessionReportsError(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialTestServer(t, srv)

	c.send(t, protocol.Frame{
		Type:  protocol.FrameInput,
		Input: &protocol.InputPayload{SessionID: "nope", Data: []byte("x")},
	})
	f := c.recv(t)
	if f.Type != protocol.FrameError || f.Error == nil {
		t.Fatalf("got %s, want error frame", f.Type)
	}
	if !f.Error.Recoverable {
		t.Error("error not marked recoverable")
	}
}

func TestUnknownOpRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dialTestServer(t, srv)

	res := c.request(t, protocol.RequestPayload{Op: "session_explode"})
	if res.OK {
		t.Error("unknown op succeeded")
	}
}
