package main

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"wharf/pkg/protocol"
)

// fakeDaemon serves scripted results over a unix socket, one result
// per incoming request frame.
func fakeDaemon(t *testing.T, handler func(protocol.RequestPayload) protocol.ResultPayload) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wharf.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				enc := json.NewEncoder(conn)
				for sc.Scan() {
					var frame protocol.Frame
					if err := json.Unmarshal(sc.Bytes(), &frame); err != nil || frame.Request == nil {
						continue
					}
					result := handler(*frame.Request)
					_ = enc.Encode(protocol.Frame{Type: protocol.FrameResult, Result: &result})
				}
			}(conn)
		}
	}()
	return path
}

func TestFetchStateOffline(t *testing.T) {
	if got := fetchState(filepath.Join(t.TempDir(), "missing.sock")); got != nil {
		t.Errorf("fetchState on missing socket = %+v, want nil", got)
	}
	if got := fetchState(""); got != nil {
		t.Errorf("fetchState on empty path = %+v, want nil", got)
	}
}

func TestFetchStateRoundTrip(t *testing.T) {
	path := fakeDaemon(t, func(req protocol.RequestPayload) protocol.ResultPayload {
		switch req.Op {
		case protocol.OpSessionList:
			return protocol.ResultPayload{OK: true, Sessions: []*protocol.Session{
				{ID: "s-1", Status: protocol.StatusActive},
			}}
		case protocol.OpWorkerList:
			return protocol.ResultPayload{OK: true, Workers: []*protocol.Worker{
				{ID: "local", Kind: protocol.WorkerLocal},
			}}
		default:
			return protocol.ResultPayload{OK: false, Detail: "unexpected op"}
		}
	})

	state := fetchState(path)
	if state == nil {
		t.Fatal("fetchState returned nil for a live daemon")
	}
	if len(state.Sessions) != 1 || state.Sessions[0].ID != "s-1" {
		t.Errorf("sessions = %+v", state.Sessions)
	}
	if len(state.Workers) != 1 || state.Workers[0].ID != "local" {
		t.Errorf("workers = %+v", state.Workers)
	}
}

func TestKillSession(t *testing.T) {
	var gotID string
	path := fakeDaemon(t, func(req protocol.RequestPayload) protocol.ResultPayload {
		if req.Op != protocol.OpSessionKill {
			return protocol.ResultPayload{OK: false, Detail: "unexpected op"}
		}
		gotID = req.SessionID
		return protocol.ResultPayload{OK: true}
	})

	if err := killSession(path, "s-42"); err != nil {
		t.Fatalf("killSession: %v", err)
	}
	if gotID != "s-42" {
		t.Errorf("daemon saw session id %q, want s-42", gotID)
	}
}

func TestKillSessionError(t *testing.T) {
	path := fakeDaemon(t, func(protocol.RequestPayload) protocol.ResultPayload {
		return protocol.ResultPayload{OK: false, Detail: "session is queued, not active"}
	})

	err := killSession(path, "s-1")
	if err == nil || !strings.Contains(err.Error(), "queued") {
		t.Errorf("killSession error = %v, want daemon detail", err)
	}
}
