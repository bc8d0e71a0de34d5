package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"wharf/pkg/config"
	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

// fetchTimeout bounds one daemon socket round-trip.
const fetchTimeout = 3 * time.Second

// daemonState is one refresh worth of daemon data. nil means the
// daemon is offline.
type daemonState struct {
	Sessions []*protocol.Session
	Workers  []*protocol.Worker
}

// socketPath returns the daemon socket path from the wharf config.
func socketPath() string {
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.SocketPath
}

// dbPath returns the state database path from the wharf config.
func dbPath() string {
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.DBPath
}

// fetchState connects to the daemon socket and pulls the session and
// worker lists. Returns nil if the daemon is offline; the daemon being
// down is not an error condition for the dashboard.
func fetchState(path string) *daemonState {
	if path == "" {
		return nil
	}
	// Fast path: missing socket means no daemon.
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", path, fetchTimeout)
	if err != nil {
		return nil
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(fetchTimeout))

	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	sessions, err := roundTrip(enc, sc, protocol.OpSessionList)
	if err != nil {
		return nil
	}
	workers, err := roundTrip(enc, sc, protocol.OpWorkerList)
	if err != nil {
		return nil
	}

	return &daemonState{Sessions: sessions.Sessions, Workers: workers.Workers}
}

// roundTrip sends one request frame and scans until its result comes
// back, skipping any broadcast frames the daemon interleaves.
func roundTrip(enc *json.Encoder, sc *bufio.Scanner, op protocol.RequestOp) (*protocol.ResultPayload, error) {
	req := protocol.Frame{
		Type:    protocol.FrameRequest,
		Request: &protocol.RequestPayload{Op: op},
	}
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}

	for sc.Scan() {
		var frame protocol.Frame
		if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Type != protocol.FrameResult || frame.Result == nil {
			continue
		}
		if !frame.Result.OK {
			return nil, fmt.Errorf("%s: %s", op, frame.Result.Detail)
		}
		return frame.Result, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s result: %w", op, err)
	}
	return nil, fmt.Errorf("connection closed before %s result", op)
}

// killSession asks the daemon to kill an active session.
func killSession(path, sessionID string) error {
	conn, err := net.DialTimeout("unix", path, fetchTimeout)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(fetchTimeout))

	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	req := protocol.Frame{
		Type:    protocol.FrameRequest,
		Request: &protocol.RequestPayload{Op: protocol.OpSessionKill, SessionID: sessionID},
	}
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("send kill: %w", err)
	}
	for sc.Scan() {
		var frame protocol.Frame
		if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Type != protocol.FrameResult || frame.Result == nil {
			continue
		}
		if !frame.Result.OK {
			return fmt.Errorf("kill %s: %s", sessionID, frame.Result.Detail)
		}
		return nil
	}
	return fmt.Errorf("connection closed before kill result")
}

// fetchEvents reads the most recent events for a session straight from
// the state database, newest first.
func fetchEvents(path, sessionID string, limit int) ([]store.Event, error) {
	if path == "" {
		return nil, fmt.Errorf("no database path configured")
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	return st.QueryEvents(ctx, sessionID, limit)
}
