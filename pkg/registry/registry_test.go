package registry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func activateSession(t *testing.T, st *store.Store, workerID string) *protocol.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, store.NewSession{Title: "t", WorkingDirectory: "/tmp/w"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := st.ActivateSession(ctx, sess.ID, workerID, "pid:1"); err != nil {
		t.Fatalf("activate session: %v", err)
	}
	return sess
}

func TestCapacityAvailable(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	local, err := st.EnsureLocalWorker(ctx, "local", 2)
	if err != nil {
		t.Fatalf("ensure local: %v", err)
	}

	ok, err := reg.CapacityAvailable(ctx, local.ID)
	if err != nil || !ok {
		t.Fatalf("empty worker: ok=%v err=%v, want available", ok, err)
	}

	activateSession(t, st, local.ID)
	ok, _ = reg.CapacityAvailable(ctx, local.ID)
	if !ok {
		t.Fatal("one of two slots used, want available")
	}

	activateSession(t, st, local.ID)
	ok, _ = reg.CapacityAvailable(ctx, local.ID)
	if ok {
		t.Fatal("both slots used, want unavailable")
	}
}

func TestCapacityGlobalCap(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	local, err := st.EnsureLocalWorker(ctx, "local", 5)
	if err != nil {
		t.Fatalf("ensure local: %v", err)
	}
	remote, err := st.CreateWorker(ctx, store.NewWorker{
		Name: "r1", Kind: protocol.WorkerRemote, Host: "10.0.0.1", MaxSessions: 5,
	})
	if err != nil {
		t.Fatalf("create remote: %v", err)
	}

	reg.GlobalCap = 2
	activateSession(t, st, local.ID)
	activateSession(t, st, remote.ID)

	// Both workers have per-worker headroom, but the deployment cap is hit.
	for _, id := range []string{local.ID, remote.ID} {
		ok, err := reg.CapacityAvailable(ctx, id)
		if err != nil {
			t.Fatalf("capacity: %v", err)
		}
		if ok {
			t.Errorf("worker %s available despite global cap", id)
		}
	}

	reg.GlobalCap = 0
	ok, _ := reg.CapacityAvailable(ctx, local.ID)
	if !ok {
		t.Error("cap disabled, want available")
	}
}

func TestEligibleWorkers(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	local, _ := st.EnsureLocalWorker(ctx, "local", 2)
	remote, err := st.CreateWorker(ctx, store.NewWorker{
		Name: "r1", Kind: protocol.WorkerRemote, Host: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("create remote: %v", err)
	}

	// Remote starts disconnected: only the local worker is a candidate.
	workers, err := reg.EligibleWorkers(ctx, "")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != local.ID {
		t.Fatalf("got %d workers, want just local", len(workers))
	}

	if err := reg.MarkConnected(ctx, remote.ID); err != nil {
		t.Fatalf("mark connected: %v", err)
	}
	workers, _ = reg.EligibleWorkers(ctx, "")
	if len(workers) != 2 {
		t.Fatalf("got %d workers after connect, want 2", len(workers))
	}
	if workers[0].Kind != protocol.WorkerLocal {
		t.Error("local worker not listed first")
	}

	// Pinned to a worker in error state: no candidates, not an error.
	if err := reg.MarkError(ctx, remote.ID); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	workers, err = reg.EligibleWorkers(ctx, remote.ID)
	if err != nil {
		t.Fatalf("eligible pinned: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("errored worker still eligible")
	}
}

func TestProbeTransitions(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	remote, err := st.CreateWorker(ctx, store.NewWorker{
		Name: "r1", Kind: protocol.WorkerRemote, Host: "10.0.0.1", Port: 22,
	})
	if err != nil {
		t.Fatalf("create remote: %v", err)
	}

	var connected []string
	reg.OnConnect = func(id string) { connected = append(connected, id) }

	reg.SetDialFunc(func(_, _ string, _ time.Duration) (net.Conn, error) {
		c, s := net.Pipe()
		go func() { _ = s.Close() }()
		return c, nil
	})
	if err := reg.Probe(ctx, remote.ID); err != nil {
		t.Fatalf("probe: %v", err)
	}
	got, _ := st.GetWorker(ctx, remote.ID)
	if got.Status != protocol.WorkerConnected {
		t.Fatalf("status = %s, want connected", got.Status)
	}
	if got.LastHeartbeat == nil {
		t.Error("heartbeat not recorded")
	}
	if len(connected) != 1 || connected[0] != remote.ID {
		t.Fatalf("OnConnect fired %v, want once for %s", connected, remote.ID)
	}

	// Second successful probe does not re-fire the hook.
	if err := reg.Probe(ctx, remote.ID); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(connected) != 1 {
		t.Fatalf("OnConnect fired %d times, want 1", len(connected))
	}

	// Probe failure flips the worker to error.
	reg.SetDialFunc(func(_, _ string, _ time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	err = reg.Probe(ctx, remote.ID)
	var unreachable *protocol.WorkerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("probe error = %v, want WorkerUnreachableError", err)
	}
	got, _ = st.GetWorker(ctx, remote.ID)
	if got.Status != protocol.WorkerError {
		t.Fatalf("status = %s, want error", got.Status)
	}
}
