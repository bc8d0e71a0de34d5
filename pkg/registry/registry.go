// Package registry tracks worker liveness and capacity. It wraps the
// worker rows in the store with an admission view (which workers may take
// a new session right now) and a heartbeat loop that probes remote
// workers and drives their status transitions.
package registry

import (
	"context"
	"fmt"
	"net"
	"time"

	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

// DefaultProbeTimeout bounds a single remote reachability probe.
const DefaultProbeTimeout = 5 * time.Second

// DefaultHeartbeatInterval is how often the monitor loop probes remote
// workers.
const DefaultHeartbeatInterval = 30 * time.Second

type dialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Registry answers capacity questions and runs the heartbeat monitor.
type Registry struct {
	store *store.Store

	// GlobalCap limits active sessions across all workers. Zero disables
	// the deployment-wide cap.
	GlobalCap int

	probeTimeout time.Duration
	interval     time.Duration
	dial         dialFunc

	// OnConnect fires when a worker transitions to connected, so the
	// scheduler can re-run admission.
	OnConnect func(workerID string)
}

// New creates a Registry over the given store.
func New(st *store.Store) *Registry {
	return &Registry{
		store:        st,
		probeTimeout: DefaultProbeTimeout,
		interval:     DefaultHeartbeatInterval,
		dial:         net.DialTimeout,
	}
}

//wharf:testonly
// SetDialFunc replaces the probe dialer.
func (r *Registry) SetDialFunc(fn dialFunc) { r.dial = fn }

//wharf:testonly
// SetHeartbeatInterval overrides the monitor cadence.
func (r *Registry) SetHeartbeatInterval(d time.Duration) { r.interval = d }

// CapacityAvailable reports whether the worker may take one more session:
// its active count is below its per-worker cap and, when a global cap is
// configured, the deployment-wide active count is below that too.
func (r *Registry) CapacityAvailable(ctx context.Context, workerID string) (bool, error) {
	worker, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	active, err := r.store.CountActiveSessionsOnWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	if active >= worker.MaxSessions {
		return false, nil
	}
	if r.GlobalCap > 0 {
		total, err := r.store.CountActiveSessions(ctx)
		if err != nil {
			return false, err
		}
		if total >= r.GlobalCap {
			return false, nil
		}
	}
	return true, nil
}

// EligibleWorkers returns admission candidates, local first. A non-empty
// targetWorkerID pins the result to that single worker (still subject to
// the eligibility rules). Remote workers in disconnected or error state
// are excluded until a heartbeat brings them back.
func (r *Registry) EligibleWorkers(ctx context.Context, targetWorkerID string) ([]*protocol.Worker, error) {
	if targetWorkerID != "" {
		worker, err := r.store.GetWorker(ctx, targetWorkerID)
		if err != nil {
			return nil, err
		}
		if !eligible(worker) {
			return nil, nil
		}
		return []*protocol.Worker{worker}, nil
	}

	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := workers[:0]
	for _, w := range workers {
		if eligible(w) {
			out = append(out, w)
		}
	}
	return out, nil
}

func eligible(w *protocol.Worker) bool {
	if w.Kind == protocol.WorkerLocal {
		return true
	}
	return w.Status == protocol.WorkerConnected
}

// MarkConnected records a successful open or heartbeat and fires the
// connect hook when the status actually changed.
func (r *Registry) MarkConnected(ctx context.Context, workerID string) error {
	worker, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	wasConnected := worker.Status == protocol.WorkerConnected
	if err := r.store.SetWorkerStatus(ctx, workerID, protocol.WorkerConnected); err != nil {
		return err
	}
	if !wasConnected && r.OnConnect != nil {
		r.OnConnect(workerID)
	}
	return nil
}

// MarkError records a channel-open or probe failure. Active sessions on
// the worker are left alone; the worker just stops taking new ones.
func (r *Registry) MarkError(ctx context.Context, workerID string) error {
	return r.store.SetWorkerStatus(ctx, workerID, protocol.WorkerError)
}

// Probe checks reachability of a single remote worker and applies the
// resulting status transition. Local workers are always reachable.
func (r *Registry) Probe(ctx context.Context, workerID string) error {
	worker, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if worker.Kind == protocol.WorkerLocal {
		return r.store.TouchWorkerHeartbeat(ctx, workerID)
	}

	conn, err := r.dial("tcp", worker.Addr(), r.probeTimeout)
	if err != nil {
		if markErr := r.MarkError(ctx, workerID); markErr != nil {
			return markErr
		}
		return &protocol.WorkerUnreachableError{WorkerID: workerID, Reason: err.Error()}
	}
	_ = conn.Close()
	return r.MarkConnected(ctx, workerID)
}

// Run drives the heartbeat monitor until the context is canceled. Each
// tick probes every remote worker; probe failures are status transitions,
// not loop errors.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.probeAll(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) error {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	for _, w := range workers {
		if w.Kind != protocol.WorkerRemote {
			continue
		}
		// Unreachable is an expected outcome, recorded on the row.
		_ = r.Probe(ctx, w.ID)
	}
	return nil
}
