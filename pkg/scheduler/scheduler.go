// Package scheduler admits queued sessions onto workers. It is
// event-triggered rather than polling: enqueue, capacity-freed, and
// worker-connected all kick the same wake channel, and each wake scans the
// queue in position order.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"

	"wharf/pkg/events"
	"wharf/pkg/execchan"
	"wharf/pkg/protocol"
	"wharf/pkg/registry"
	"wharf/pkg/store"
)

// Scheduler runs the admission loop.
type Scheduler struct {
	store       *store.Store
	registry    *registry.Registry
	opener      execchan.Opener
	broadcaster *events.Broadcaster

	// AgentCommand and AgentArgs describe the process spawned for every
	// session, from config.
	AgentCommand string
	AgentArgs    []string

	// OnStarted receives each newly opened channel. The hub layer owns
	// the channel from that point on.
	OnStarted func(sess *protocol.Session, ch execchan.Channel)

	wake chan struct{}

	mu          sync.Mutex
	workerLocks map[string]*sync.Mutex
}

// New creates a Scheduler. Call Kick after wiring OnStarted.
func New(st *store.Store, reg *registry.Registry, opener execchan.Opener, b *events.Broadcaster) *Scheduler {
	return &Scheduler{
		store:       st,
		registry:    reg,
		opener:      opener,
		broadcaster: b,
		wake:        make(chan struct{}, 1),
		workerLocks: make(map[string]*sync.Mutex),
	}
}

// Kick requests an admission pass. Coalesces: any number of kicks while a
// pass is pending collapse into one.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run processes wake events until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if err := s.admitPending(ctx); err != nil {
				log.Printf("scheduler: admission pass: %v", err)
			}
		}
	}
}

// workerLock returns the per-worker admission mutex. The capacity check
// and the activation that consumes the slot happen under it, so two
// concurrent passes cannot both take a worker's last slot.
func (s *Scheduler) workerLock(workerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.workerLocks[workerID]
	if !ok {
		l = &sync.Mutex{}
		s.workerLocks[workerID] = l
	}
	return l
}

// admitPending scans queued sessions in position order and starts every
// one that fits somewhere. Sessions that don't fit are skipped, not
// blocked on: a later session pinned to an idle worker may still run.
func (s *Scheduler) admitPending(ctx context.Context) error {
	queued, err := s.store.ListQueued(ctx)
	if err != nil {
		return err
	}
	for _, sess := range queued {
		worker, err := s.reserve(ctx, sess)
		if err != nil {
			return err
		}
		if worker == nil {
			continue
		}
		go s.open(ctx, sess, worker)
	}
	return nil
}

// reserve finds a worker with capacity for the session and activates the
// session on it, consuming the slot. Returns nil without error when
// nothing fits right now.
func (s *Scheduler) reserve(ctx context.Context, sess *protocol.Session) (*protocol.Worker, error) {
	candidates, err := s.registry.EligibleWorkers(ctx, sess.TargetWorkerID)
	if err != nil {
		return nil, err
	}
	for _, worker := range candidates {
		lock := s.workerLock(worker.ID)
		lock.Lock()
		ok, err := s.registry.CapacityAvailable(ctx, worker.ID)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		if !ok {
			lock.Unlock()
			continue
		}
		_, err = s.store.ActivateSession(ctx, sess.ID, worker.ID, "")
		lock.Unlock()
		if err != nil {
			// Raced with a kill or delete; the session is no longer ours
			// to place.
			var illegal *protocol.IllegalTransitionError
			if errors.As(err, &illegal) {
				return nil, nil
			}
			return nil, err
		}
		return worker, nil
	}
	return nil, nil
}

// open runs off the decision loop: dialing a remote worker can take
// seconds and must not stall admission of other sessions.
func (s *Scheduler) open(ctx context.Context, sess *protocol.Session, worker *protocol.Worker) {
	req := execchan.OpenRequest{
		WorkingDirectory: sess.WorkingDirectory,
		Command:          s.AgentCommand,
		Args:             s.AgentArgs,
		ResumeID:         sess.UpstreamSessionID,
	}
	ch, err := s.opener.Open(ctx, worker, req)
	if err != nil {
		s.openFailed(ctx, sess, worker, err)
		return
	}

	if err := s.store.SetProcessHandle(ctx, sess.ID, ch.Handle()); err != nil {
		log.Printf("scheduler: record handle for session %s: %v", sess.ID, err)
	}
	if err := s.registry.MarkConnected(ctx, worker.ID); err != nil {
		log.Printf("scheduler: mark worker %s connected: %v", worker.ID, err)
	}

	started, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		started = sess
	}
	s.broadcaster.Publish(ctx, protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID:     sess.ID,
			Status:        protocol.StatusActive,
			WorkerID:      worker.ID,
			ProcessHandle: ch.Handle(),
		},
	})
	if s.OnStarted != nil {
		s.OnStarted(started, ch)
	}
}

// openFailed drives the session to failed and records the worker error.
// The freed slot triggers another pass; a different session may fit where
// this one could not start.
func (s *Scheduler) openFailed(ctx context.Context, sess *protocol.Session, worker *protocol.Worker, openErr error) {
	wrapped := &protocol.ChannelOpenError{
		SessionID: sess.ID,
		WorkerID:  worker.ID,
		Err:       openErr,
	}
	log.Printf("scheduler: %v", wrapped)

	if _, err := s.store.FailSession(ctx, sess.ID); err != nil {
		log.Printf("scheduler: fail session %s: %v", sess.ID, err)
	}
	if worker.Kind == protocol.WorkerRemote {
		if err := s.registry.MarkError(ctx, worker.ID); err != nil {
			log.Printf("scheduler: mark worker %s error: %v", worker.ID, err)
		}
	}

	s.broadcaster.Publish(ctx, protocol.Frame{
		Type: protocol.FrameError,
		Error: &protocol.ErrorPayload{
			SessionID: sess.ID,
			Message:   wrapped.Error(),
		},
	})
	s.broadcaster.Publish(ctx, protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID: sess.ID,
			Status:    protocol.StatusFailed,
			WorkerID:  worker.ID,
		},
	})
	s.Kick()
}

// SessionFinished records a session's exit and frees its slot. Called by
// the hub when the channel reports the process exit.
func (s *Scheduler) SessionFinished(ctx context.Context, sessionID, upstreamID string, exitCode int) (*protocol.Session, error) {
	var (
		sess *protocol.Session
		err  error
	)
	if exitCode == 0 {
		sess, err = s.store.CompleteSession(ctx, sessionID, upstreamID)
	} else {
		sess, err = s.store.FailSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	s.broadcaster.Publish(ctx, protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID:         sessionID,
			Status:            sess.Status,
			WorkerID:          sess.WorkerID,
			UpstreamSessionID: sess.UpstreamSessionID,
			ExitCode:          &exitCode,
		},
	})
	s.Kick()
	return sess, nil
}
