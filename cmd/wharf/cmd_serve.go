package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wharf/pkg/config"
	"wharf/pkg/events"
	"wharf/pkg/execchan"
	"wharf/pkg/hub"
	"wharf/pkg/protocol"
	"wharf/pkg/registry"
	"wharf/pkg/scheduler"
	"wharf/pkg/server"
	"wharf/pkg/store"

	"github.com/spf13/cobra"
)

// newServeCmd creates the "wharf serve" subcommand, the daemon process
// that owns the store, the scheduler, and the socket.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the wharf daemon",
		Long:  "Runs the wharf daemon: the admission scheduler, the worker heartbeat\nmonitor, and the Unix socket serving terminal streams and control requests.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", cfg.Home, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if _, err := st.EnsureLocalWorker(ctx, "local", cfg.LocalMaxSessions); err != nil {
		return fmt.Errorf("ensure local worker: %w", err)
	}
	if err := recoverOrphanedSessions(ctx, st); err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()
	broadcaster.Store = st

	reg := registry.New(st)
	reg.GlobalCap = cfg.GlobalMaxSessions
	if iv := cfg.HeartbeatInterval(); iv > 0 {
		reg.SetHeartbeatInterval(iv)
	}

	sched := scheduler.New(st, reg, execchan.NewRouter(), broadcaster)
	sched.AgentCommand = cfg.AgentCommand
	sched.AgentArgs = cfg.AgentArgs
	reg.OnConnect = func(string) { sched.Kick() }

	hubs := hub.NewManager(st, broadcaster, sched.SessionFinished, hub.Options{
		ScrollbackBytes: cfg.ScrollbackBytes,
		IdleThreshold:   cfg.IdleThreshold(),
		WatchFiles:      true,
	})
	sched.OnStarted = hubs.Started

	srv := server.New(cfg.SocketPath, st, sched, hubs, reg, broadcaster)

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scheduler stopped: %v", err)
		}
	}()
	go func() {
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("heartbeat monitor stopped: %v", err)
		}
	}()

	// Sessions queued before a daemon restart are still waiting.
	sched.Kick()

	fmt.Fprintf(out, "wharf daemon listening on %s\n", cfg.SocketPath)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// recoverOrphanedSessions fails sessions left active by a crashed daemon.
// Their processes died with the daemon that spawned them; the rows must
// not keep occupying worker capacity.
func recoverOrphanedSessions(ctx context.Context, st *store.Store) error {
	active, err := st.ListSessions(ctx, protocol.StatusActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, sess := range active {
		if _, err := st.FailSession(ctx, sess.ID); err != nil {
			return fmt.Errorf("fail orphaned session %s: %w", sess.ID, err)
		}
		log.Printf("recovered orphaned session %s (was active on %s)", sess.ID, sess.WorkerID)
	}
	return nil
}
