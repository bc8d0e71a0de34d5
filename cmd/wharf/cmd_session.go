package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"wharf/pkg/config"
	"wharf/pkg/protocol"

	"github.com/spf13/cobra"
)

// newSessionCmd creates the "wharf session" subcommand group.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and manage agent sessions",
	}
	cmd.AddCommand(
		newSessionCreateCmd(),
		newSessionListCmd(),
		newSessionKillCmd(),
		newSessionDeleteCmd(),
		newSessionContinueCmd(),
		newSessionLockCmd(),
	)
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var (
		title    string
		dir      string
		worker   string
		cont     bool
		isolated bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a new agent session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("get working directory: %w", err)
				}
				dir = cwd
			}
			if worker == "" {
				if o, ok := config.LoadProjectOverride(dir); ok {
					worker = o.TargetWorker
				}
			}

			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			res, err := c.request(protocol.RequestPayload{
				Op:               protocol.OpSessionCreate,
				Title:            title,
				WorkingDirectory: dir,
				TargetWorkerID:   worker,
				Continue:         cont,
				IsolatedWorktree: isolated,
			})
			if err != nil {
				return err
			}
			sess := res.Session
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s", sess.ID)
			if sess.QueuePosition != nil {
				fmt.Fprintf(cmd.OutOrStdout(), " at position %d", *sess.QueuePosition)
			}
			if sess.UpstreamSessionID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (continuing %s)", sess.UpstreamSessionID)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "session title")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: current directory)")
	cmd.Flags().StringVar(&worker, "worker", "", "pin the session to a worker id")
	cmd.Flags().BoolVar(&cont, "continue", false, "continue the most recent completed conversation in this directory")
	cmd.Flags().BoolVar(&isolated, "isolated", false, "run in an isolated worktree")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			res, err := c.request(protocol.RequestPayload{
				Op:           protocol.OpSessionList,
				StatusFilter: statusFilter,
			})
			if err != nil {
				return err
			}
			printSessionTable(cmd.OutOrStdout(), res.Sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (queued|active|completed|failed)")
	return cmd
}

func printSessionTable(out io.Writer, sessions []*protocol.Session) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPOS\tTITLE\tDIRECTORY\tWORKER\tFLAGS")
	for _, s := range sessions {
		pos := "-"
		if s.QueuePosition != nil {
			pos = fmt.Sprintf("%d", *s.QueuePosition)
		}
		var flags string
		if s.NeedsInput {
			flags += "!input "
		}
		if s.Locked {
			flags += "locked "
		}
		if s.ContinuationCount > 0 {
			flags += fmt.Sprintf("cont:%d", s.ContinuationCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Status, pos, s.Title, s.WorkingDirectory, shortID(s.WorkerID), flags)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newSessionKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate an active session's process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleSessionOp(cmd, protocol.RequestPayload{
				Op:        protocol.OpSessionKill,
				SessionID: args[0],
			}, "killed")
		},
	}
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a non-active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleSessionOp(cmd, protocol.RequestPayload{
				Op:        protocol.OpSessionDelete,
				SessionID: args[0],
			}, "deleted")
		},
	}
}

func newSessionContinueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "continue <session-id>",
		Short: "Re-queue a finished session to resume its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			res, err := c.request(protocol.RequestPayload{
				Op:        protocol.OpSessionContinue,
				SessionID: args[0],
			})
			if err != nil {
				return err
			}
			sess := res.Session
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s", shortID(sess.ID))
			if sess.QueuePosition != nil {
				fmt.Fprintf(cmd.OutOrStdout(), " at position %d", *sess.QueuePosition)
			}
			fmt.Fprintf(cmd.OutOrStdout(), " (continuation #%d)\n", sess.ContinuationCount)
			return nil
		},
	}
}

func newSessionLockCmd() *cobra.Command {
	var unlock bool
	cmd := &cobra.Command{
		Use:   "lock <session-id>",
		Short: "Pin a session so it cannot be deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verb := "locked"
			if unlock {
				verb = "unlocked"
			}
			return simpleSessionOp(cmd, protocol.RequestPayload{
				Op:        protocol.OpSessionLock,
				SessionID: args[0],
				Locked:    !unlock,
			}, verb)
		},
	}
	cmd.Flags().BoolVar(&unlock, "unlock", false, "remove the pin instead")
	return cmd
}

func simpleSessionOp(cmd *cobra.Command, req protocol.RequestPayload, verb string) error {
	c, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if _, err := c.request(req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, shortID(req.SessionID))
	return nil
}
