package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"wharf/pkg/protocol"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "wharf worker" subcommand group.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the worker pool",
	}
	cmd.AddCommand(
		newWorkerAddCmd(),
		newWorkerListCmd(),
		newWorkerRemoveCmd(),
	)
	return cmd
}

func newWorkerAddCmd() *cobra.Command {
	var (
		name         string
		host         string
		port         int
		user         string
		identityFile string
		maxSessions  int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a remote SSH worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			res, err := c.request(protocol.RequestPayload{
				Op:           protocol.OpWorkerAdd,
				Name:         name,
				Kind:         string(protocol.WorkerRemote),
				Host:         host,
				Port:         port,
				User:         user,
				IdentityFile: identityFile,
				MaxSessions:  maxSessions,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added worker %s (%s)\n", res.Worker.Name, shortID(res.Worker.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker display name")
	cmd.Flags().StringVar(&host, "host", "", "SSH host (required)")
	cmd.Flags().IntVar(&port, "port", 0, "SSH port (default 22)")
	cmd.Flags().StringVar(&user, "user", "", "SSH user")
	cmd.Flags().StringVar(&identityFile, "identity", "", "SSH private key path")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "concurrent session cap (default 2)")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newWorkerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers and their capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			res, err := c.request(protocol.RequestPayload{Op: protocol.OpWorkerList})
			if err != nil {
				return err
			}
			printWorkerTable(cmd.OutOrStdout(), res.Workers)
			return nil
		},
	}
}

func printWorkerTable(out io.Writer, workers []*protocol.Worker) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATUS\tMAX\tADDRESS\tHEARTBEAT")
	for _, worker := range workers {
		addr := "-"
		if worker.Kind == protocol.WorkerRemote {
			addr = worker.Addr()
		}
		heartbeat := "never"
		if worker.LastHeartbeat != nil {
			heartbeat = time.Since(*worker.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(worker.ID), worker.Name, worker.Kind, worker.Status,
			worker.MaxSessions, addr, heartbeat)
	}
	_ = w.Flush()
}

func newWorkerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <worker-id>",
		Short: "Remove a remote worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			if _, err := c.request(protocol.RequestPayload{
				Op:       protocol.OpWorkerRemove,
				WorkerID: args[0],
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", shortID(args[0]))
			return nil
		},
	}
}
