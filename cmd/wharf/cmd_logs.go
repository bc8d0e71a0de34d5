package main

import (
	"fmt"
	"text/tabwriter"

	"wharf/pkg/config"
	"wharf/pkg/store"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the "wharf logs" subcommand. It reads the event log
// straight from the database, so it works whether or not the daemon runs.
func newLogsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs [session-id]",
		Short: "Query the daemon event log",
		Long:  "Displays structured events recorded by the daemon, newest first.\nOptionally filtered to one session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessionID string
			if len(args) == 1 {
				sessionID = args[0]
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			events, err := st.QueryEvents(cmd.Context(), sessionID, tail)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSESSION\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt, e.Type, shortID(e.SessionID), truncate(e.Payload, 80))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 50, "maximum number of events to show")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
