package main

import (
	"fmt"

	"wharf/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root wharf command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wharf",
		Short:         "Wharf agent session pool",
		Long:          "wharf manages a pool of long-running agent sessions across a local\nworker and SSH-reachable remote workers, with streamed terminals.",
		Version:       fmt.Sprintf("wharf %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newSessionCmd(),
		newWorkerCmd(),
		newAttachCmd(),
		newLogsCmd(),
		newDashCmd(),
	)

	return cmd
}
