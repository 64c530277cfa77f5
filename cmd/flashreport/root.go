package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flashreport",
		Short:         "Incident clustering and alert analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		runCmd(),
		migrateCmd(),
		importSignalsCmd(),
		pruneRunsCmd(),
	)
	return root
}
