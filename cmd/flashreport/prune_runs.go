package main

import (
	"fmt"
	"time"

	"github.com/flashreport/flashreport/internal/database"
	"github.com/spf13/cobra"
)

func pruneRunsCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-runs",
		Short: "Delete pipeline run records older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := database.NewPipelineRunRepository(a.db).DeleteOlderThan(cmd.Context(), olderThan)
			if err != nil {
				return fmt.Errorf("prune pipeline runs: %w", err)
			}
			a.logger.Info("pruned pipeline runs", "deleted", n, "older_than", olderThan.String())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age of runs to delete")
	return cmd
}
