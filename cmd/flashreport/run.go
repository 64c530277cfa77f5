package main

import (
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// errCycleFailed makes the process exit non-zero after printing the result.
var errCycleFailed = errors.New("pipeline cycle did not succeed")

func runCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one clustering and analysis cycle and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if migrate {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}

			p, err := a.buildPipeline(nil)
			if err != nil {
				return err
			}
			defer p.close()

			result, err := p.manager.RunCycle(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
			if err != nil {
				return err
			}
			if !result.Success {
				return errCycleFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before the cycle")
	return cmd
}
