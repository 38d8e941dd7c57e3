package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/governance-core/app"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue approvals and reclaim stale locks once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(cmd, func(ctx context.Context, deps *app.Dependencies) error {
			result, err := deps.Sweeper.SweepOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			if done, err := formatOutput(cmd.OutOrStdout(), result); done {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Expired approvals: %d\n", result.ExpiredApprovals)
			fmt.Fprintf(out, "Reclaimed locks:   %d\n", result.ReclaimedLocks)
			return nil
		})
	},
}
