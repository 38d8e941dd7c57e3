package cmd

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/upb/governance-core/app"
	"github.com/upb/governance-core/services/health"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report governance health",
	Long: `Check the audit database, expired approvals and stale locks.

Exits non-zero when the overall status is unhealthy.

Examples:
  govctl health
  govctl health -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(cmd, func(ctx context.Context, deps *app.Dependencies) error {
			report := deps.Health.Check(ctx)
			if done, err := formatOutput(cmd.OutOrStdout(), report); done {
				if err != nil {
					return err
				}
				return unhealthyError(report)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s\n\n", report.Status)

			names := make([]string, 0, len(report.Checks))
			for name := range report.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, report.Checks[name].Status, componentDetail(report.Checks[name]))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return unhealthyError(report)
		})
	},
}

func componentDetail(c health.Component) string {
	switch {
	case c.Error != "":
		return c.Error
	case c.ExpiredCount != nil:
		return fmt.Sprintf("%d expired", *c.ExpiredCount)
	case c.StaleLocks != nil:
		return fmt.Sprintf("%d stale", *c.StaleLocks)
	default:
		return ""
	}
}

func unhealthyError(report *health.Report) error {
	if report.Status == health.StatusUnhealthy {
		return fmt.Errorf("governance core is unhealthy")
	}
	return nil
}
