package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/governance-core/app"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the governance schema",
	Long: `Create the governance tables and indexes if they do not exist.

The audit log is created on the audit database when AUDIT_DB_* is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(cmd, func(ctx context.Context, deps *app.Dependencies) error {
			if deps.RepoFactory == nil {
				return errors.New("migrate requires a PostgreSQL connection")
			}
			if err := deps.RepoFactory.InitSchema(ctx); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		})
	},
}
