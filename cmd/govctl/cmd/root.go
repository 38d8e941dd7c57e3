// Package cmd implements the govctl maintenance commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/upb/governance-core/app"
	"github.com/upb/governance-core/config"
	"github.com/upb/governance-core/internal/observability"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	outputFormat string
	logLevel     string

	logger = zap.NewNop()

	// loadDependencies opens the same dependency graph the API server uses
	loadDependencies = func(ctx context.Context, logger *zap.Logger) (*app.Dependencies, error) {
		cfg, err := config.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return app.NewDependencies(ctx, cfg, logger)
	}
)

var rootCmd = &cobra.Command{
	Use:   "govctl",
	Short: "Maintenance CLI for the governance core",
	Long: `govctl runs maintenance tasks against the governance database.

It creates the schema, runs a one-off expiry sweep, reports health,
inspects the permission policy, and issues development tokens.`,
	Version:      app.Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q", outputFormat)
		}
		l, err := observability.NewLogger(logLevel, "console")
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// withDependencies opens the dependency graph for one command and closes it afterwards
func withDependencies(cmd *cobra.Command, fn func(ctx context.Context, deps *app.Dependencies) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := loadDependencies(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(ctx); err != nil {
			logger.Warn("failed to close dependencies", zap.Error(err))
		}
	}()
	return fn(ctx, deps)
}

// formatOutput writes data as JSON or YAML. It reports false for table
// output, which each command renders itself.
func formatOutput(w io.Writer, data interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	default:
		return false, nil
	}
}
