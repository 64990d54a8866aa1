// Package cli implements the usersweep command tree.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kettleops/usersweep/internal/config"
)

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// NewRootCmd creates the root Cobra command for the usersweep CLI.
// It wires up logging and the run and checkpoint command groups.
func NewRootCmd(ver string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "usersweep",
		Short:   "Bulk user operations with resumable checkpoints",
		Long:    "usersweep runs bulk operations against a user-management API in rate-limited batches, checkpointing progress so interrupted runs can resume.",
		Version: ver,
		Example: rootCmdExample,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			root := config.NewLogger(cmd.ErrOrStderr(), debug)
			logger = config.ComponentLogger(root, "cli")
			cmd.SetContext(logger.WithContext(cmd.Context()))
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", "", "path to config file (default ~/.usersweep/config.yaml)")
	cmd.PersistentFlags().String("env", "", "target environment (default from config)")
	cmd.AddCommand(newRunCmd(), NewCheckpointCmd())

	return cmd
}

const rootCmdExample = `  # Delete users listed in a file, 50 per batch
  usersweep run delete --input users.txt --env dev

  # Preview a block run without calling the API
  usersweep run block --input users.txt --dry-run

  # Export last-login timestamps to CSV
  usersweep run export-last-login --input users.txt --output logins.csv

  # List saved checkpoints
  usersweep checkpoint list

  # Resume an interrupted run
  usersweep checkpoint resume batch_delete_dev_20260830_101501_a7f3c2d9`

// Execute runs the root command, returning a process exit code.
func Execute(ver string) int {
	if err := NewRootCmd(ver).Execute(); err != nil {
		return 1
	}
	return 0
}

// loadConfig reads the config file named by the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// isProductionEnv reports whether the environment name denotes production.
func isProductionEnv(name string) bool {
	return name == "prod" || name == "production"
}
