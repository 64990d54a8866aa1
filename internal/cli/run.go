package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kettleops/usersweep/internal/api"
	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/config"
	"github.com/kettleops/usersweep/internal/engine/batch"
	"github.com/kettleops/usersweep/internal/engine/ratelimit"
	"github.com/kettleops/usersweep/internal/ops"
)

// ErrAborted is returned when the operator declines the production prompt.
var ErrAborted = errors.New("aborted by operator")

// RunFlags holds the flags shared by all run subcommands.
type RunFlags struct {
	Input     string
	BatchSize int
	DryRun    bool
	Force     bool
}

// newRunCmd creates the run command group with one subcommand per
// operation type.
func newRunCmd() *cobra.Command {
	var flags RunFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a bulk operation over a list of user identifiers",
	}

	cmd.PersistentFlags().StringVarP(&flags.Input, "input", "i", "", "file with one user identifier per line (required)")
	cmd.PersistentFlags().IntVar(&flags.BatchSize, "batch-size", checkpoint.DefaultBatchSize, "items per checkpointed batch")
	cmd.PersistentFlags().BoolVar(&flags.DryRun, "dry-run", false, "resolve users but make no changes")
	cmd.PersistentFlags().BoolVar(&flags.Force, "force", false, "skip the production confirmation prompt")
	_ = cmd.MarkPersistentFlagRequired("input")

	cmd.AddCommand(
		newRunDeleteCmd(&flags),
		newRunBlockCmd(&flags),
		newRunRevokeGrantsCmd(&flags),
		newRunUnlinkCmd(&flags),
		newRunExportCmd(&flags),
	)
	return cmd
}

func newRunDeleteCmd(flags *RunFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete each listed user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, flags, checkpoint.OpBatchDelete, ops.Settings{DryRun: flags.DryRun})
		},
	}
}

func newRunBlockCmd(flags *RunFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "block",
		Short: "Block each listed user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, flags, checkpoint.OpBatchBlock, ops.Settings{DryRun: flags.DryRun})
		},
	}
}

func newRunRevokeGrantsCmd(flags *RunFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-grants",
		Short: "Revoke API grants for each listed user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, flags, checkpoint.OpBatchRevokeGrants, ops.Settings{DryRun: flags.DryRun})
		},
	}
}

func newRunUnlinkCmd(flags *RunFlags) *cobra.Command {
	var autoDelete bool
	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Unlink social identities from each listed user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, flags, checkpoint.OpSocialUnlink,
				ops.Settings{DryRun: flags.DryRun, AutoDelete: autoDelete})
		},
	}
	cmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "delete the user after unlinking its social identities")
	return cmd
}

func newRunExportCmd(flags *RunFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export-last-login",
		Short: "Export last-login timestamps for each listed user to CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, flags, checkpoint.OpExportLastLogin,
				ops.Settings{DryRun: flags.DryRun, OutputFile: output})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV file to write (required)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// destructiveOps require production confirmation before running.
var destructiveOps = map[checkpoint.OperationType]bool{
	checkpoint.OpBatchDelete:       true,
	checkpoint.OpBatchBlock:        true,
	checkpoint.OpBatchRevokeGrants: true,
	checkpoint.OpSocialUnlink:      true,
}

// executeRun wires up the environment, builds the operation, and drives a
// fresh batch run. The process-wide interrupt signals cancel the run's
// context so the engine checkpoints and stops between items.
func executeRun(cmd *cobra.Command, flags *RunFlags, opType checkpoint.OperationType, settings ops.Settings) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}

	items, err := readIdentifiers(flags.Input)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no identifiers found in %s", flags.Input)
	}

	if destructiveOps[opType] && isProductionEnv(rt.envName) && !flags.DryRun && !flags.Force {
		result := ConfirmDestructive(cmd.OutOrStdout(), cmd.InOrStdin(), string(opType), rt.envName, len(items))
		if !result.Accepted {
			return ErrAborted
		}
	}

	op, err := ops.ForType(opType, rt.client, settings)
	if err != nil {
		return err
	}

	cfg := checkpoint.Config{
		Environment: rt.envName,
		InputFile:   flags.Input,
		OutputFile:  settings.OutputFile,
		DryRun:      flags.DryRun,
		AutoDelete:  settings.AutoDelete,
		BatchSize:   flags.BatchSize,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := batch.New(rt.mgr, op, logger).
		WithProgress(progressPrinter(cmd)).
		Run(ctx, items, cfg, flags.BatchSize)
	renderReport(cmd.OutOrStdout(), report)
	return err
}

// runtime bundles the per-invocation dependencies.
type runtime struct {
	cfg     *config.Config
	envName string
	client  *api.Client
	mgr     *checkpoint.Manager
}

// buildRuntime resolves the environment, token, rate limiter, API client,
// and checkpoint manager from config and flags.
func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	envFlag, _ := cmd.Flags().GetString("env")
	envName, env, err := cfg.Environment(envFlag)
	if err != nil {
		return nil, err
	}

	token, err := env.Token()
	if err != nil {
		return nil, err
	}

	client := newAPIClient(env, token)

	mgr, err := checkpoint.NewManager(cfg.CheckpointDir, logger)
	if err != nil {
		return nil, err
	}

	return &runtime{cfg: cfg, envName: envName, client: client, mgr: mgr}, nil
}

// newAPIClient builds an API client with the environment's rate limiter
// settings applied.
func newAPIClient(env config.Environment, token string) *api.Client {
	limiter := ratelimit.New(env.LimiterOptions()...)
	return api.NewClient(env.BaseURL, token, limiter, logger)
}

// progressPrinter returns a progress callback that writes one line per item
// to stderr, keeping stdout clean for the final summary.
func progressPrinter(cmd *cobra.Command) batch.ProgressFunc {
	return func(u batch.ProgressUpdate) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[batch %d/%d] %s (%d/%d)\n",
			u.Batch, u.TotalBatches, u.ItemID, u.ItemInBatch, u.BatchLen)
	}
}

// readIdentifiers loads one identifier per line, skipping blank lines and
// comments starting with '#'.
func readIdentifiers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input file: %w", err)
	}
	defer f.Close()

	var items []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}
	return items, nil
}
