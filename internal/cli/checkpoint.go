package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/batch"
	"github.com/kettleops/usersweep/internal/ops"
)

// NewCheckpointCmd creates the checkpoint command group with list, show,
// resume, and cleanup subcommands.
func NewCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect, resume, and clean up saved checkpoints",
	}
	cmd.AddCommand(
		newCheckpointListCmd(),
		newCheckpointShowCmd(),
		newCheckpointResumeCmd(),
		newCheckpointCleanupCmd(),
	)
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	var (
		opType string
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := openManager(cmd)
			if err != nil {
				return err
			}

			filter := checkpoint.ListFilter{
				Type:   checkpoint.OperationType(opType),
				Status: checkpoint.Status(status),
			}
			filter.Environment, _ = cmd.Flags().GetString("env")
			if filter.Type != "" && !filter.Type.Valid() {
				return fmt.Errorf("%w: %q", checkpoint.ErrUnknownType, opType)
			}

			checkpoints, err := mgr.List(filter)
			if err != nil {
				return err
			}

			summaries := make([]checkpoint.Summary, 0, len(checkpoints))
			for _, cp := range checkpoints {
				summaries = append(summaries, cp.Summarize())
			}
			renderCheckpointTable(cmd.OutOrStdout(), summaries)
			return nil
		},
	}

	cmd.Flags().StringVar(&opType, "type", "", "filter by operation type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, completed, failed, cancelled)")
	return cmd
}

func newCheckpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show the full state of one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager(cmd)
			if err != nil {
				return err
			}
			cp, err := mgr.Load(args[0])
			if err != nil {
				return err
			}
			renderCheckpointDetail(cmd.OutOrStdout(), cp)
			return nil
		},
	}
}

func newCheckpointResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <checkpoint-id>",
		Short: "Resume an interrupted or failed run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeResume(cmd, args[0])
		},
	}
}

// executeResume reconstructs the operation from the saved checkpoint's
// config and continues from the first unattempted item. The saved
// environment wins over the --env flag so a checkpoint cannot silently
// replay against a different tenant.
func executeResume(cmd *cobra.Command, id string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := checkpoint.NewManager(cfg.CheckpointDir, logger)
	if err != nil {
		return err
	}

	cp, err := mgr.Load(id)
	if err != nil {
		return err
	}
	// An empty remaining list passes through so the engine can finalize
	// a checkpoint that crashed after its last batch.
	if !cp.IsResumable() && len(cp.RemainingItems) > 0 {
		return fmt.Errorf("%w: %s is %s with %d items remaining",
			checkpoint.ErrNotResumable, cp.ID, cp.Status, len(cp.RemainingItems))
	}

	envName, env, err := cfg.Environment(cp.Config.Environment)
	if err != nil {
		return err
	}
	token, err := env.Token()
	if err != nil {
		return err
	}

	client := newAPIClient(env, token)
	settings := ops.Settings{
		DryRun:     cp.Config.DryRun,
		AutoDelete: cp.Config.AutoDelete,
		OutputFile: cp.Config.OutputFile,
	}
	op, err := ops.ForType(cp.OperationType, client, settings)
	if err != nil {
		return err
	}

	logger.Info().
		Str("checkpoint_id", cp.ID).
		Str("environment", envName).
		Int("remaining", len(cp.RemainingItems)).
		Msg("resuming checkpoint")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := batch.New(mgr, op, logger).
		WithProgress(progressPrinter(cmd)).
		Resume(ctx, id)
	renderReport(cmd.OutOrStdout(), report)
	return err
}

func newCheckpointCleanupCmd() *cobra.Command {
	var (
		all       bool
		failed    bool
		completed bool
		olderThan int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete checkpoints by status or age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			criteria, err := cleanupCriteria(all, failed, completed, olderThan, dryRun)
			if err != nil {
				return err
			}

			mgr, err := openManager(cmd)
			if err != nil {
				return err
			}

			n, err := mgr.Prune(criteria)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Would delete %d checkpoint(s).\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d checkpoint(s).\n", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every checkpoint")
	cmd.Flags().BoolVar(&failed, "failed", false, "delete failed checkpoints")
	cmd.Flags().BoolVar(&completed, "completed", false, "delete completed checkpoints")
	cmd.Flags().IntVar(&olderThan, "older-than", 0, "delete finished checkpoints older than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

// cleanupCriteria maps the mutually exclusive cleanup flags to prune criteria.
func cleanupCriteria(all, failed, completed bool, olderThan int, dryRun bool) (checkpoint.PruneCriteria, error) {
	set := 0
	criteria := checkpoint.PruneCriteria{DryRun: dryRun}
	if all {
		criteria.Scope = checkpoint.PruneAll
		set++
	}
	if failed {
		criteria.Scope = checkpoint.PruneFailed
		set++
	}
	if completed {
		criteria.Scope = checkpoint.PruneCompleted
		set++
	}
	if olderThan > 0 {
		criteria.Scope = checkpoint.PruneOlderThan
		criteria.MaxAgeDays = olderThan
		set++
	}
	if set == 0 {
		return criteria, errors.New("one of --all, --failed, --completed, or --older-than is required")
	}
	if set > 1 {
		return criteria, errors.New("--all, --failed, --completed, and --older-than are mutually exclusive")
	}
	return criteria, nil
}

// openManager builds a checkpoint manager from the configured directory.
func openManager(cmd *cobra.Command) (*checkpoint.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(cfg.CheckpointDir, logger)
}
