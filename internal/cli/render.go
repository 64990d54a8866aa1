package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/batch"
)

// isWriterTerminal reports whether w is attached to a terminal.
func isWriterTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func statusColor(s checkpoint.Status) lipgloss.Color {
	switch s {
	case checkpoint.StatusCompleted:
		return lipgloss.Color("42") // green
	case checkpoint.StatusFailed:
		return lipgloss.Color("196") // red
	case checkpoint.StatusCancelled:
		return lipgloss.Color("214") // orange
	case checkpoint.StatusActive:
		return lipgloss.Color("33") // blue
	default:
		return lipgloss.Color("246") // gray
	}
}

// renderStatus returns the status label, colored when writing to a terminal.
func renderStatus(w io.Writer, s checkpoint.Status) string {
	if !isWriterTerminal(w) {
		return string(s)
	}
	return lipgloss.NewStyle().Bold(true).Foreground(statusColor(s)).Render(string(s))
}

// renderCheckpointTable writes a tabular listing of checkpoint summaries.
func renderCheckpointTable(w io.Writer, summaries []checkpoint.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tENV\tPROGRESS\tUPDATED")
	for _, s := range summaries {
		progress := fmt.Sprintf("%d/%d (%.1f%%)", s.AttemptedItems, s.TotalItems, s.CompletionPercent)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.OperationType, renderStatus(w, s.Status), s.Environment,
			progress, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

// renderCheckpointDetail writes the full state of a single checkpoint.
func renderCheckpointDetail(w io.Writer, cp *checkpoint.Checkpoint) {
	header := cp.ID
	if isWriterTerminal(w) {
		header = lipgloss.NewStyle().Bold(true).Render(cp.ID)
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(cp.ID)))

	fmt.Fprintf(w, "Type:         %s\n", cp.OperationType)
	fmt.Fprintf(w, "Status:       %s\n", renderStatus(w, cp.Status))
	fmt.Fprintf(w, "Environment:  %s\n", cp.Config.Environment)
	fmt.Fprintf(w, "Created:      %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated:      %s\n", cp.UpdatedAt.Format("2006-01-02 15:04:05"))
	if cp.Config.InputFile != "" {
		fmt.Fprintf(w, "Input:        %s\n", cp.Config.InputFile)
	}
	if cp.Config.OutputFile != "" {
		fmt.Fprintf(w, "Output:       %s\n", cp.Config.OutputFile)
	}
	if cp.Config.DryRun {
		fmt.Fprintln(w, "Dry run:      yes")
	}

	fmt.Fprintf(w, "Progress:     batch %d/%d, item %d/%d (%.1f%%)\n",
		cp.Progress.CurrentBatch, cp.Progress.TotalBatches,
		cp.Progress.CurrentItem, cp.Progress.TotalItems,
		cp.Progress.CompletionPercent())
	fmt.Fprintf(w, "Remaining:    %d\n", len(cp.RemainingItems))

	renderResults(w, cp.Results)
}

// renderResults writes the accumulated counters and error detail.
func renderResults(w io.Writer, r checkpoint.Results) {
	fmt.Fprintln(w, "Results:")
	fmt.Fprintf(w, "  Processed:        %d\n", r.ProcessedCount)
	fmt.Fprintf(w, "  Skipped:          %d\n", r.SkippedCount)
	fmt.Fprintf(w, "  Errors:           %d\n", r.ErrorCount)
	fmt.Fprintf(w, "  Not found:        %d\n", r.NotFoundCount)
	fmt.Fprintf(w, "  Multiple matches: %d\n", r.MultipleMatchCount)
	if r.ProcessedCount+r.SkippedCount+r.ErrorCount > 0 {
		fmt.Fprintf(w, "  Success rate:     %.1f%%\n", r.SuccessRate())
	}

	if len(r.InvalidIDs) > 0 {
		fmt.Fprintf(w, "  Invalid identifiers: %s\n", strings.Join(r.InvalidIDs, ", "))
	}
	if len(r.NotFoundIDs) > 0 {
		fmt.Fprintf(w, "  Not found: %s\n", strings.Join(r.NotFoundIDs, ", "))
	}
	for id, candidates := range r.MultipleMatches {
		fmt.Fprintf(w, "  Multiple matches for %s: %s\n", id, strings.Join(candidates, ", "))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  Error [%s]: %s\n", e.ItemID, e.Message)
	}
}

// renderReport writes the final run summary.
func renderReport(w io.Writer, report batch.Report) {
	title := "Run complete"
	if report.Interrupted {
		title = "Run interrupted"
	}
	if isWriterTerminal(w) {
		color := lipgloss.Color("42")
		if report.Interrupted {
			color = lipgloss.Color("214")
		}
		title = lipgloss.NewStyle().Bold(true).Foreground(color).Render(title)
	}
	fmt.Fprintln(w, title)
	fmt.Fprintf(w, "Checkpoint: %s\n", report.CheckpointID)
	renderResults(w, report.Results)
	if report.Interrupted {
		fmt.Fprintf(w, "\nResume with: usersweep checkpoint resume %s\n", report.CheckpointID)
	}
}
