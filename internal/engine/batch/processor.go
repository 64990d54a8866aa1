// Package batch drives bulk operations through a caller-supplied per-item
// operation in fixed-size batches, persisting a checkpoint after every
// batch so an interrupted run can resume without repeating work.
package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/ratelimit"
)

// ErrNilOperation is returned when a Processor is run without an operation.
var ErrNilOperation = errors.New("operation cannot be nil")

// ProgressFunc receives a progress update after each item attempt.
type ProgressFunc func(u ProgressUpdate)

// ProgressUpdate describes the engine's position within the current batch.
type ProgressUpdate struct {
	Operation    string
	Batch        int
	TotalBatches int
	ItemInBatch  int
	BatchLen     int
	ItemID       string
}

// Report is the outcome of a run. CheckpointID is always set once a
// checkpoint exists; Interrupted distinguishes a cooperative stop (resume
// later with the id) from completion.
type Report struct {
	CheckpointID string
	Interrupted  bool
	Results      checkpoint.Results
}

// Processor is the batch engine. It is single-threaded and cooperative:
// pacing happens inside the operation via the rate limiter's blocking
// sleeps, and cancellation is polled between batches and between items. An
// in-flight per-item call always finishes before a stop is observed.
type Processor struct {
	op         Operation
	mgr        *checkpoint.Manager
	log        zerolog.Logger
	onProgress ProgressFunc
}

// New creates a Processor for the given operation.
func New(mgr *checkpoint.Manager, op Operation, logger zerolog.Logger) *Processor {
	return &Processor{
		op:  op,
		mgr: mgr,
		log: logger.With().Str("component", "batch").Logger(),
	}
}

// WithProgress sets an optional per-item progress callback.
func (p *Processor) WithProgress(fn ProgressFunc) *Processor {
	p.onProgress = fn
	return p
}

// Run starts a fresh operation over items. The new checkpoint is persisted
// before any work, so a crash before the first batch still leaves a
// resumable record.
//
// Run never panics and never surfaces per-item faults as errors: a
// returned error means a run-level failure (persistence, rate-limit
// exhaustion, engine fault) and the checkpoint has been marked Failed and
// persisted. A cooperative stop is not an error; the Report carries the
// checkpoint id to resume with.
func (p *Processor) Run(ctx context.Context, items []string, cfg checkpoint.Config, batchSize int) (Report, error) {
	if p.op == nil {
		return Report{}, ErrNilOperation
	}

	cp, err := p.mgr.Create(p.op.Type(), cfg, items, batchSize)
	if err != nil {
		return Report{}, err
	}
	if err := p.mgr.Save(cp); err != nil {
		return Report{}, err
	}
	p.log.Info().
		Str("checkpoint_id", cp.ID).
		Int("total_items", cp.Progress.TotalItems).
		Int("total_batches", cp.Progress.TotalBatches).
		Msg("checkpoint created")

	return p.drive(ctx, cp)
}

// Resume loads a checkpoint by id and continues processing where it left
// off. Failed and Cancelled checkpoints are reactivated first. Resuming a
// checkpoint whose remaining list is already empty is a no-op that
// finalizes it to Completed. Batch numbering continues from the stored
// progress, and already-processed items are never re-attempted.
func (p *Processor) Resume(ctx context.Context, id string) (Report, error) {
	if p.op == nil {
		return Report{}, ErrNilOperation
	}

	cp, err := p.mgr.Load(id)
	if err != nil {
		return Report{}, err
	}
	if err := cp.Config.ValidateFor(cp.OperationType); err != nil {
		return Report{}, err
	}

	if len(cp.RemainingItems) == 0 && cp.Status != checkpoint.StatusCompleted {
		cp.Status = checkpoint.StatusCompleted
		if err := p.mgr.Save(cp); err != nil {
			return Report{CheckpointID: cp.ID}, err
		}
		return Report{CheckpointID: cp.ID, Results: cp.Results}, nil
	}

	if !cp.IsResumable() {
		return Report{CheckpointID: cp.ID}, fmt.Errorf("%w: %s (status %s, version %s)",
			checkpoint.ErrNotResumable, cp.ID, cp.Status, cp.Version)
	}
	if cp.Status != checkpoint.StatusActive {
		if err := p.mgr.Reactivate(cp); err != nil {
			return Report{CheckpointID: cp.ID}, err
		}
	}

	p.log.Info().
		Str("checkpoint_id", cp.ID).
		Int("remaining", len(cp.RemainingItems)).
		Int("current_batch", cp.Progress.CurrentBatch).
		Msg("resuming from checkpoint")

	return p.drive(ctx, cp)
}

// drive runs the batch loop with top-level fault containment. Engine or
// persistence faults are caught exactly once, the checkpoint is marked
// Failed with the error attached and persisted best-effort, and the error
// is returned alongside the checkpoint id.
func (p *Processor) drive(ctx context.Context, cp *checkpoint.Checkpoint) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch engine panic: %v", r)
		}
		if f, ok := p.op.(Finisher); ok {
			if finishErr := f.Finish(); finishErr != nil && err == nil {
				err = finishErr
			}
		}
		if err != nil {
			p.mgr.MarkFailed(cp, err)
			if saveErr := p.mgr.Save(cp); saveErr != nil {
				p.log.Error().Err(saveErr).Msg("could not persist failed checkpoint")
			}
			report = Report{CheckpointID: cp.ID, Results: report.Results}
		}
	}()

	report = Report{CheckpointID: cp.ID}

	for len(cp.RemainingItems) > 0 {
		if ctx.Err() != nil {
			// No partial batch is in flight here; persist as-is.
			return p.interrupted(cp, report)
		}

		size := min(cp.Progress.BatchSize, len(cp.RemainingItems))
		items := slices.Clone(cp.RemainingItems[:size])
		batchNum := cp.Progress.CurrentBatch + 1

		p.log.Info().
			Str("operation", p.op.Name()).
			Int("batch", batchNum).
			Int("total_batches", cp.Progress.TotalBatches).
			Int("batch_len", len(items)).
			Msg("processing batch")

		out := p.processBatch(ctx, items, batchNum, cp.Progress.TotalBatches)
		report.Results.Merge(out.delta)

		p.mgr.ApplyBatch(cp, out.attempted, out.delta)
		if saveErr := p.mgr.Save(cp); saveErr != nil {
			return report, saveErr
		}

		if out.fatal != nil {
			return report, out.fatal
		}
		if out.interrupted {
			return p.interrupted(cp, report)
		}
	}

	if cp.Status != checkpoint.StatusCompleted {
		cp.Status = checkpoint.StatusCompleted
	}
	if saveErr := p.mgr.Save(cp); saveErr != nil {
		return report, saveErr
	}

	p.log.Info().
		Str("checkpoint_id", cp.ID).
		Int("processed", report.Results.ProcessedCount).
		Int("skipped", report.Results.SkippedCount).
		Int("errors", report.Results.ErrorCount).
		Msg("operation completed")
	return report, nil
}

// interrupted records a cooperative stop: the checkpoint is marked
// Cancelled and persisted, and the report carries its id for resumption.
func (p *Processor) interrupted(cp *checkpoint.Checkpoint, report Report) (Report, error) {
	p.mgr.MarkCancelled(cp)
	if err := p.mgr.Save(cp); err != nil {
		return report, err
	}
	p.log.Warn().
		Str("checkpoint_id", cp.ID).
		Int("remaining", len(cp.RemainingItems)).
		Msg("operation interrupted; resume with this checkpoint id")
	report.Interrupted = true
	return report, nil
}

// batchOutcome aggregates one batch's processing.
type batchOutcome struct {
	delta       checkpoint.Results
	attempted   []string
	interrupted bool
	fatal       error
}

// processBatch iterates one slice in order, validating and invoking the
// operation per item. The cancellation signal is re-checked before every
// item, so a stop can land mid-batch; items not yet attempted stay in the
// remaining list. One bad item never aborts the batch: operation errors
// and panics are recorded against the item, except rate-limit exhaustion,
// which is fatal for the run.
func (p *Processor) processBatch(ctx context.Context, items []string, batchNum, totalBatches int) batchOutcome {
	var out batchOutcome

	validator, hasValidator := p.op.(ItemValidator)

	for i, id := range items {
		if ctx.Err() != nil {
			out.interrupted = true
			return out
		}

		out.attempted = append(out.attempted, id)

		if p.onProgress != nil {
			p.onProgress(ProgressUpdate{
				Operation:    p.op.Name(),
				Batch:        batchNum,
				TotalBatches: totalBatches,
				ItemInBatch:  i + 1,
				BatchLen:     len(items),
				ItemID:       id,
			})
		}

		if hasValidator {
			if err := validator.ValidateItem(id); err != nil {
				out.delta.SkippedCount++
				out.delta.InvalidIDs = append(out.delta.InvalidIDs, id)
				p.log.Debug().Str("item_id", id).Err(err).Msg("item failed validation")
				continue
			}
		}

		result, err := p.invoke(ctx, id)
		if err != nil {
			out.delta.ErrorCount++
			out.delta.Errors = append(out.delta.Errors, checkpoint.ItemError{
				ItemID:    id,
				Message:   err.Error(),
				Operation: p.op.Name(),
				Timestamp: time.Now(),
			})
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				out.fatal = err
				return out
			}
			p.log.Warn().Str("item_id", id).Err(err).Msg("item failed")
			continue
		}

		switch result.Disposition {
		case DispositionProcessed:
			out.delta.ProcessedCount++
		case DispositionNotFound:
			out.delta.NotFoundCount++
			out.delta.NotFoundIDs = append(out.delta.NotFoundIDs, id)
		case DispositionMultipleMatches:
			out.delta.MultipleMatchCount++
			if out.delta.MultipleMatches == nil {
				out.delta.MultipleMatches = make(map[string][]string)
			}
			out.delta.MultipleMatches[id] = result.Candidates
		default:
			out.delta.SkippedCount++
		}
	}

	return out
}

// invoke calls the operation for one item, converting a panic into an
// ordinary item error.
func (p *Processor) invoke(ctx context.Context, id string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic on %s: %v", id, r)
		}
	}()
	return p.op.ProcessItem(ctx, id)
}
