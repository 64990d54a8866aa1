package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/ratelimit"
)

// fakeOp is a scriptable operation for driving the engine in tests.
type fakeOp struct {
	process   func(ctx context.Context, id string) (Result, error)
	validate  func(id string) error
	finishErr error

	calls    []string
	finished int
}

func (o *fakeOp) Name() string { return "fake op" }

func (o *fakeOp) Type() checkpoint.OperationType { return checkpoint.OpBatchDelete }

func (o *fakeOp) ProcessItem(ctx context.Context, id string) (Result, error) {
	o.calls = append(o.calls, id)
	if o.process != nil {
		return o.process(ctx, id)
	}
	return Result{Disposition: DispositionProcessed}, nil
}

func (o *fakeOp) ValidateItem(id string) error {
	if o.validate != nil {
		return o.validate(id)
	}
	return nil
}

func (o *fakeOp) Finish() error {
	o.finished++
	return o.finishErr
}

func newTestManager(t *testing.T) *checkpoint.Manager {
	t.Helper()
	mgr, err := checkpoint.NewManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return mgr
}

func itemList(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("auth0|user%02d", i+1)
	}
	return items
}

func TestProcessor_Run(t *testing.T) {
	cfg := checkpoint.Config{Environment: "dev"}

	t.Run("CompletesAllBatches", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{}
		var updates []ProgressUpdate

		report, err := New(mgr, op, zerolog.Nop()).
			WithProgress(func(u ProgressUpdate) { updates = append(updates, u) }).
			Run(context.Background(), itemList(10), cfg, 3)
		require.NoError(t, err)

		assert.False(t, report.Interrupted)
		assert.Equal(t, 10, report.Results.ProcessedCount)
		assert.Len(t, op.calls, 10)
		assert.Equal(t, 1, op.finished)
		assert.Len(t, updates, 10)
		assert.Equal(t, 4, updates[len(updates)-1].Batch)

		cp, err := mgr.Load(report.CheckpointID)
		require.NoError(t, err)
		assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
		assert.Empty(t, cp.RemainingItems)
		assert.Equal(t, 4, cp.Progress.CurrentBatch)
		assert.Equal(t, 10, cp.Progress.CurrentItem)
		assert.False(t, cp.IsResumable())
	})

	t.Run("ItemErrorsDoNotAbortTheRun", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{
			process: func(_ context.Context, id string) (Result, error) {
				if id == "auth0|user03" {
					return Result{}, errors.New("server error")
				}
				return Result{Disposition: DispositionProcessed}, nil
			},
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(5), cfg, 2)
		require.NoError(t, err)

		assert.Equal(t, 4, report.Results.ProcessedCount)
		assert.Equal(t, 1, report.Results.ErrorCount)
		require.Len(t, report.Results.Errors, 1)
		assert.Equal(t, "auth0|user03", report.Results.Errors[0].ItemID)

		// The erroring item was attempted, so it never runs again on resume.
		cp, err := mgr.Load(report.CheckpointID)
		require.NoError(t, err)
		assert.Contains(t, cp.ProcessedItems, "auth0|user03")
		assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	})

	t.Run("DispositionsMapToCounters", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{
			process: func(_ context.Context, id string) (Result, error) {
				switch id {
				case "auth0|user01":
					return Result{Disposition: DispositionNotFound}, nil
				case "auth0|user02":
					return Result{
						Disposition: DispositionMultipleMatches,
						Candidates:  []string{"auth0|a", "auth0|b"},
					}, nil
				case "auth0|user03":
					return Result{Disposition: DispositionSkipped, Message: "dry run"}, nil
				}
				return Result{Disposition: DispositionProcessed}, nil
			},
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(4), cfg, 4)
		require.NoError(t, err)

		assert.Equal(t, 1, report.Results.ProcessedCount)
		assert.Equal(t, 1, report.Results.NotFoundCount)
		assert.Equal(t, []string{"auth0|user01"}, report.Results.NotFoundIDs)
		assert.Equal(t, 1, report.Results.MultipleMatchCount)
		assert.Equal(t, []string{"auth0|a", "auth0|b"}, report.Results.MultipleMatches["auth0|user02"])
		assert.Equal(t, 1, report.Results.SkippedCount)
	})

	t.Run("InvalidItemsAreSkippedWithoutInvoking", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{
			validate: func(id string) error {
				if id == "auth0|user02" {
					return errors.New("bad identifier")
				}
				return nil
			},
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(3), cfg, 3)
		require.NoError(t, err)

		assert.Equal(t, 2, report.Results.ProcessedCount)
		assert.Equal(t, 1, report.Results.SkippedCount)
		assert.Equal(t, []string{"auth0|user02"}, report.Results.InvalidIDs)
		assert.NotContains(t, op.calls, "auth0|user02")
	})

	t.Run("OperationPanicBecomesItemError", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{
			process: func(_ context.Context, id string) (Result, error) {
				if id == "auth0|user02" {
					panic("busted")
				}
				return Result{Disposition: DispositionProcessed}, nil
			},
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(3), cfg, 3)
		require.NoError(t, err)

		assert.Equal(t, 2, report.Results.ProcessedCount)
		assert.Equal(t, 1, report.Results.ErrorCount)
		assert.Contains(t, report.Results.Errors[0].Message, "busted")
	})

	t.Run("RateLimitExhaustionFailsTheRun", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{
			process: func(_ context.Context, id string) (Result, error) {
				if id == "auth0|user03" {
					return Result{}, fmt.Errorf("calling api: %w", ratelimit.ErrRateLimitExceeded)
				}
				return Result{Disposition: DispositionProcessed}, nil
			},
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(6), cfg, 6)
		require.Error(t, err)
		assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

		// Everything attempted before the abort is checkpointed; the
		// checkpoint ends up Failed and resumable.
		cp, loadErr := mgr.Load(report.CheckpointID)
		require.NoError(t, loadErr)
		assert.Equal(t, checkpoint.StatusFailed, cp.Status)
		assert.Equal(t, []string{"auth0|user04", "auth0|user05", "auth0|user06"}, cp.RemainingItems)
		assert.True(t, cp.IsResumable())
		assert.Equal(t, 1, op.finished)
	})

	t.Run("NilOperation", func(t *testing.T) {
		mgr := newTestManager(t)
		_, err := New(mgr, nil, zerolog.Nop()).Run(context.Background(), itemList(1), cfg, 1)
		assert.ErrorIs(t, err, ErrNilOperation)
	})

	t.Run("FinishErrorFailsTheRun", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{finishErr: errors.New("flush failed")}

		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(2), cfg, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "flush failed")

		cp, loadErr := mgr.Load(report.CheckpointID)
		require.NoError(t, loadErr)
		assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	})
}

func TestProcessor_Cancellation(t *testing.T) {
	cfg := checkpoint.Config{Environment: "dev"}

	t.Run("BetweenBatches", func(t *testing.T) {
		mgr := newTestManager(t)
		ctx, cancel := context.WithCancel(context.Background())
		op := &fakeOp{}
		op.process = func(_ context.Context, id string) (Result, error) {
			// Request a stop while finishing item 6, at a batch boundary.
			if len(op.calls) == 6 {
				cancel()
			}
			return Result{Disposition: DispositionProcessed}, nil
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(ctx, itemList(10), cfg, 3)
		require.NoError(t, err)

		assert.True(t, report.Interrupted)
		assert.Equal(t, 6, report.Results.ProcessedCount)

		cp, loadErr := mgr.Load(report.CheckpointID)
		require.NoError(t, loadErr)
		assert.Equal(t, checkpoint.StatusCancelled, cp.Status)
		assert.Len(t, cp.RemainingItems, 4)
		assert.Len(t, cp.ProcessedItems, 6)
		assert.Equal(t, 2, cp.Progress.CurrentBatch)
		assert.True(t, cp.IsResumable())
	})

	t.Run("MidBatchKeepsUnattemptedItems", func(t *testing.T) {
		mgr := newTestManager(t)
		ctx, cancel := context.WithCancel(context.Background())
		op := &fakeOp{}
		op.process = func(_ context.Context, id string) (Result, error) {
			if len(op.calls) == 4 {
				cancel()
			}
			return Result{Disposition: DispositionProcessed}, nil
		}

		report, err := New(mgr, op, zerolog.Nop()).Run(ctx, itemList(10), cfg, 10)
		require.NoError(t, err)

		assert.True(t, report.Interrupted)
		assert.Equal(t, 4, report.Results.ProcessedCount)

		// The in-flight item finished; items never attempted stay remaining.
		cp, loadErr := mgr.Load(report.CheckpointID)
		require.NoError(t, loadErr)
		assert.Equal(t, []string{"auth0|user01", "auth0|user02", "auth0|user03", "auth0|user04"}, cp.ProcessedItems)
		assert.Len(t, cp.RemainingItems, 6)
	})

	t.Run("AlreadyCancelledBeforeFirstBatch", func(t *testing.T) {
		mgr := newTestManager(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		op := &fakeOp{}

		report, err := New(mgr, op, zerolog.Nop()).Run(ctx, itemList(5), cfg, 2)
		require.NoError(t, err)

		assert.True(t, report.Interrupted)
		assert.Empty(t, op.calls)

		cp, loadErr := mgr.Load(report.CheckpointID)
		require.NoError(t, loadErr)
		assert.Len(t, cp.RemainingItems, 5)
		assert.True(t, cp.IsResumable())
	})
}

func TestProcessor_Resume(t *testing.T) {
	cfg := checkpoint.Config{Environment: "dev"}

	// interruptedRun produces a cancelled checkpoint with 6 of 10 items done.
	interruptedRun := func(t *testing.T, mgr *checkpoint.Manager) string {
		t.Helper()
		ctx, cancel := context.WithCancel(context.Background())
		op := &fakeOp{}
		op.process = func(_ context.Context, id string) (Result, error) {
			if len(op.calls) == 6 {
				cancel()
			}
			return Result{Disposition: DispositionProcessed}, nil
		}
		report, err := New(mgr, op, zerolog.Nop()).Run(ctx, itemList(10), cfg, 3)
		require.NoError(t, err)
		require.True(t, report.Interrupted)
		return report.CheckpointID
	}

	t.Run("ContinuesWithoutRepeatingWork", func(t *testing.T) {
		mgr := newTestManager(t)
		id := interruptedRun(t, mgr)

		op := &fakeOp{}
		report, err := New(mgr, op, zerolog.Nop()).Resume(context.Background(), id)
		require.NoError(t, err)

		assert.False(t, report.Interrupted)
		assert.Equal(t, id, report.CheckpointID)
		// Only the four outstanding items are invoked.
		assert.Equal(t, []string{"auth0|user07", "auth0|user08", "auth0|user09", "auth0|user10"}, op.calls)
		assert.Equal(t, 4, report.Results.ProcessedCount)

		cp, loadErr := mgr.Load(id)
		require.NoError(t, loadErr)
		assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
		// Batch numbering continues from the stored progress.
		assert.Equal(t, 4, cp.Progress.CurrentBatch)
		assert.Equal(t, 10, cp.Progress.CurrentItem)
		// Merged totals across both runs cover every item.
		assert.Equal(t, 10, cp.Results.ProcessedCount)
	})

	t.Run("EmptyRemainingFinalizesWithoutInvoking", func(t *testing.T) {
		mgr := newTestManager(t)
		cp, err := mgr.Create(checkpoint.OpBatchDelete, cfg, []string{"a"}, 1)
		require.NoError(t, err)
		cp.RemainingItems = nil
		cp.ProcessedItems = []string{"a"}
		cp.Status = checkpoint.StatusCancelled
		require.NoError(t, mgr.Save(cp))

		op := &fakeOp{}
		report, err := New(mgr, op, zerolog.Nop()).Resume(context.Background(), cp.ID)
		require.NoError(t, err)
		assert.Empty(t, op.calls)

		got, err := mgr.Load(report.CheckpointID)
		require.NoError(t, err)
		assert.Equal(t, checkpoint.StatusCompleted, got.Status)
	})

	t.Run("CompletedIsNotResumable", func(t *testing.T) {
		mgr := newTestManager(t)
		op := &fakeOp{}
		report, err := New(mgr, op, zerolog.Nop()).Run(context.Background(), itemList(2), cfg, 2)
		require.NoError(t, err)

		_, err = New(mgr, &fakeOp{}, zerolog.Nop()).Resume(context.Background(), report.CheckpointID)
		assert.ErrorIs(t, err, checkpoint.ErrNotResumable)
	})

	t.Run("VersionMismatchIsNotResumable", func(t *testing.T) {
		mgr := newTestManager(t)
		id := interruptedRun(t, mgr)

		cp, err := mgr.Load(id)
		require.NoError(t, err)
		cp.Version = "9.9.9"
		require.NoError(t, mgr.Save(cp))

		_, err = New(mgr, &fakeOp{}, zerolog.Nop()).Resume(context.Background(), id)
		assert.ErrorIs(t, err, checkpoint.ErrNotResumable)
	})

	t.Run("MissingCheckpoint", func(t *testing.T) {
		mgr := newTestManager(t)
		_, err := New(mgr, &fakeOp{}, zerolog.Nop()).Resume(context.Background(), "nope")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})
}
