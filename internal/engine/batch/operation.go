package batch

import (
	"context"

	"github.com/kettleops/usersweep/internal/checkpoint"
)

// Disposition classifies the business outcome of one item.
type Disposition string

// Per-item outcomes. Technical failures are reported through the error
// return of ProcessItem, not as a disposition.
const (
	// DispositionProcessed means the operation succeeded for the item.
	DispositionProcessed Disposition = "processed"
	// DispositionSkipped means the operation declined the item with a
	// reason (dry run, already in target state, filtered out).
	DispositionSkipped Disposition = "skipped"
	// DispositionNotFound means the remote service has no record of the
	// item.
	DispositionNotFound Disposition = "not_found"
	// DispositionMultipleMatches means the identifier resolved to more
	// than one candidate and the operation refused to guess.
	DispositionMultipleMatches Disposition = "multiple_matches"
)

// Result is the outcome of processing a single item.
type Result struct {
	Disposition Disposition
	Message     string
	// Candidates holds the ambiguous matches for
	// DispositionMultipleMatches.
	Candidates []string
}

// Operation is one bulk operation's per-item behavior. Implementations
// carry their own dependencies (API client, output writers) and must be
// safe to call sequentially for tens of thousands of items.
type Operation interface {
	// Name is the human-readable operation name for logs and summaries.
	Name() string
	// Type selects the checkpoint kind recorded for this operation.
	Type() checkpoint.OperationType
	// ProcessItem performs the operation for one identifier. A non-nil
	// error marks the item as a technical failure; it never aborts the
	// run unless it wraps ratelimit.ErrRateLimitExceeded.
	ProcessItem(ctx context.Context, itemID string) (Result, error)
}

// ItemValidator is implemented by operations that pre-validate identifiers.
// Items failing validation are classified invalid and the operation is
// never invoked for them.
type ItemValidator interface {
	ValidateItem(itemID string) error
}

// Finisher is implemented by operations that hold resources open across the
// run, such as an output artifact. Finish is called once after the run
// loop ends, regardless of how it ended.
type Finisher interface {
	Finish() error
}
