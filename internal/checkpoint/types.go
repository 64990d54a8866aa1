package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the checkpoint document schema version written by this
// build. Resuming requires an exactly matching version.
const SchemaVersion = "1.0.0"

// DefaultBatchSize is used when no batch size override is configured.
const DefaultBatchSize = 50

// percentMultiplier converts a ratio to a percentage (0-100).
const percentMultiplier = 100

// Common checkpoint errors.
var (
	ErrMalformed        = errors.New("malformed checkpoint")
	ErrNotFound         = errors.New("checkpoint not found")
	ErrNotResumable     = errors.New("checkpoint is not resumable")
	ErrMissingOutput    = errors.New("operation requires an output file")
	ErrUnknownType      = errors.New("unknown operation type")
	ErrInvalidBatch     = errors.New("batch size must be positive")
	ErrEmptyItems       = errors.New("item list cannot be empty")
	ErrPersistence      = errors.New("checkpoint persistence failed")
	ErrNotReactivatable = errors.New("only failed or cancelled checkpoints can be reactivated")
)

// OperationType identifies the kind of bulk operation a checkpoint tracks.
type OperationType string

// Supported bulk operation types.
const (
	OpExportLastLogin   OperationType = "export_last_login"
	OpBatchDelete       OperationType = "batch_delete"
	OpBatchBlock        OperationType = "batch_block"
	OpBatchRevokeGrants OperationType = "batch_revoke_grants"
	OpSocialUnlink      OperationType = "social_unlink"
	OpCheckUnblocked    OperationType = "check_unblocked"
	OpCheckDomains      OperationType = "check_domains"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpExportLastLogin, OpBatchDelete, OpBatchBlock, OpBatchRevokeGrants,
		OpSocialUnlink, OpCheckUnblocked, OpCheckDomains:
		return true
	}
	return false
}

// RequiresOutputFile reports whether the operation must produce an output
// artifact. Checkpoints for such operations are unusable without an output
// file configured.
func (t OperationType) RequiresOutputFile() bool {
	return t == OpExportLastLogin
}

// Status is the lifecycle state of a checkpoint.
type Status string

// Checkpoint lifecycle states. Completed is terminal; Failed and Cancelled
// can be reactivated back to Active for resumption.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ItemError is a structured record of a single failure during processing.
type ItemError struct {
	ItemID    string    `json:"item_id,omitempty"`
	Message   string    `json:"error"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Results accumulates classified outcomes across all batches of an
// operation. Counters are monotonic; detail lists are append-only.
type Results struct {
	ProcessedCount     int                 `json:"processed_count"`
	SkippedCount       int                 `json:"skipped_count"`
	ErrorCount         int                 `json:"error_count"`
	NotFoundCount      int                 `json:"not_found_count"`
	MultipleMatchCount int                 `json:"multiple_match_count"`
	NotFoundIDs        []string            `json:"not_found_ids"`
	InvalidIDs         []string            `json:"invalid_ids"`
	MultipleMatches    map[string][]string `json:"multiple_matches"`
	Errors             []ItemError         `json:"errors"`
}

// Merge folds delta into r. Counter merging is associative and commutative,
// so batch aggregation order does not affect final totals.
func (r *Results) Merge(delta Results) {
	r.ProcessedCount += delta.ProcessedCount
	r.SkippedCount += delta.SkippedCount
	r.ErrorCount += delta.ErrorCount
	r.NotFoundCount += delta.NotFoundCount
	r.MultipleMatchCount += delta.MultipleMatchCount

	r.NotFoundIDs = append(r.NotFoundIDs, delta.NotFoundIDs...)
	r.InvalidIDs = append(r.InvalidIDs, delta.InvalidIDs...)
	r.Errors = append(r.Errors, delta.Errors...)

	if len(delta.MultipleMatches) > 0 {
		if r.MultipleMatches == nil {
			r.MultipleMatches = make(map[string][]string, len(delta.MultipleMatches))
		}
		for id, candidates := range delta.MultipleMatches {
			r.MultipleMatches[id] = append(r.MultipleMatches[id], candidates...)
		}
	}
}

// SuccessRate returns the percentage of attempted items that succeeded.
// Items that were never attempted do not count toward the rate.
func (r *Results) SuccessRate() float64 {
	attempted := r.ProcessedCount + r.SkippedCount + r.ErrorCount
	if attempted == 0 {
		return 0
	}
	return float64(r.ProcessedCount) / float64(attempted) * percentMultiplier
}

// Progress tracks batch-level position within an operation.
type Progress struct {
	CurrentBatch int `json:"current_batch"`
	TotalBatches int `json:"total_batches"`
	CurrentItem  int `json:"current_item"`
	TotalItems   int `json:"total_items"`
	BatchSize    int `json:"batch_size"`
}

// CompletionPercent returns the fraction of items attempted so far as a
// percentage (0-100).
func (p Progress) CompletionPercent() float64 {
	if p.TotalItems == 0 {
		return 0
	}
	return float64(p.CurrentItem) / float64(p.TotalItems) * percentMultiplier
}

// Config holds the operation-level settings embedded in a checkpoint.
type Config struct {
	Environment string `json:"environment"`
	InputFile   string `json:"input_file,omitempty"`
	OutputFile  string `json:"output_file,omitempty"`
	Filter      string `json:"filter,omitempty"`
	DryRun      bool   `json:"dry_run"`
	AutoDelete  bool   `json:"auto_delete"`
	BatchSize   int    `json:"batch_size,omitempty"`

	// Extra carries operation-specific settings that have no dedicated
	// field. Keys are operation-defined.
	Extra map[string]string `json:"extra,omitempty"`
}

// ValidateFor checks that the config is usable for the given operation
// type. Enforced at checkpoint creation and again at resume.
func (c Config) ValidateFor(op OperationType) error {
	if !op.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, op)
	}
	if op.RequiresOutputFile() && c.OutputFile == "" {
		return fmt.Errorf("%w: %s", ErrMissingOutput, op)
	}
	return nil
}

// Checkpoint is the durable record of one bulk operation's progress.
//
// Invariant after the initial save: remaining and processed items are
// disjoint, and their combined length equals Progress.TotalItems.
type Checkpoint struct {
	ID             string        `json:"checkpoint_id"`
	OperationType  OperationType `json:"operation_type"`
	Status         Status        `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Config         Config        `json:"config"`
	Progress       Progress      `json:"progress"`
	Results        Results       `json:"results"`
	RemainingItems []string      `json:"remaining_items"`
	ProcessedItems []string      `json:"processed_items"`
	Version        string        `json:"version"`
}

// MarshalJSON writes timestamps as RFC3339 for readability in checkpoint
// files.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	type Alias Checkpoint
	return json.Marshal(&struct {
		*Alias

		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{
		Alias:     (*Alias)(c),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	})
}

// UnmarshalJSON parses a checkpoint document, rejecting documents that are
// missing the fields resumability depends on. Optional legacy fields get
// defaults: status falls back to active and version to the schema sentinel.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	if c == nil {
		return errors.New("cannot unmarshal into nil Checkpoint")
	}
	type Alias Checkpoint
	aux := &struct {
		*Alias

		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if c.OperationType == "" {
		return fmt.Errorf("%w: missing operation_type", ErrMalformed)
	}
	if aux.CreatedAt == "" {
		return fmt.Errorf("%w: missing created_at", ErrMalformed)
	}
	if aux.UpdatedAt == "" {
		return fmt.Errorf("%w: missing updated_at", ErrMalformed)
	}

	var err error
	c.CreatedAt, err = time.Parse(time.RFC3339, aux.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: invalid created_at: %w", ErrMalformed, err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339, aux.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: invalid updated_at: %w", ErrMalformed, err)
	}

	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Version == "" {
		c.Version = SchemaVersion
	}

	return nil
}

// IsResumable reports whether the checkpoint qualifies to continue
// processing in a later run. Completed checkpoints are never resumable,
// regardless of their remaining-item list.
func (c *Checkpoint) IsResumable() bool {
	if c.Status == StatusCompleted {
		return false
	}
	switch c.Status {
	case StatusActive, StatusFailed, StatusCancelled:
	default:
		return false
	}
	return len(c.RemainingItems) > 0 && c.versionCompatible()
}

// versionCompatible checks the schema version against the current build.
// Only an exact version match is accepted.
func (c *Checkpoint) versionCompatible() bool {
	stored, err := semver.NewVersion(c.Version)
	if err != nil {
		return false
	}
	current := semver.MustParse(SchemaVersion)
	return stored.Equal(current)
}

// Summary is a flattened view of a checkpoint for listings.
type Summary struct {
	ID                string        `json:"checkpoint_id"`
	OperationType     OperationType `json:"operation_type"`
	Status            Status        `json:"status"`
	Environment       string        `json:"environment"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	TotalItems        int           `json:"total_items"`
	AttemptedItems    int           `json:"attempted_items"`
	RemainingItems    int           `json:"remaining_items"`
	CompletionPercent float64       `json:"completion_percent"`
	SuccessRate       float64       `json:"success_rate"`
	Resumable         bool          `json:"resumable"`
}

// Summarize returns the listing view of the checkpoint.
func (c *Checkpoint) Summarize() Summary {
	return Summary{
		ID:                c.ID,
		OperationType:     c.OperationType,
		Status:            c.Status,
		Environment:       c.Config.Environment,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		TotalItems:        c.Progress.TotalItems,
		AttemptedItems:    c.Progress.CurrentItem,
		RemainingItems:    len(c.RemainingItems),
		CompletionPercent: c.Progress.CompletionPercent(),
		SuccessRate:       c.Results.SuccessRate(),
		Resumable:         c.IsResumable(),
	}
}
