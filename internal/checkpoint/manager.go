package checkpoint

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// DefaultDir is the checkpoint directory used when none is configured.
const DefaultDir = ".checkpoints"

// idSuffixLen is the number of ULID entropy characters appended to ids.
const idSuffixLen = 8

// Manager owns a checkpoint directory and provides the full lifecycle:
// create, persist, load, list, batch updates, status transitions, and
// pruning. One checkpoint file is written by at most one process at a time;
// concurrent operators racing on the same id are unsupported.
type Manager struct {
	dir string
	log zerolog.Logger
	now func() time.Time
}

// NewManager creates a Manager rooted at dir, creating the directory if
// needed. An empty dir falls back to DefaultDir.
func NewManager(dir string, logger zerolog.Logger) (*Manager, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory %s: %w", dir, err)
	}
	return &Manager{
		dir: dir,
		log: logger.With().Str("component", "checkpoint").Logger(),
		now: time.Now,
	}, nil
}

// Dir returns the managed checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// NewID generates a collision-resistant checkpoint id of the form
// <operation>_<env>_<timestamp>_<suffix>.
func (m *Manager) NewID(op OperationType, env string) string {
	stamp := m.now().Format("20060102_150405")
	suffix := ulid.Make().String()
	suffix = strings.ToLower(suffix[len(suffix)-idSuffixLen:])
	return fmt.Sprintf("%s_%s_%s_%s", op, env, stamp, suffix)
}

// Create builds a fresh Active checkpoint over items. Identifiers are
// deduplicated preserving first-occurrence order, so the batch engine's
// set-difference bookkeeping stays sound. The checkpoint is not persisted;
// callers save it before starting work.
func (m *Manager) Create(op OperationType, cfg Config, items []string, batchSize int) (*Checkpoint, error) {
	if err := cfg.ValidateFor(op); err != nil {
		return nil, fmt.Errorf("cannot create checkpoint: %w", err)
	}
	if batchSize < 1 {
		return nil, ErrInvalidBatch
	}
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	unique := dedupe(items)
	totalItems := len(unique)
	totalBatches := (totalItems + batchSize - 1) / batchSize
	now := m.now()

	return &Checkpoint{
		ID:            m.NewID(op, cfg.Environment),
		OperationType: op,
		Status:        StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		Config:        cfg,
		Progress: Progress{
			TotalBatches: totalBatches,
			TotalItems:   totalItems,
			BatchSize:    batchSize,
		},
		RemainingItems: unique,
		ProcessedItems: []string{},
		Version:        SchemaVersion,
	}, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Type        OperationType
	Status      Status
	Environment string
}

// List returns checkpoints matching the filter, newest first. Files that
// cannot be read or decoded are skipped with a warning rather than failing
// the whole listing.
func (m *Manager) List(filter ListFilter) ([]*Checkpoint, error) {
	ids, err := m.ids()
	if err != nil {
		return nil, err
	}

	var out []*Checkpoint
	for _, id := range ids {
		cp, loadErr := m.Load(id)
		if loadErr != nil {
			m.log.Warn().
				Str("checkpoint_id", id).
				Err(loadErr).
				Msg("skipping unreadable checkpoint file")
			continue
		}
		if filter.Type != "" && cp.OperationType != filter.Type {
			continue
		}
		if filter.Status != "" && cp.Status != filter.Status {
			continue
		}
		if filter.Environment != "" && cp.Config.Environment != filter.Environment {
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ApplyBatch advances a checkpoint after one worker batch: it increments
// the batch and item counters, merges the result delta, removes attempted
// items from the remaining list by value, appends them to the processed
// list, and flips the status to Completed once nothing remains. The
// attempted list, not the success list, drives advancement.
func (m *Manager) ApplyBatch(cp *Checkpoint, attempted []string, delta Results) {
	if len(attempted) > 0 {
		cp.Progress.CurrentBatch++
		cp.Progress.CurrentItem += len(attempted)
		cp.Results.Merge(delta)

		attemptedSet := make(map[string]struct{}, len(attempted))
		for _, id := range attempted {
			attemptedSet[id] = struct{}{}
		}
		remaining := cp.RemainingItems[:0]
		for _, id := range cp.RemainingItems {
			if _, ok := attemptedSet[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		cp.RemainingItems = remaining
		cp.ProcessedItems = append(cp.ProcessedItems, attempted...)
	}

	if len(cp.RemainingItems) == 0 {
		cp.Status = StatusCompleted
	}
	cp.UpdatedAt = m.now()
}

// MarkFailed stamps the checkpoint Failed and appends a structured error
// record. Remaining and processed items are untouched, so the checkpoint
// stays resumable.
func (m *Manager) MarkFailed(cp *Checkpoint, cause error) {
	cp.Status = StatusFailed
	cp.UpdatedAt = m.now()
	cp.Results.Errors = append(cp.Results.Errors, ItemError{
		Message:   cause.Error(),
		Operation: string(cp.OperationType),
		Timestamp: m.now(),
	})
	cp.Results.ErrorCount++
}

// MarkCancelled stamps the checkpoint Cancelled and records the stop as a
// structured event. Item lists are untouched; the checkpoint stays
// resumable after reactivation.
func (m *Manager) MarkCancelled(cp *Checkpoint) {
	cp.Status = StatusCancelled
	cp.UpdatedAt = m.now()
	cp.Results.Errors = append(cp.Results.Errors, ItemError{
		Message:   "operation cancelled by operator",
		Operation: string(cp.OperationType),
		Timestamp: m.now(),
	})
}

// Reactivate flips a Failed or Cancelled checkpoint back to Active, making
// it a valid resume target, and persists the change.
func (m *Manager) Reactivate(cp *Checkpoint) error {
	switch cp.Status {
	case StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReactivatable, cp.ID, cp.Status)
	}
	cp.Status = StatusActive
	if err := m.Save(cp); err != nil {
		return err
	}
	m.log.Info().Str("checkpoint_id", cp.ID).Msg("checkpoint reactivated")
	return nil
}

// PruneScope selects which checkpoints Prune considers.
type PruneScope int

// Prune scopes.
const (
	// PruneAll removes every checkpoint regardless of status or age.
	PruneAll PruneScope = iota
	// PruneFailed removes checkpoints with status failed.
	PruneFailed
	// PruneCompleted removes checkpoints with status completed.
	PruneCompleted
	// PruneOlderThan removes terminal-state checkpoints (completed,
	// failed, cancelled) created more than MaxAgeDays ago.
	PruneOlderThan
)

// PruneCriteria configures a Prune call.
type PruneCriteria struct {
	Scope      PruneScope
	MaxAgeDays int
	DryRun     bool
}

// Prune deletes checkpoints matching the criteria and returns how many
// were deleted. With DryRun set, it reports what would be deleted without
// deleting anything.
func (m *Manager) Prune(criteria PruneCriteria) (int, error) {
	all, err := m.List(ListFilter{})
	if err != nil {
		return 0, err
	}

	cutoff := m.now().AddDate(0, 0, -criteria.MaxAgeDays)

	var victims []*Checkpoint
	for _, cp := range all {
		switch criteria.Scope {
		case PruneAll:
			victims = append(victims, cp)
		case PruneFailed:
			if cp.Status == StatusFailed {
				victims = append(victims, cp)
			}
		case PruneCompleted:
			if cp.Status == StatusCompleted {
				victims = append(victims, cp)
			}
		case PruneOlderThan:
			if terminalStatus(cp.Status) && cp.CreatedAt.Before(cutoff) {
				victims = append(victims, cp)
			}
		}
	}

	if criteria.DryRun {
		for _, cp := range victims {
			m.log.Info().
				Str("checkpoint_id", cp.ID).
				Str("status", string(cp.Status)).
				Msg("would delete checkpoint")
		}
		return len(victims), nil
	}

	deleted := 0
	for _, cp := range victims {
		ok, delErr := m.Delete(cp.ID)
		if delErr != nil {
			m.log.Warn().Str("checkpoint_id", cp.ID).Err(delErr).Msg("could not delete checkpoint")
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// terminalStatus reports whether a checkpoint in this status is done
// running (successfully or not).
func terminalStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// dedupe returns items with duplicates removed, preserving the order of
// first occurrence.
func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, id := range items {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
