package storage

import (
	"context"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound                   = errors.New("not found")
	ErrRunExists                  = errors.New("run already exists")
	ErrInvalidEntry               = errors.New("invalid log entry")
	ErrAttemptOrder               = errors.New("attempt is lower than a previous entry for the step")
	ErrCompensationWithoutSuccess = errors.New("compensation requires a succeeded entry for the step")
	ErrAlreadyCompensated         = errors.New("step already has a compensation entry")
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	WorkflowName string
	Statuses     []models.RunStatus
	Limit        int
}

// Store defines the persistence operations for runs and their transaction logs.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	UpdateRun(ctx context.Context, run models.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]models.Run, error)
	DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Transaction log operations. AppendEntry serializes appends per run,
	// assigns Seq and LoggedAt, and enforces ValidateAppend. ReadEntries
	// returns a consistent snapshot ordered by Seq.
	AppendEntry(ctx context.Context, entry models.LogEntry) (models.LogEntry, error)
	ReadEntries(ctx context.Context, runID string) ([]models.LogEntry, error)
}

// ValidateAppend checks the ordering invariants of the transaction log:
// entries of a step never go back in attempt number, and a compensation entry
// is only accepted once the step has succeeded and has not been compensated yet.
func ValidateAppend(existing []models.LogEntry, entry models.LogEntry) error {
	if entry.RunID == "" || entry.StepName == "" {
		return errors.Wrap(ErrInvalidEntry, "run id and step name are required")
	}
	if entry.Attempt < 1 {
		return errors.Wrapf(ErrInvalidEntry, "attempt must be positive, got %d", entry.Attempt)
	}
	if !entry.Status.Valid() {
		return errors.Wrapf(ErrInvalidEntry, "unknown status '%s'", entry.Status)
	}
	succeeded := false
	for _, e := range existing {
		if e.StepName != entry.StepName {
			continue
		}
		if entry.Attempt < e.Attempt {
			return errors.Wrapf(ErrAttemptOrder, "step '%s': attempt %d after attempt %d", entry.StepName, entry.Attempt, e.Attempt)
		}
		if e.Status == models.SucceededEntryStatus {
			succeeded = true
		}
		if entry.Status.IsCompensation() && e.Status.IsCompensation() {
			return errors.Wrapf(ErrAlreadyCompensated, "step '%s'", entry.StepName)
		}
	}
	if entry.Status.IsCompensation() && !succeeded {
		return errors.Wrapf(ErrCompensationWithoutSuccess, "step '%s'", entry.StepName)
	}
	return nil
}

// MatchesFilter reports whether run satisfies filter, ignoring Limit.
func MatchesFilter(run models.Run, filter RunFilter) bool {
	if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
		return false
	}
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, s := range filter.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// Prunable reports whether a run may be removed by retention. Runs that need
// operator intervention are never pruned.
func Prunable(run models.Run, cutoff time.Time) bool {
	if !run.Status.Terminal() || run.Status == models.CompensationFailedRunStatus {
		return false
	}
	ts := run.UpdatedAt
	if run.FinishedAt != nil {
		ts = *run.FinishedAt
	}
	return ts.Before(cutoff)
}
