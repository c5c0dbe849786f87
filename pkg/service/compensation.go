package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
)

// CompensationResult aggregates the outcome of a compensation sweep.
type CompensationResult struct {
	Compensated []string // in the order they were undone
	Failed      []string
}

// OK reports whether every succeeded step was compensated.
func (r CompensationResult) OK() bool {
	return len(r.Failed) == 0
}

// CompensationOrder returns the succeeded forward entries of a log, most
// recently completed first.
func CompensationOrder(entries []models.LogEntry) []models.LogEntry {
	var succeeded []models.LogEntry
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Status != models.SucceededEntryStatus || seen[e.StepName] {
			continue
		}
		seen[e.StepName] = true
		succeeded = append(succeeded, e)
	}
	sort.SliceStable(succeeded, func(i, j int) bool {
		return succeeded[i].Seq > succeeded[j].Seq
	})
	return succeeded
}

// Compensator walks a run's log backwards and undoes every succeeded step.
// Each compensation is invoked at most once per run: steps that already carry
// a compensation entry are never called again, which lets an interrupted
// sweep be resumed.
type Compensator struct {
	logs    *LogService
	logger  Logger
	timeout func(*workflow.Node) time.Duration
}

// NewCompensator creates a compensator whose calls are bounded by the timeout
// of the step being undone. A nil timeout func uses DefaultStepTimeout.
func NewCompensator(logs *LogService, logger Logger, timeout func(*workflow.Node) time.Duration) *Compensator {
	return &Compensator{logs: logs, logger: logger, timeout: timeout}
}

func (c *Compensator) timeoutFor(node *workflow.Node) time.Duration {
	if c.timeout == nil {
		return DefaultStepTimeout
	}
	if d := c.timeout(node); d > 0 {
		return d
	}
	return DefaultStepTimeout
}

// Compensate runs the sweep for a run. Compensation failures are recorded and
// aggregated; the returned error is reserved for log failures and
// interruption, both of which leave the sweep resumable.
func (c *Compensator) Compensate(ctx context.Context, runID string, def *workflow.Definition) (CompensationResult, error) {
	var res CompensationResult
	entries, err := c.logs.Entries(ctx, runID)
	if err != nil {
		return res, err
	}
	done := make(map[string]models.EntryStatus)
	for _, e := range entries {
		if e.Status.IsCompensation() {
			done[e.StepName] = e.Status
		}
	}

	for _, entry := range CompensationOrder(entries) {
		switch done[entry.StepName] {
		case models.CompensatedEntryStatus:
			res.Compensated = append(res.Compensated, entry.StepName)
			continue
		case models.CompensationFailedEntryStatus:
			res.Failed = append(res.Failed, entry.StepName)
			continue
		}
		if ctx.Err() != nil {
			return res, errors.Wrap(ErrInterrupted, ctx.Err().Error())
		}

		compErr := c.undo(ctx, runID, def, entry)
		record := models.LogEntry{
			RunID:    runID,
			StepName: entry.StepName,
			Attempt:  entry.Attempt,
			Status:   models.CompensatedEntryStatus,
		}
		if compErr != nil {
			if ctx.Err() != nil {
				return res, errors.Wrap(ErrInterrupted, ctx.Err().Error())
			}
			compErr = workflow.CompensationError(entry.StepName, compErr)
			c.logger.Errorf("Compensation of step %s in run %s failed: %v", entry.StepName, runID, compErr)
			record.Status = models.CompensationFailedEntryStatus
			record.ErrorCode = string(workflow.CodeCompensation)
			record.Error = compErr.Error()
		}
		if _, err := c.logs.Append(ctx, record); err != nil {
			return res, err
		}
		if compErr != nil {
			res.Failed = append(res.Failed, entry.StepName)
		} else {
			c.logger.Infof("Compensated step %s of run %s", entry.StepName, runID)
			res.Compensated = append(res.Compensated, entry.StepName)
		}
	}
	return res, nil
}

func (c *Compensator) undo(ctx context.Context, runID string, def *workflow.Definition, entry models.LogEntry) error {
	node, ok := def.Node(entry.StepName)
	if !ok || node.Action == nil {
		return errors.Errorf("step '%s' is not part of workflow '%s'", entry.StepName, def.Name())
	}
	if !node.Action.Compensable() {
		return nil
	}
	callCtx := workflow.WithExecution(ctx, runID, entry.StepName, entry.Attempt)
	_, err := callWithTimeout(callCtx, c.timeoutFor(node), func(ctx context.Context) (json.RawMessage, error) {
		return nil, node.Action.Compensate(ctx, entry.Input, entry.Output)
	})
	return err
}
