package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
	ErrRunCancelled          = errors.New("run cancelled")
	ErrInterrupted           = errors.New("run interrupted")
	ErrRunActive             = errors.New("run is already being driven")
	ErrRunFinished           = errors.New("run already finished")
	ErrServiceClosed         = errors.New("workflow service closed")
)

// Result is the terminal outcome of a run.
type Result struct {
	RunID        string
	WorkflowName string
	Status       models.RunStatus
	Output       json.RawMessage
}

// DecodeOutput unmarshals the output of a completed run.
func DecodeOutput[T any](r Result) (T, error) {
	var out T
	if len(r.Output) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Output, &out); err != nil {
		return out, errors.Wrapf(err, "decode output of run %s", r.RunID)
	}
	return out, nil
}

// RunError describes a run that did not complete: which step failed, how the
// compensation went and which steps are left for an operator.
type RunError struct {
	RunID        string
	Workflow     string
	FailedStep   string
	Status       models.RunStatus
	Cause        error
	Compensation CompensationResult
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s of workflow '%s' ended %s", e.RunID, e.Workflow, e.Status)
	if e.FailedStep != "" {
		fmt.Fprintf(&b, ": step '%s' failed", e.FailedStep)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.Compensation.Failed) > 0 {
		fmt.Fprintf(&b, " (not compensated: %s)", strings.Join(e.Compensation.Failed, ", "))
	}
	return b.String()
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// RequiresIntervention reports whether some effects of the run could not be
// undone and must be remediated by hand.
func (e *RunError) RequiresIntervention() bool {
	return e.Status == models.CompensationFailedRunStatus
}

func resultOf(run models.Run) Result {
	return Result{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status,
		Output:       run.Output,
	}
}

// outcomeOf rebuilds the caller-facing outcome of a terminal run from its
// record, for runs this process did not drive.
func outcomeOf(run models.Run) (Result, error) {
	res := resultOf(run)
	if run.Status == models.CompletedRunStatus {
		return res, nil
	}
	var cause error
	switch {
	case run.Error == ErrRunCancelled.Error():
		cause = ErrRunCancelled
	case run.Error != "":
		cause = errors.New(run.Error)
	}
	return res, &RunError{
		RunID:      run.ID,
		Workflow:   run.WorkflowName,
		FailedStep: run.FailedStep,
		Status:     run.Status,
		Cause:      cause,
		Compensation: CompensationResult{
			Failed: run.UncompensatedSteps,
		},
	}
}
