package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	IdleRunStatus               RunStatus = "IDLE"
	RunningRunStatus            RunStatus = "RUNNING"
	CompletedRunStatus          RunStatus = "COMPLETED"
	CompensatingRunStatus       RunStatus = "COMPENSATING"
	FailedRunStatus             RunStatus = "FAILED"
	CompensatedRunStatus        RunStatus = "COMPENSATED"
	CompensationFailedRunStatus RunStatus = "COMPENSATION_FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case CompletedRunStatus, FailedRunStatus, CompensatedRunStatus, CompensationFailedRunStatus:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case IdleRunStatus, RunningRunStatus, CompletedRunStatus, CompensatingRunStatus,
		FailedRunStatus, CompensatedRunStatus, CompensationFailedRunStatus:
		return true
	}
	return false
}

// Run is one invocation of a workflow against concrete input.
type Run struct {
	ID                 string          `json:"id"`                            // e.g. "run_5f0c..."
	WorkflowName       string          `json:"workflow_name"`                 // Registered workflow definition
	Status             RunStatus       `json:"status"`                        // Current state of the run state machine
	Input              json.RawMessage `json:"input,omitempty"`               // Workflow input as submitted
	Output             json.RawMessage `json:"output,omitempty"`              // Workflow output once completed
	FailedStep         string          `json:"failed_step,omitempty"`         // Node whose failure triggered compensation
	Error              string          `json:"error,omitempty"`               // Failure detail
	UncompensatedSteps []string        `json:"uncompensated_steps,omitempty"` // Steps whose compensation failed
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"` // Set once a terminal state is reached
}
