package models

import (
	"encoding/json"
	"time"
)

type EntryStatus string

const (
	PendingEntryStatus            EntryStatus = "pending"
	SucceededEntryStatus          EntryStatus = "succeeded"
	FailedEntryStatus             EntryStatus = "failed"
	CompensatedEntryStatus        EntryStatus = "compensated"
	CompensationFailedEntryStatus EntryStatus = "compensation_failed"
)

func (s EntryStatus) Valid() bool {
	switch s {
	case PendingEntryStatus, SucceededEntryStatus, FailedEntryStatus,
		CompensatedEntryStatus, CompensationFailedEntryStatus:
		return true
	}
	return false
}

// IsCompensation reports whether the entry records a compensation outcome.
func (s EntryStatus) IsCompensation() bool {
	return s == CompensatedEntryStatus || s == CompensationFailedEntryStatus
}

// LogEntry is one append-only record of the transaction log of a run.
type LogEntry struct {
	RunID     string          `json:"run_id"`               // Owning run
	Seq       int64           `json:"seq"`                  // Per-run sequence assigned by the store
	StepName  string          `json:"step_name"`            // Node name within the workflow
	Attempt   int             `json:"attempt"`              // 1-based attempt number
	Status    EntryStatus     `json:"status"`               // Outcome recorded by this entry
	Input     json.RawMessage `json:"input,omitempty"`      // Forward input
	Output    json.RawMessage `json:"output,omitempty"`     // Forward output when succeeded
	ErrorCode string          `json:"error_code,omitempty"` // workflow.Code of the failure
	Error     string          `json:"error,omitempty"`      // Failure detail
	Fatal     bool            `json:"fatal,omitempty"`      // Failure classified as non-retryable
	LoggedAt  time.Time       `json:"logged_at"`
}
