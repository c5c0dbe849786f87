package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies a step error.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeTransient    Code = "TRANSIENT_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
	CodeTimeout      Code = "TIMEOUT"
	CodeCancelled    Code = "CANCELLED"
	CodeCompensation Code = "COMPENSATION_ERROR"
	CodeUnknown      Code = "UNKNOWN_ERROR"
)

// StepError is the error type steps and collaborators return to tell the engine
// how a failure should be treated.
type StepError struct {
	Code    Code
	Step    string
	Message string
	Cause   error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Step != "" {
		msg = fmt.Sprintf("step '%s': %s", e.Step, msg)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// Validation reports invalid input. Validation errors are never retried.
func Validation(format string, args ...interface{}) error {
	return &StepError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing referenced entity. NotFound errors are never retried.
func NotFound(format string, args ...interface{}) error {
	return &StepError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Transient reports a failure that may succeed on a later attempt.
func Transient(cause error, format string, args ...interface{}) error {
	return &StepError{Code: CodeTransient, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CompensationError wraps the failure of a compensation action.
func CompensationError(step string, cause error) error {
	return &StepError{Code: CodeCompensation, Step: step, Message: "compensation failed", Cause: cause}
}

// CodeOf returns the code carried by err. Context errors map to CodeTimeout
// and CodeCancelled, anything else unrecognised is CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeUnknown
}
