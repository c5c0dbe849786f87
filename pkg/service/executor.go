package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
)

const (
	// default step timeout is 1m
	DefaultStepTimeout = 60 * time.Second
)

// stepFailure is a permanent failure of a node: retries are exhausted or the
// error was classified as fatal.
type stepFailure struct {
	step string
	err  error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("step '%s' failed: %v", f.step, f.err)
}

func (f *stepFailure) Unwrap() error {
	return f.err
}

type callResult struct {
	out json.RawMessage
	err error
}

// callWithTimeout runs fn with a deadline. fn runs in its own goroutine so a
// collaborator that ignores its context cannot hold the run past the timeout.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := fn(timeoutCtx)
		resultCh <- callResult{out: out, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.out, r.err
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	}
}

// attempt runs a step from attempt number first until it succeeds, fails
// fatally or runs out of attempts. Every attempt is bracketed in the log by a
// pending entry and its outcome. retrying tells that attempt first follows a
// failed one, so the backoff applies before it.
func (x *execution) attempt(ctx context.Context, node *workflow.Node, policy workflow.RetryPolicy, input json.RawMessage, first int, retrying bool) (json.RawMessage, error) {
	logger := x.s.logger
	maxAttempts := policy.Attempts()
	var lastErr error

	for attempt := first; attempt <= maxAttempts; attempt++ {
		if attempt > first || retrying {
			delay := policy.BackoffFor(attempt - 1)
			logger.Infof("Retrying step %s of run %s in %s (attempt %d/%d)", node.Name, x.runID, delay, attempt, maxAttempts)
			if err := x.s.sleep(ctx, delay); err != nil {
				return nil, errors.Wrap(ErrInterrupted, err.Error())
			}
		}

		logger.Infof("Starting step %s of run %s attempt %d/%d", node.Name, x.runID, attempt, maxAttempts)
		_, err := x.s.logs.Append(ctx, models.LogEntry{
			RunID:    x.runID,
			StepName: node.Name,
			Attempt:  attempt,
			Status:   models.PendingEntryStatus,
			Input:    input,
		})
		if err != nil {
			return nil, err
		}

		callCtx := workflow.WithExecution(ctx, x.runID, node.Name, attempt)
		out, err := callWithTimeout(callCtx, policy.Timeout, func(ctx context.Context) (json.RawMessage, error) {
			return node.Action.Forward(ctx, input)
		})
		if ctx.Err() != nil {
			// the pending entry stays dangling; a resume re-runs this attempt
			logger.Infof("Step %s of run %s interrupted: %v", node.Name, x.runID, ctx.Err())
			return nil, errors.Wrap(ErrInterrupted, ctx.Err().Error())
		}

		if err == nil {
			_, err = x.s.logs.Append(ctx, models.LogEntry{
				RunID:    x.runID,
				StepName: node.Name,
				Attempt:  attempt,
				Status:   models.SucceededEntryStatus,
				Input:    input,
				Output:   out,
			})
			if err != nil {
				return nil, err
			}
			logger.Infof("Step %s of run %s completed successfully", node.Name, x.runID)
			return out, nil
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrapf(err, "timed out after %s", policy.Timeout)
		}
		class := policy.Classify(err)
		_, appendErr := x.s.logs.Append(ctx, models.LogEntry{
			RunID:     x.runID,
			StepName:  node.Name,
			Attempt:   attempt,
			Status:    models.FailedEntryStatus,
			Input:     input,
			ErrorCode: string(workflow.CodeOf(err)),
			Error:     err.Error(),
			Fatal:     class == workflow.Fatal,
		})
		if appendErr != nil {
			return nil, appendErr
		}
		lastErr = err
		if class == workflow.Fatal {
			logger.Errorf("Step %s of run %s failed with a fatal error: %v", node.Name, x.runID, err)
			return nil, &stepFailure{step: node.Name, err: err}
		}
		logger.Warnf("Step %s of run %s attempt %d/%d failed: %v", node.Name, x.runID, attempt, maxAttempts, err)
	}

	if lastErr == nil {
		lastErr = errors.Errorf("no attempts left out of %d", maxAttempts)
	}
	logger.Errorf("Step %s of run %s failed after %d attempts: %v", node.Name, x.runID, maxAttempts, lastErr)
	return nil, &stepFailure{step: node.Name, err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
