package workflow

import "context"

type contextKey int

const (
	runIDKey contextKey = iota
	stepKey
	attemptKey
)

// WithExecution annotates ctx with the run, step and attempt being executed.
// The engine calls it before every forward and compensation call.
func WithExecution(ctx context.Context, runID, step string, attempt int) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	ctx = context.WithValue(ctx, stepKey, step)
	return context.WithValue(ctx, attemptKey, attempt)
}

// RunID returns the identifier of the run executing the current step.
// Together with StepName it makes a stable idempotency key for collaborators.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

func StepName(ctx context.Context) string {
	name, _ := ctx.Value(stepKey).(string)
	return name
}

func Attempt(ctx context.Context) int {
	attempt, _ := ctx.Value(attemptKey).(int)
	return attempt
}
