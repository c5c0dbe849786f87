package workflow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep(t *testing.T) {
	var compensated []order
	step := workflow.NewStep("double", func(ctx context.Context, in order) (order, error) {
		return order{ID: in.ID, Total: in.Total * 2}, nil
	}).WithCompensation(func(ctx context.Context, in, out order) error {
		compensated = append(compensated, in, out)
		return nil
	})

	assert.Equal(t, "double", step.Name())
	assert.Equal(t, workflow.KindAction, step.Kind())
	assert.True(t, step.Compensable())
	assert.Equal(t, 1, step.Policy().Attempts())

	out, err := step.Forward(context.Background(), json.RawMessage(`{"id":"o1","total":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"o1","total":4}`, string(out))

	require.NoError(t, step.Compensate(context.Background(), json.RawMessage(`{"id":"o1","total":2}`), out))
	assert.Equal(t, []order{{ID: "o1", Total: 2}, {ID: "o1", Total: 4}}, compensated)

	_, err = step.Forward(context.Background(), json.RawMessage(`"bad"`))
	assert.Equal(t, workflow.CodeValidation, workflow.CodeOf(err))
	assert.Error(t, step.Compensate(context.Background(), json.RawMessage(`"bad"`), out))
}

func TestStepIsImmutable(t *testing.T) {
	base := identity("base")
	retried := base.WithPolicy(workflow.FixedRetry(3, 0))
	compensable := base.WithCompensation(func(ctx context.Context, in, out order) error { return nil })

	assert.Equal(t, 1, base.Policy().Attempts())
	assert.False(t, base.Compensable())
	assert.Equal(t, 3, retried.Policy().Attempts())
	assert.False(t, retried.Compensable())
	assert.True(t, compensable.Compensable())
}

func TestEventStep(t *testing.T) {
	var fired []string
	step := workflow.NewEventStep("notify", func(ctx context.Context, in order) error {
		fired = append(fired, in.ID)
		return nil
	}).WithCompensation(func(ctx context.Context, in order, out workflow.Void) error {
		return errors.New("events cannot be undone")
	})

	assert.Equal(t, workflow.KindEvent, step.Kind())
	assert.False(t, step.Compensable())

	out, err := step.Forward(context.Background(), json.RawMessage(`{"id":"o1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
	assert.Equal(t, []string{"o1"}, fired)
	assert.NoError(t, step.Compensate(context.Background(), nil, out))
}

func TestExecutionContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, workflow.RunID(ctx))
	assert.Zero(t, workflow.Attempt(ctx))

	ctx = workflow.WithExecution(ctx, "run_1", "create-return", 2)
	assert.Equal(t, "run_1", workflow.RunID(ctx))
	assert.Equal(t, "create-return", workflow.StepName(ctx))
	assert.Equal(t, 2, workflow.Attempt(ctx))
}

func TestCodeOf(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		err  error
		want workflow.Code
	}{
		{nil, ""},
		{workflow.Validation("bad %s", "input"), workflow.CodeValidation},
		{workflow.NotFound("order %s", "o1"), workflow.CodeNotFound},
		{errors.Wrap(workflow.Transient(cause, "call"), "wrapped"), workflow.CodeTransient},
		{workflow.CompensationError("a", cause), workflow.CodeCompensation},
		{context.DeadlineExceeded, workflow.CodeTimeout},
		{errors.Wrap(context.Canceled, "stopped"), workflow.CodeCancelled},
		{cause, workflow.CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, workflow.CodeOf(tt.err), "%v", tt.err)
	}

	err := workflow.CompensationError("create-return", cause)
	assert.Equal(t, "step 'create-return': COMPENSATION_ERROR: compensation failed: connection reset", err.Error())
	assert.True(t, errors.Is(err, cause))
}
