package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestBackoffFor(t *testing.T) {
	fixed := workflow.FixedRetry(3, 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, fixed.BackoffFor(1))
	assert.Equal(t, 50*time.Millisecond, fixed.BackoffFor(2))
	assert.Zero(t, fixed.BackoffFor(0))

	exp := workflow.ExponentialRetry(5, 100*time.Millisecond, 350*time.Millisecond, 0)
	assert.Equal(t, 100*time.Millisecond, exp.BackoffFor(1))
	assert.Equal(t, 200*time.Millisecond, exp.BackoffFor(2))
	assert.Equal(t, 350*time.Millisecond, exp.BackoffFor(3))
	assert.Equal(t, 350*time.Millisecond, exp.BackoffFor(10))

	uncapped := workflow.ExponentialRetry(5, time.Second, 0, 0)
	assert.Equal(t, 24*time.Hour, uncapped.BackoffFor(200))

	assert.Zero(t, workflow.DefaultPolicy().BackoffFor(1))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	p := workflow.ExponentialRetry(3, 100*time.Millisecond, 0, 0.2)
	for i := 0; i < 200; i++ {
		d := p.BackoffFor(2)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 1, workflow.RetryPolicy{}.Attempts())
	assert.Equal(t, 1, workflow.RetryPolicy{MaxAttempts: -2}.Attempts())
	assert.Equal(t, 4, workflow.FixedRetry(4, 0).Attempts())
}

func TestClassify(t *testing.T) {
	p := workflow.DefaultPolicy()
	assert.Equal(t, workflow.Fatal, p.Classify(workflow.Validation("bad")))
	assert.Equal(t, workflow.Fatal, p.Classify(workflow.NotFound("missing")))
	assert.Equal(t, workflow.Fatal, p.Classify(context.Canceled))
	assert.Equal(t, workflow.Retryable, p.Classify(workflow.Transient(nil, "503")))
	assert.Equal(t, workflow.Retryable, p.Classify(errors.New("boom")))
	assert.Equal(t, workflow.Retryable, p.Classify(context.DeadlineExceeded))

	p.TimeoutFatal = true
	assert.Equal(t, workflow.Fatal, p.Classify(errors.Wrap(context.DeadlineExceeded, "step")))

	p.Classifier = workflow.RetryAll
	assert.Equal(t, workflow.Retryable, p.Classify(workflow.Validation("bad")))
	assert.Equal(t, "fatal", workflow.Fatal.String())
	assert.Equal(t, "retryable", workflow.Retryable.String())
}
