package service

import (
	"context"
	"time"

	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

// DefaultMaxConcurrentRuns bounds the runs driven at the same time when no
// limit is configured. Runs over the limit wait in IDLE.
const DefaultMaxConcurrentRuns = 64

type Option func(*WorkflowService)

// WithEmitter sets where success events of workflows declared with
// workflow.EmitOnSuccess are published.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *WorkflowService) { s.emitter = emitter }
}

func WithMaxConcurrentRuns(n int) Option {
	return func(s *WorkflowService) {
		if n > 0 {
			s.maxConcurrentRuns = int64(n)
		}
	}
}

// WithMaxParallelSteps bounds the members of a parallel stage running at once
// within a single run. By default every member of a stage runs at once.
func WithMaxParallelSteps(n int) Option {
	return func(s *WorkflowService) {
		if n > 0 {
			s.maxParallelSteps = n
		}
	}
}

// WithDefaultStepTimeout sets the attempt timeout of steps whose policy has none.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(s *WorkflowService) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithPolicyOverrides replaces the retry policy of the named nodes. A
// override without a classifier keeps the step's own.
func WithPolicyOverrides(overrides map[string]workflow.RetryPolicy) Option {
	return func(s *WorkflowService) {
		for name, p := range overrides {
			s.overrides[name] = p
		}
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *WorkflowService) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}
