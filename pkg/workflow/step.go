package workflow

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Void is the value of steps and workflows that produce nothing.
type Void struct{}

// Kind distinguishes regular steps from event steps.
type Kind string

const (
	KindAction Kind = "action"
	KindEvent  Kind = "event"
)

// ForwardFunc performs the unit of work of a step. It may be invoked more
// than once for the same run, so it must be idempotent or guarded by an
// external uniqueness key (see RunID).
type ForwardFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// CompensateFunc undoes the effect of a successful forward action. It must
// tolerate partially applied external state and be idempotent.
type CompensateFunc[In, Out any] func(ctx context.Context, in In, out Out) error

// Action is the type-erased view of a step used by the engine. Payloads cross
// this boundary as JSON so they can be written to and re-hydrated from the
// transaction log.
type Action interface {
	Name() string
	Kind() Kind
	Policy() RetryPolicy
	Compensable() bool
	Forward(ctx context.Context, in json.RawMessage) (json.RawMessage, error)
	Compensate(ctx context.Context, in, out json.RawMessage) error
}

// Step is a named unit of work with an optional compensation. Steps are
// immutable: the With* methods return modified copies.
type Step[In, Out any] struct {
	name       string
	kind       Kind
	forward    ForwardFunc[In, Out]
	compensate CompensateFunc[In, Out]
	policy     RetryPolicy
}

// NewStep creates a step that runs forward once, without compensation.
func NewStep[In, Out any](name string, forward ForwardFunc[In, Out]) *Step[In, Out] {
	return &Step[In, Out]{
		name:    name,
		kind:    KindAction,
		forward: forward,
		policy:  DefaultPolicy(),
	}
}

// NewEventStep creates a step that fires a side effect which cannot be undone.
// Its compensation is a no-op, but it still takes part in the compensation
// sweep so the log keeps a complete picture of the run.
func NewEventStep[In any](name string, fire func(ctx context.Context, in In) error) *Step[In, Void] {
	return &Step[In, Void]{
		name: name,
		kind: KindEvent,
		forward: func(ctx context.Context, in In) (Void, error) {
			return Void{}, fire(ctx, in)
		},
		policy: DefaultPolicy(),
	}
}

// WithCompensation returns a copy of the step with the given compensation.
func (s *Step[In, Out]) WithCompensation(fn CompensateFunc[In, Out]) *Step[In, Out] {
	cp := *s
	if cp.kind != KindEvent {
		cp.compensate = fn
	}
	return &cp
}

// WithPolicy returns a copy of the step with the given retry policy.
func (s *Step[In, Out]) WithPolicy(p RetryPolicy) *Step[In, Out] {
	cp := *s
	cp.policy = p
	return &cp
}

func (s *Step[In, Out]) Name() string        { return s.name }
func (s *Step[In, Out]) Kind() Kind          { return s.kind }
func (s *Step[In, Out]) Policy() RetryPolicy { return s.policy }
func (s *Step[In, Out]) Compensable() bool   { return s.compensate != nil }

func (s *Step[In, Out]) Forward(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[In](raw)
	if err != nil {
		return nil, Validation("decode input of step '%s': %v", s.name, err)
	}
	out, err := s.forward(ctx, in)
	if err != nil {
		return nil, err
	}
	encoded, err := encode(out)
	if err != nil {
		return nil, Validation("encode output of step '%s': %v", s.name, err)
	}
	return encoded, nil
}

func (s *Step[In, Out]) Compensate(ctx context.Context, rawIn, rawOut json.RawMessage) error {
	if s.compensate == nil {
		return nil
	}
	in, err := decode[In](rawIn)
	if err != nil {
		return errors.Wrapf(err, "decode input of step '%s'", s.name)
	}
	out, err := decode[Out](rawOut)
	if err != nil {
		return errors.Wrapf(err, "decode output of step '%s'", s.name)
	}
	return s.compensate(ctx, in, out)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

func encode(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
