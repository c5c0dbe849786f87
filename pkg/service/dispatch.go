package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// stepRecord is the progress of one step as recovered from the log.
type stepRecord struct {
	attempt   int
	status    models.EntryStatus
	output    json.RawMessage
	errorCode string
	err       string
	fatal     bool
}

// replay folds the forward entries of a log into the latest record per step.
func replay(entries []models.LogEntry) map[string]stepRecord {
	records := make(map[string]stepRecord)
	for _, e := range entries {
		if e.Status.IsCompensation() {
			continue
		}
		records[e.StepName] = stepRecord{
			attempt:   e.Attempt,
			status:    e.Status,
			output:    e.Output,
			errorCode: e.ErrorCode,
			err:       e.Error,
			fatal:     e.Fatal,
		}
	}
	return records
}

// execution walks the stages of one run. Node values are kept as JSON, the
// same form in which step outputs are recorded in the log.
type execution struct {
	s       *WorkflowService
	st      *runState
	runID   string
	def     *workflow.Definition
	records map[string]stepRecord

	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func newExecution(s *WorkflowService, st *runState, run models.Run, entries []models.LogEntry) *execution {
	return &execution{
		s:       s,
		st:      st,
		runID:   run.ID,
		def:     st.def,
		records: replay(entries),
		values: map[string]json.RawMessage{
			workflow.InputNode: run.Input,
		},
	}
}

// run dispatches every stage in order and returns the workflow output.
// Cancellation is only observed between stages.
func (x *execution) run(ctx context.Context) (json.RawMessage, error) {
	for i, stage := range x.def.Stages() {
		if x.st.cancelled.Load() {
			x.s.logger.Infof("Run %s cancelled before stage %d", x.runID, i)
			return nil, ErrRunCancelled
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ErrInterrupted, ctx.Err().Error())
		}
		if err := x.dispatch(ctx, stage); err != nil {
			return nil, err
		}
	}
	return x.value(x.def.Output()), nil
}

// dispatch runs the nodes of a stage. Members of a parallel stage all run to
// completion, even when one of them fails, before the stage is reported.
func (x *execution) dispatch(ctx context.Context, stage *workflow.Stage) error {
	if !stage.Parallel || len(stage.Nodes) == 1 {
		return x.runNode(ctx, stage.Nodes[0])
	}

	var g errgroup.Group
	if x.s.maxParallelSteps > 0 {
		g.SetLimit(x.s.maxParallelSteps)
	}
	errs := make([]error, len(stage.Nodes))
	for i, node := range stage.Nodes {
		g.Go(func() error {
			errs[i] = x.runNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()
	return stageError(errs)
}

// stageError picks the error that decides the fate of a parallel stage: a log
// failure first, then an interruption, then the first step failure in
// declaration order.
func stageError(errs []error) error {
	var interrupted, failed error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var failure *stepFailure
		switch {
		case errors.As(err, &failure):
			if failed == nil {
				failed = err
			}
		case errors.Is(err, ErrInterrupted):
			if interrupted == nil {
				interrupted = err
			}
		default:
			return err
		}
	}
	if interrupted != nil {
		return interrupted
	}
	return failed
}

func (x *execution) runNode(ctx context.Context, node *workflow.Node) error {
	for _, guard := range node.Guards {
		allowed, err := guard.Allows(x.value(guard.Input))
		if err != nil {
			return &stepFailure{step: node.Name, err: err}
		}
		if !allowed {
			x.s.logger.Debugf("Skipping node %s of run %s: condition on %s not met", node.Name, x.runID, guard.Input)
			return nil
		}
	}

	args := make([]json.RawMessage, len(node.Inputs))
	for i, in := range node.Inputs {
		args[i] = x.value(in)
	}

	if node.Kind == workflow.NodeTransform {
		out, err := node.Transform(args)
		if err != nil {
			return &stepFailure{step: node.Name, err: err}
		}
		x.set(node.Name, out)
		return nil
	}

	var input json.RawMessage
	if len(args) > 0 {
		input = args[0]
	}
	out, err := x.step(ctx, node, input)
	if err != nil {
		return err
	}
	x.set(node.Name, out)
	return nil
}

// step runs a step node, continuing from whatever the log recorded for it.
func (x *execution) step(ctx context.Context, node *workflow.Node, input json.RawMessage) (json.RawMessage, error) {
	policy := x.s.policyFor(node)
	rec, seen := x.records[node.Name]
	if !seen {
		return x.attempt(ctx, node, policy, input, 1, false)
	}

	switch rec.status {
	case models.SucceededEntryStatus:
		x.s.logger.Debugf("Step %s of run %s already succeeded, reusing its output", node.Name, x.runID)
		return rec.output, nil
	case models.PendingEntryStatus:
		if rec.attempt > policy.Attempts() {
			return nil, &stepFailure{step: node.Name, err: errors.Errorf("attempt %d exceeds the %d allowed", rec.attempt, policy.Attempts())}
		}
		x.s.logger.Infof("Step %s of run %s has no outcome for attempt %d, running it again", node.Name, x.runID, rec.attempt)
		return x.attempt(ctx, node, policy, input, rec.attempt, false)
	default:
		if rec.fatal || rec.attempt >= policy.Attempts() {
			return nil, &stepFailure{step: node.Name, err: &workflow.StepError{
				Code:    workflow.Code(rec.errorCode),
				Step:    node.Name,
				Message: rec.err,
			}}
		}
		return x.attempt(ctx, node, policy, input, rec.attempt+1, true)
	}
}

func (x *execution) value(node string) json.RawMessage {
	if node == "" {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.values[node]
}

func (x *execution) set(node string, v json.RawMessage) {
	x.mu.Lock()
	x.values[node] = v
	x.mu.Unlock()
}
