package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// runState is the in-memory bookkeeping of a run driven by this process.
type runState struct {
	id        string
	def       *workflow.Definition
	cancelled atomic.Bool
	done      chan struct{}
	result    Result
	err       error
}

func newRunState(id string, def *workflow.Definition) *runState {
	return &runState{id: id, def: def, done: make(chan struct{})}
}

func (st *runState) finished() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

// WorkflowService registers workflow definitions and drives their runs.
// Durable progress lives in the store only: any instance can pick up a run
// another one left behind by replaying its log.
type WorkflowService struct {
	ctx         context.Context
	cancel      context.CancelFunc
	store       storage.Store
	logger      Logger
	logs        *LogService
	compensator *Compensator
	emitter     events.Emitter

	defs map[string]*workflow.Definition
	runs map[string]*runState

	sem               *semaphore.Weighted
	maxConcurrentRuns int64
	maxParallelSteps  int // 0 is unbounded
	defaultTimeout    time.Duration
	overrides         map[string]workflow.RetryPolicy
	sleep             func(ctx context.Context, d time.Duration) error

	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewWorkflowService creates the engine. Runs are driven under ctx: once it is
// done, runs stop at their next suspension point and stay resumable.
func NewWorkflowService(ctx context.Context, store storage.Store, logger Logger, opts ...Option) *WorkflowService {
	runCtx, cancel := context.WithCancel(ctx)
	s := &WorkflowService{
		ctx:               runCtx,
		cancel:            cancel,
		store:             store,
		logger:            logger,
		defs:              make(map[string]*workflow.Definition),
		runs:              make(map[string]*runState),
		maxConcurrentRuns: DefaultMaxConcurrentRuns,
		defaultTimeout:    DefaultStepTimeout,
		overrides:         make(map[string]workflow.RetryPolicy),
		sleep:             sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logs = NewLogService(store, logger)
	s.compensator = NewCompensator(s.logs, logger, func(n *workflow.Node) time.Duration {
		return s.policyFor(n).Timeout
	})
	s.sem = semaphore.NewWeighted(s.maxConcurrentRuns)
	return s
}

// Register makes a definition available under its name. Registering a name
// again replaces the definition for new runs; runs already started keep the
// definition they were started with.
func (s *WorkflowService) Register(def *workflow.Definition) error {
	if def == nil {
		return errors.New("nil workflow definition")
	}
	s.mu.Lock()
	_, replaced := s.defs[def.Name()]
	s.defs[def.Name()] = def
	s.mu.Unlock()
	if replaced {
		s.logger.Infof("Replaced workflow '%s'", def.Name())
	} else {
		s.logger.Infof("Registered workflow '%s' with steps %v", def.Name(), def.Steps())
	}
	return nil
}

// Workflows returns the registered workflow definitions sorted by name.
func (s *WorkflowService) Workflows() []*workflow.Definition {
	s.mu.RLock()
	defs := make([]*workflow.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def)
	}
	s.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name() < defs[j].Name() })
	return defs
}

func (s *WorkflowService) definition(name string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, errors.Wrapf(ErrWorkflowNotRegistered, "workflow '%s'", name)
	}
	return def, nil
}

// Invoke validates input, records a new run and starts driving it in the
// background. The returned id can be passed to Await.
func (s *WorkflowService) Invoke(ctx context.Context, name string, input interface{}) (string, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return "", ErrServiceClosed
	}
	def, err := s.definition(name)
	if err != nil {
		return "", err
	}
	raw, err := encodeInput(input)
	if err != nil {
		return "", err
	}
	if err := def.ValidateInput(raw); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	run := models.Run{
		ID:           "run_" + uuid.NewString(),
		WorkflowName: name,
		Status:       models.IdleRunStatus,
		Input:        raw,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.logs.CreateRun(ctx, run); err != nil {
		return "", err
	}
	if err := s.start(newRunState(run.ID, def)); err != nil {
		return "", err
	}
	s.logger.Infof("Invoked workflow '%s' as run %s", name, run.ID)
	return run.ID, nil
}

// Await blocks until the run reaches a terminal state or ctx is done. Runs
// that did not complete are reported with a *RunError.
func (s *WorkflowService) Await(ctx context.Context, runID string) (Result, error) {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if ok {
		select {
		case <-st.done:
			return st.result, st.err
		case <-ctx.Done():
			return Result{RunID: runID}, ctx.Err()
		}
	}

	run, err := s.logs.GetRun(ctx, runID)
	if err != nil {
		return Result{RunID: runID}, err
	}
	if !run.Status.Terminal() {
		return resultOf(run), errors.Errorf("run %s is %s and not driven by this process; resume it first", runID, run.Status)
	}
	return outcomeOf(run)
}

// Run invokes a workflow and waits for its outcome.
func (s *WorkflowService) Run(ctx context.Context, name string, input interface{}) (Result, error) {
	runID, err := s.Invoke(ctx, name, input)
	if err != nil {
		return Result{}, err
	}
	return s.Await(ctx, runID)
}

// Resume continues a run that is not terminal from its log. A run whose
// workflow is no longer registered cannot be driven and ends FAILED.
func (s *WorkflowService) Resume(ctx context.Context, runID string) error {
	return s.resume(ctx, runID, false)
}

// ResumeAll resumes every run left IDLE, RUNNING or COMPENSATING, typically
// after a restart. It returns the ids of the runs it resumed.
func (s *WorkflowService) ResumeAll(ctx context.Context) ([]string, error) {
	runs, err := s.logs.ListRuns(ctx, storage.RunFilter{Statuses: []models.RunStatus{
		models.IdleRunStatus, models.RunningRunStatus, models.CompensatingRunStatus,
	}})
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, run := range runs {
		if err := s.Resume(ctx, run.ID); err != nil {
			if errors.Is(err, ErrRunActive) {
				continue
			}
			s.logger.Errorf("Failed to resume run %s: %v", run.ID, err)
			continue
		}
		resumed = append(resumed, run.ID)
	}
	s.logger.Infof("Resumed %d of %d unfinished runs", len(resumed), len(runs))
	return resumed, nil
}

// Cancel asks a run to stop. Cancellation is honoured before the next stage;
// whatever already succeeded is compensated. A run left unfinished by a
// previous process is resumed straight into compensation.
func (s *WorkflowService) Cancel(ctx context.Context, runID string) error {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if ok && !st.finished() {
		st.cancelled.Store(true)
		s.logger.Infof("Cancellation requested for run %s", runID)
		return nil
	}
	return s.resume(ctx, runID, true)
}

func (s *WorkflowService) resume(ctx context.Context, runID string, cancel bool) error {
	run, err := s.logs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return errors.Wrapf(ErrRunFinished, "run %s is %s", runID, run.Status)
	}
	def, err := s.definition(run.WorkflowName)
	if err != nil {
		m := newRunMachine(run, s.logs)
		m.run.Error = err.Error()
		if fireErr := m.Fire(ctx, triggerAbort); fireErr != nil {
			s.logger.Errorf("Failed to mark run %s as FAILED: %v", runID, fireErr)
		}
		return err
	}
	st := newRunState(runID, def)
	st.cancelled.Store(cancel)
	if err := s.start(st); err != nil {
		return err
	}
	s.logger.Infof("Resuming run %s of workflow '%s' from %s", runID, run.WorkflowName, run.Status)
	return nil
}

func (s *WorkflowService) start(st *runState) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if cur, ok := s.runs[st.id]; ok && !cur.finished() {
		s.mu.Unlock()
		return errors.Wrapf(ErrRunActive, "run %s", st.id)
	}
	s.runs[st.id] = st
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(st.done)
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			st.result = Result{RunID: st.id, WorkflowName: st.def.Name(), Status: models.IdleRunStatus}
			st.err = errors.Wrap(ErrInterrupted, err.Error())
			return
		}
		defer s.sem.Release(1)
		st.result, st.err = s.drive(s.ctx, st)
	}()
	return nil
}

// drive moves a run from whatever state the store holds to a terminal one.
func (s *WorkflowService) drive(ctx context.Context, st *runState) (Result, error) {
	run, err := s.logs.GetRun(ctx, st.id)
	if err != nil {
		return Result{RunID: st.id, WorkflowName: st.def.Name()}, err
	}
	m := newRunMachine(run, s.logs)

	switch run.Status {
	case models.IdleRunStatus:
		if err := m.Fire(ctx, triggerStart); err != nil {
			return resultOf(m.run), err
		}
		return s.forward(ctx, st, m)
	case models.RunningRunStatus:
		return s.forward(ctx, st, m)
	case models.CompensatingRunStatus:
		cause := errors.New(run.Error)
		if run.Error == ErrRunCancelled.Error() {
			cause = ErrRunCancelled
		}
		return s.compensate(ctx, st, m, cause)
	default:
		return outcomeOf(run)
	}
}

func (s *WorkflowService) forward(ctx context.Context, st *runState, m *runMachine) (Result, error) {
	entries, err := s.logs.Entries(ctx, st.id)
	if err != nil {
		s.logger.Errorf("Failed to read the log of run %s, it stays %s until resumed: %v", st.id, m.Status(), err)
		return resultOf(m.run), errors.Wrap(ErrInterrupted, err.Error())
	}
	output, err := newExecution(s, st, m.run, entries).run(ctx)
	if err == nil {
		m.run.Output = output
		if err := m.Fire(ctx, triggerComplete); err != nil {
			return resultOf(m.run), err
		}
		s.logger.Infof("Run %s of workflow '%s' completed", st.id, st.def.Name())
		s.emitSuccess(ctx, st.def, m.run)
		return resultOf(m.run), nil
	}

	if errors.Is(err, ErrInterrupted) {
		s.logger.Warnf("Run %s interrupted, it stays %s until resumed", st.id, m.Status())
		return resultOf(m.run), err
	}
	if errors.Is(err, ErrRunCancelled) {
		m.run.Error = ErrRunCancelled.Error()
		if fireErr := m.Fire(ctx, triggerCancel); fireErr != nil {
			return resultOf(m.run), fireErr
		}
		return s.compensate(ctx, st, m, ErrRunCancelled)
	}
	var failure *stepFailure
	if errors.As(err, &failure) {
		m.run.FailedStep = failure.step
		m.run.Error = failure.err.Error()
		if fireErr := m.Fire(ctx, triggerFail); fireErr != nil {
			return resultOf(m.run), fireErr
		}
		s.logger.Infof("Compensating run %s after step %s failed", st.id, failure.step)
		return s.compensate(ctx, st, m, failure.err)
	}
	return s.fail(ctx, st, m, err)
}

// fail handles an error that is not a step failure, such as the store
// refusing a log write. Succeeded steps are compensated; a run with nothing
// to undo ends FAILED. If the log cannot be read the run stays resumable.
func (s *WorkflowService) fail(ctx context.Context, st *runState, m *runMachine, cause error) (Result, error) {
	entries, err := s.logs.Entries(ctx, st.id)
	if err != nil {
		s.logger.Errorf("Run %s stays %s until resumed: %v (log unreadable: %v)", st.id, m.Status(), cause, err)
		return resultOf(m.run), errors.Wrap(ErrInterrupted, cause.Error())
	}
	if len(CompensationOrder(entries)) == 0 {
		return s.abort(ctx, m, cause)
	}
	m.run.Error = cause.Error()
	if fireErr := m.Fire(ctx, triggerFail); fireErr != nil {
		s.logger.Errorf("Run %s stays %s until resumed: %v", st.id, m.Status(), fireErr)
		return resultOf(m.run), errors.Wrap(ErrInterrupted, fireErr.Error())
	}
	s.logger.Warnf("Compensating run %s after an engine error: %v", st.id, cause)
	return s.compensate(ctx, st, m, cause)
}

func (s *WorkflowService) compensate(ctx context.Context, st *runState, m *runMachine, cause error) (Result, error) {
	comp, err := s.compensator.Compensate(ctx, st.id, st.def)
	if err != nil {
		s.logger.Errorf("Compensation of run %s stopped, it stays COMPENSATING until resumed: %v", st.id, err)
		return resultOf(m.run), err
	}
	t := triggerCompensated
	if !comp.OK() {
		m.run.UncompensatedSteps = comp.Failed
		t = triggerCompensationFailed
	}
	if err := m.Fire(ctx, t); err != nil {
		return resultOf(m.run), err
	}
	if comp.OK() {
		s.logger.Infof("Run %s compensated (%d steps undone)", st.id, len(comp.Compensated))
	} else {
		s.logger.Errorf("Run %s needs manual remediation, steps not compensated: %v", st.id, comp.Failed)
	}
	return resultOf(m.run), &RunError{
		RunID:        st.id,
		Workflow:     st.def.Name(),
		FailedStep:   m.run.FailedStep,
		Status:       m.Status(),
		Cause:        cause,
		Compensation: comp,
	}
}

// abort ends a run the engine cannot drive any further and that has
// nothing to compensate.
func (s *WorkflowService) abort(ctx context.Context, m *runMachine, cause error) (Result, error) {
	s.logger.Errorf("Aborting run %s: %v", m.run.ID, cause)
	m.run.Error = cause.Error()
	if err := m.Fire(ctx, triggerAbort); err != nil {
		s.logger.Errorf("Failed to mark run %s as FAILED: %v", m.run.ID, err)
	}
	return resultOf(m.run), &RunError{
		RunID:    m.run.ID,
		Workflow: m.run.WorkflowName,
		Status:   m.Status(),
		Cause:    cause,
	}
}

// emitSuccess publishes the success event of a workflow. Delivery is best
// effort: a failed emit is logged and never affects the run.
func (s *WorkflowService) emitSuccess(ctx context.Context, def *workflow.Definition, run models.Run) {
	if def.SuccessEvent() == "" || s.emitter == nil {
		return
	}
	event := events.Event{
		Name:      def.SuccessEvent(),
		RunID:     run.ID,
		Payload:   run.Output,
		EmittedAt: time.Now().UTC(),
	}
	if err := s.emitter.Emit(ctx, event); err != nil {
		s.logger.Errorf("Failed to emit %s for run %s: %v", event.Name, run.ID, err)
	}
}

func (s *WorkflowService) policyFor(node *workflow.Node) workflow.RetryPolicy {
	p := node.Action.Policy()
	if o, ok := s.overrides[node.Name]; ok {
		if o.Classifier == nil {
			o.Classifier = p.Classifier
		}
		p = o
	}
	if p.Timeout <= 0 {
		p.Timeout = s.defaultTimeout
	}
	return p
}

func (s *WorkflowService) GetRun(ctx context.Context, runID string) (models.Run, error) {
	return s.logs.GetRun(ctx, runID)
}

func (s *WorkflowService) ListRuns(ctx context.Context, filter storage.RunFilter) ([]models.Run, error) {
	return s.logs.ListRuns(ctx, filter)
}

// RunLog returns the transaction log of a run ordered by sequence.
func (s *WorkflowService) RunLog(ctx context.Context, runID string) ([]models.LogEntry, error) {
	return s.logs.Entries(ctx, runID)
}

// Prune deletes terminal runs finished more than ttl ago, except those that
// need manual remediation.
func (s *WorkflowService) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	n, err := s.logs.Prune(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for id, st := range s.runs {
		if st.finished() {
			delete(s.runs, id)
		}
	}
	s.mu.Unlock()
	s.logger.Infof("Pruned %d runs older than %s", n, ttl)
	return n, nil
}

// Close stops accepting runs and waits for the ones in flight. If ctx ends
// first, the remaining runs are interrupted and left resumable.
func (s *WorkflowService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func encodeInput(input interface{}) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, workflow.Validation("input is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, workflow.Validation("input is not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, workflow.Validation("encode input: %v", err)
	}
	return raw, nil
}
