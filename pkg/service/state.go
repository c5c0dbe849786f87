package service

import (
	"context"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerStart              trigger = "start"
	triggerComplete           trigger = "complete"
	triggerFail               trigger = "fail"
	triggerCancel             trigger = "cancel"
	triggerAbort              trigger = "abort"
	triggerCompensated        trigger = "compensated"
	triggerCompensationFailed trigger = "compensation_failed"
)

// runMachine drives the status of one run. The state lives in the run record:
// every transition is written to the store before it becomes visible.
type runMachine struct {
	sm   *stateless.StateMachine
	run  models.Run
	logs *LogService
}

func newRunMachine(run models.Run, logs *LogService) *runMachine {
	m := &runMachine{run: run, logs: logs}
	m.sm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return m.run.Status, nil
		},
		func(ctx context.Context, state stateless.State) error {
			return m.persist(ctx, state.(models.RunStatus))
		},
		stateless.FiringImmediate,
	)

	m.sm.Configure(models.IdleRunStatus).
		Permit(triggerStart, models.RunningRunStatus).
		Permit(triggerAbort, models.FailedRunStatus)

	m.sm.Configure(models.RunningRunStatus).
		Permit(triggerComplete, models.CompletedRunStatus).
		Permit(triggerFail, models.CompensatingRunStatus).
		Permit(triggerCancel, models.CompensatingRunStatus).
		Permit(triggerAbort, models.FailedRunStatus)

	m.sm.Configure(models.CompensatingRunStatus).
		Permit(triggerCompensated, models.CompensatedRunStatus).
		Permit(triggerCompensationFailed, models.CompensationFailedRunStatus).
		Permit(triggerAbort, models.FailedRunStatus)

	return m
}

func (m *runMachine) Fire(ctx context.Context, t trigger) error {
	return m.sm.FireCtx(ctx, t)
}

func (m *runMachine) Status() models.RunStatus {
	return m.run.Status
}

func (m *runMachine) persist(ctx context.Context, status models.RunStatus) error {
	next := m.run
	next.Status = status
	next.UpdatedAt = time.Now().UTC()
	if status.Terminal() {
		finishedAt := next.UpdatedAt
		next.FinishedAt = &finishedAt
	}
	if err := m.logs.UpdateRun(ctx, next); err != nil {
		return err
	}
	m.run = next
	return nil
}
