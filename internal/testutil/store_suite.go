package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreSuite checks the behaviour every storage.Store implementation must
// share. newStore returns an empty store for each subtest.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	newRun := func(id string, status models.RunStatus, createdAt time.Time) models.Run {
		return models.Run{
			ID:           id,
			WorkflowName: "initiate-return",
			Status:       status,
			Input:        json.RawMessage(`{"order_id":"order_1"}`),
			CreatedAt:    createdAt,
			UpdatedAt:    createdAt,
		}
	}

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newStore(t)
		run := newRun("run_1", models.IdleRunStatus, now)
		require.NoError(t, store.SaveRun(ctx, run))

		saved, err := store.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, run.ID, saved.ID)
		assert.Equal(t, run.WorkflowName, saved.WorkflowName)
		assert.Equal(t, models.IdleRunStatus, saved.Status)
		assert.JSONEq(t, string(run.Input), string(saved.Input))
		assert.Empty(t, saved.Output)
		assert.Empty(t, saved.UncompensatedSteps)
		assert.Nil(t, saved.FinishedAt)
		assert.WithinDuration(t, now, saved.CreatedAt, time.Millisecond)
	})

	t.Run("SaveDuplicateRun", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("run_1", models.IdleRunStatus, now)))
		err := store.SaveRun(ctx, newRun("run_1", models.IdleRunStatus, now))
		assert.True(t, errors.Is(err, storage.ErrRunExists), "got %v", err)
	})

	t.Run("GetNonExistingRun", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetRun(ctx, "run_missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("UpdateRun", func(t *testing.T) {
		store := newStore(t)
		run := newRun("run_1", models.RunningRunStatus, now)
		require.NoError(t, store.SaveRun(ctx, run))

		finished := now.Add(time.Minute)
		run.Status = models.CompensationFailedRunStatus
		run.Output = json.RawMessage(`{"id":"ret_1","items":[]}`)
		run.FailedStep = "add-return-shipping-method"
		run.Error = "carrier rejected the option"
		run.UncompensatedSteps = []string{"create-return"}
		run.UpdatedAt = finished
		run.FinishedAt = &finished
		require.NoError(t, store.UpdateRun(ctx, run))

		saved, err := store.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, models.CompensationFailedRunStatus, saved.Status)
		assert.JSONEq(t, string(run.Output), string(saved.Output))
		assert.Equal(t, run.FailedStep, saved.FailedStep)
		assert.Equal(t, run.Error, saved.Error)
		assert.Equal(t, []string{"create-return"}, saved.UncompensatedSteps)
		require.NotNil(t, saved.FinishedAt)
		assert.WithinDuration(t, finished, *saved.FinishedAt, time.Millisecond)

		err = store.UpdateRun(ctx, newRun("run_missing", models.RunningRunStatus, now))
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ListRunsEmpty", func(t *testing.T) {
		store := newStore(t)
		runs, err := store.ListRuns(ctx, storage.RunFilter{})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("ListRunsNewestFirst", func(t *testing.T) {
		store := newStore(t)
		for i, status := range []models.RunStatus{
			models.CompletedRunStatus, models.RunningRunStatus, models.CompensatedRunStatus, models.CompletedRunStatus,
		} {
			run := newRun(fmt.Sprintf("run_%d", i), status, now.Add(time.Duration(i)*time.Minute))
			if i == 3 {
				run.WorkflowName = "delete-stores"
			}
			require.NoError(t, store.SaveRun(ctx, run))
		}

		runs, err := store.ListRuns(ctx, storage.RunFilter{})
		require.NoError(t, err)
		require.Len(t, runs, 4)
		assert.Equal(t, []string{"run_3", "run_2", "run_1", "run_0"}, runIDs(runs))

		runs, err = store.ListRuns(ctx, storage.RunFilter{Statuses: []models.RunStatus{models.CompletedRunStatus}})
		require.NoError(t, err)
		assert.Equal(t, []string{"run_3", "run_0"}, runIDs(runs))

		runs, err = store.ListRuns(ctx, storage.RunFilter{
			WorkflowName: "initiate-return",
			Statuses:     []models.RunStatus{models.CompletedRunStatus, models.RunningRunStatus},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"run_1", "run_0"}, runIDs(runs))

		runs, err = store.ListRuns(ctx, storage.RunFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"run_3", "run_2"}, runIDs(runs))
	})

	t.Run("AppendAssignsSequence", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("run_1", models.RunningRunStatus, now)))

		entries, err := store.ReadEntries(ctx, "run_1")
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)

		pending, err := store.AppendEntry(ctx, models.LogEntry{
			RunID: "run_1", StepName: "create-return", Attempt: 1,
			Status: models.PendingEntryStatus, Input: json.RawMessage(`{"order_id":"order_1"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending.Seq)
		assert.False(t, pending.LoggedAt.IsZero())

		done, err := store.AppendEntry(ctx, models.LogEntry{
			RunID: "run_1", StepName: "create-return", Attempt: 1,
			Status: models.SucceededEntryStatus,
			Input:  json.RawMessage(`{"order_id":"order_1"}`),
			Output: json.RawMessage(`{"id":"ret_1","status":"requested"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), done.Seq)

		failed, err := store.AppendEntry(ctx, models.LogEntry{
			RunID: "run_1", StepName: "add-return-items", Attempt: 1,
			Status: models.FailedEntryStatus, ErrorCode: "TRANSIENT_ERROR", Error: "503", Fatal: true,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), failed.Seq)

		entries, err = store.ReadEntries(ctx, "run_1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
			assert.Equal(t, "run_1", e.RunID)
		}
		assert.JSONEq(t, `{"id":"ret_1","status":"requested"}`, string(entries[1].Output))
		assert.Empty(t, entries[0].Output)
		assert.Equal(t, "TRANSIENT_ERROR", entries[2].ErrorCode)
		assert.Equal(t, "503", entries[2].Error)
		assert.True(t, entries[2].Fatal)
	})

	t.Run("AppendToNonExistingRun", func(t *testing.T) {
		store := newStore(t)
		_, err := store.AppendEntry(ctx, models.LogEntry{
			RunID: "run_missing", StepName: "a", Attempt: 1, Status: models.PendingEntryStatus,
		})
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
		_, err = store.ReadEntries(ctx, "run_missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("AppendOrderingRules", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("run_1", models.RunningRunStatus, now)))
		appendEntry := func(step string, attempt int, status models.EntryStatus) error {
			_, err := store.AppendEntry(ctx, models.LogEntry{RunID: "run_1", StepName: step, Attempt: attempt, Status: status})
			return err
		}

		require.NoError(t, appendEntry("a", 2, models.PendingEntryStatus))
		assert.True(t, errors.Is(appendEntry("a", 1, models.FailedEntryStatus), storage.ErrAttemptOrder))
		assert.True(t, errors.Is(appendEntry("a", 2, models.CompensatedEntryStatus), storage.ErrCompensationWithoutSuccess))
		require.NoError(t, appendEntry("a", 2, models.SucceededEntryStatus))
		require.NoError(t, appendEntry("a", 2, models.CompensatedEntryStatus))
		assert.True(t, errors.Is(appendEntry("a", 2, models.CompensationFailedEntryStatus), storage.ErrAlreadyCompensated))
		assert.True(t, errors.Is(appendEntry("a", 0, models.PendingEntryStatus), storage.ErrInvalidEntry))
		assert.True(t, errors.Is(appendEntry("a", 3, models.EntryStatus("done")), storage.ErrInvalidEntry))
		assert.True(t, errors.Is(appendEntry("", 1, models.PendingEntryStatus), storage.ErrInvalidEntry))

		entries, err := store.ReadEntries(ctx, "run_1")
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveRun(ctx, newRun("run_1", models.RunningRunStatus, now)))

		const steps = 8
		var wg sync.WaitGroup
		errs := make([]error, steps)
		for i := 0; i < steps; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.AppendEntry(ctx, models.LogEntry{
					RunID: "run_1", StepName: fmt.Sprintf("step-%d", i), Attempt: 1, Status: models.PendingEntryStatus,
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		entries, err := store.ReadEntries(ctx, "run_1")
		require.NoError(t, err)
		require.Len(t, entries, steps)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
		}
	})

	t.Run("DeleteRunsOlderThan", func(t *testing.T) {
		store := newStore(t)
		old := now.Add(-48 * time.Hour)
		recent := now.Add(-time.Minute)
		cases := []struct {
			id       string
			status   models.RunStatus
			finished *time.Time
		}{
			{"run_completed", models.CompletedRunStatus, &old},
			{"run_compensated", models.CompensatedRunStatus, &old},
			{"run_failed", models.FailedRunStatus, &old},
			{"run_stuck", models.CompensationFailedRunStatus, &old},
			{"run_running", models.RunningRunStatus, nil},
			{"run_recent", models.CompletedRunStatus, &recent},
		}
		for _, c := range cases {
			run := newRun(c.id, models.RunningRunStatus, old)
			require.NoError(t, store.SaveRun(ctx, run))
			_, err := store.AppendEntry(ctx, models.LogEntry{RunID: c.id, StepName: "a", Attempt: 1, Status: models.PendingEntryStatus})
			require.NoError(t, err)
			run.Status = c.status
			run.FinishedAt = c.finished
			require.NoError(t, store.UpdateRun(ctx, run))
		}

		n, err := store.DeleteRunsOlderThan(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		runs, err := store.ListRuns(ctx, storage.RunFilter{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"run_stuck", "run_running", "run_recent"}, runIDs(runs))
		_, err = store.ReadEntries(ctx, "run_completed")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("Transaction", func(t *testing.T) {
		store := newStore(t)
		tx, err := store.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.SaveRun(ctx, newRun("run_tx", models.IdleRunStatus, now)))
		require.NoError(t, tx.Commit())

		_, err = store.GetRun(ctx, "run_tx")
		assert.NoError(t, err)
	})
}

func runIDs(runs []models.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
