package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/storage"
)

// LogService is the engine's gateway to the store: run records are written in
// a transaction, log entries through the store's serialized append.
type LogService struct {
	store  storage.Store
	logger Logger
}

func NewLogService(store storage.Store, logger Logger) *LogService {
	return &LogService{
		store:  store,
		logger: logger,
	}
}

func (ls *LogService) CreateRun(ctx context.Context, run models.Run) (err error) {
	txStore, err := ls.store.Begin()
	if err != nil {
		ls.logger.Errorf("Failed to begin transaction for CreateRun: %v", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ls.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ls.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.SaveRun(ctx, run); err != nil {
		ls.logger.Errorf("Failed to save run %s: %v", run.ID, err)
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func (ls *LogService) UpdateRun(ctx context.Context, run models.Run) (err error) {
	txStore, err := ls.store.Begin()
	if err != nil {
		ls.logger.Errorf("Failed to begin transaction for UpdateRun: %v", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ls.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ls.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.UpdateRun(ctx, run); err != nil {
		ls.logger.Errorf("Failed to update run %s to %s: %v", run.ID, run.Status, err)
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	return nil
}

func (ls *LogService) GetRun(ctx context.Context, id string) (models.Run, error) {
	return ls.store.GetRun(ctx, id)
}

func (ls *LogService) ListRuns(ctx context.Context, filter storage.RunFilter) ([]models.Run, error) {
	return ls.store.ListRuns(ctx, filter)
}

// Append writes one entry to the run's transaction log and returns it with
// the sequence number assigned by the store.
func (ls *LogService) Append(ctx context.Context, entry models.LogEntry) (models.LogEntry, error) {
	saved, err := ls.store.AppendEntry(ctx, entry)
	if err != nil {
		ls.logger.Errorf("Failed to append %s entry for step %s of run %s: %v", entry.Status, entry.StepName, entry.RunID, err)
		return models.LogEntry{}, fmt.Errorf("failed to append log entry: %w", err)
	}
	return saved, nil
}

func (ls *LogService) Entries(ctx context.Context, runID string) ([]models.LogEntry, error) {
	entries, err := ls.store.ReadEntries(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read log of run %s: %w", runID, err)
	}
	return entries, nil
}

func (ls *LogService) Prune(ctx context.Context, cutoff time.Time) (n int, err error) {
	txStore, err := ls.store.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ls.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ls.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	n, err = txStore.DeleteRunsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return n, nil
}
