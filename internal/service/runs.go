package service

import (
	"context"
	"strings"
	"time"

	"github.com/ignatij/sagaflow/internal/log"
	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/pkg/errors"
)

// RunService is the read side over runs and their logs, shared by the CLI
// and the HTTP API. It works on the store alone and needs no registered
// workflows.
type RunService struct {
	store storage.Store
}

func NewRunService(store storage.Store) *RunService {
	return &RunService{store: store}
}

// RunDetail is a run together with its transaction log.
type RunDetail struct {
	Run models.Run        `json:"run"`
	Log []models.LogEntry `json:"log"`
}

// ParseStatuses parses a comma separated list of run statuses.
func ParseStatuses(list string) ([]models.RunStatus, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var statuses []models.RunStatus
	for _, s := range strings.Split(list, ",") {
		status := models.RunStatus(strings.ToUpper(strings.TrimSpace(s)))
		if !status.Valid() {
			return nil, errors.Errorf("invalid status '%s'", s)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *RunService) ListRuns(ctx context.Context, workflowName, statuses string, limit int) ([]models.Run, error) {
	if limit < 0 {
		return nil, errors.New("limit cannot be negative")
	}
	parsed, err := ParseStatuses(statuses)
	if err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, storage.RunFilter{
		WorkflowName: workflowName,
		Statuses:     parsed,
		Limit:        limit,
	})
}

func (s *RunService) GetRun(ctx context.Context, id string) (RunDetail, error) {
	if id == "" {
		return RunDetail{}, errors.New("run id cannot be empty")
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	entries, err := s.store.ReadEntries(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	return RunDetail{Run: run, Log: entries}, nil
}

// Prune deletes terminal runs older than ttl, keeping runs that need manual
// remediation.
func (s *RunService) Prune(ctx context.Context, ttl time.Duration) (n int, err error) {
	if ttl <= 0 {
		return 0, errors.New("retention ttl must be positive")
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	n, err = txStore.DeleteRunsOlderThan(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	log.GetLogger().Infof("Pruned %d runs older than %s", n, ttl)
	return n, nil
}
