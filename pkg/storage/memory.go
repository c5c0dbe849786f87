package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/pkg/errors"
)

// runLog is the transaction log of a single run, guarded by its own lock so
// appends to different runs never contend.
type runLog struct {
	mu      sync.Mutex
	entries []models.LogEntry
	seq     int64
}

// MemoryStore implements Store in memory. It honours every ordering rule of
// the durable store but does not survive a restart, so it is meant for tests
// and demos.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.Run
	logs map[string]*runLog
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]models.Run),
		logs: make(map[string]*runLog),
		now:  time.Now,
	}
}

// Begin returns the store itself: every operation is applied immediately.
func (m *MemoryStore) Begin() (Store, error) {
	return m, nil
}

func (m *MemoryStore) Commit() error   { return nil }
func (m *MemoryStore) Rollback() error { return nil }
func (m *MemoryStore) Close() error    { return nil }

func (m *MemoryStore) SaveRun(_ context.Context, run models.Run) error {
	if run.ID == "" {
		return errors.New("run id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return errors.Wrapf(ErrRunExists, "run %s", run.ID)
	}
	m.runs[run.ID] = cloneRun(run)
	m.logs[run.ID] = &runLog{}
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	run.CreatedAt = existing.CreatedAt
	run.WorkflowName = existing.WorkflowName
	run.Input = existing.Input
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]models.Run, error) {
	m.mu.RLock()
	runs := make([]models.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if MatchesFilter(run, filter) {
			runs = append(runs, cloneRun(run))
		}
	}
	m.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (m *MemoryStore) DeleteRunsOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, run := range m.runs {
		if Prunable(run, cutoff) {
			delete(m.runs, id)
			delete(m.logs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) AppendEntry(_ context.Context, entry models.LogEntry) (models.LogEntry, error) {
	m.mu.RLock()
	log, ok := m.logs[entry.RunID]
	m.mu.RUnlock()
	if !ok {
		return models.LogEntry{}, errors.Wrapf(ErrNotFound, "run %s", entry.RunID)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if err := ValidateAppend(log.entries, entry); err != nil {
		return models.LogEntry{}, err
	}
	log.seq++
	entry.Seq = log.seq
	entry.LoggedAt = m.now().UTC()
	entry.Input = cloneRaw(entry.Input)
	entry.Output = cloneRaw(entry.Output)
	log.entries = append(log.entries, entry)
	return entry, nil
}

func (m *MemoryStore) ReadEntries(_ context.Context, runID string) ([]models.LogEntry, error) {
	m.mu.RLock()
	log, ok := m.logs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]models.LogEntry, len(log.entries))
	copy(out, log.entries)
	return out, nil
}

func cloneRun(run models.Run) models.Run {
	run.Input = cloneRaw(run.Input)
	run.Output = cloneRaw(run.Output)
	if run.UncompensatedSteps != nil {
		run.UncompensatedSteps = append([]string(nil), run.UncompensatedSteps...)
	}
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		run.FinishedAt = &finished
	}
	return run
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}
