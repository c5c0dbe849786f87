package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/sagaflow/pkg/workflow"
)

type Store struct {
	ID        string
	Name      string
	DeletedAt *time.Time
}

type Stores struct {
	*Faults
	revision
	mu     sync.RWMutex
	stores map[string]*Store
	keys   map[string][]string
}

func NewStores() *Stores {
	return &Stores{
		Faults: newFaults(),
		stores: make(map[string]*Store),
		keys:   make(map[string][]string),
	}
}

func (s *Stores) Seed(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[id] = &Store{ID: id, Name: name}
}

// SoftDeleteStores marks the stores deleted and returns the ids it deleted.
// All ids are checked before anything changes.
func (s *Stores) SoftDeleteStores(ctx context.Context, ids []string) ([]string, error) {
	if err := s.check("SoftDeleteStores"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idempotencyKey(ctx)
	if deleted, ok := s.keys[key]; ok && key != "" {
		return append([]string(nil), deleted...), nil
	}
	for _, id := range ids {
		if _, ok := s.stores[id]; !ok {
			return nil, workflow.NotFound("store with id %s was not found", id)
		}
	}
	now := time.Now().UTC()
	deleted := []string{}
	for _, id := range ids {
		st := s.stores[id]
		if st.DeletedAt != nil {
			continue
		}
		st.DeletedAt = &now
		deleted = append(deleted, id)
		s.bump()
	}
	if key != "" {
		s.keys[key] = deleted
	}
	return append([]string(nil), deleted...), nil
}

func (s *Stores) RestoreStores(_ context.Context, ids []string) error {
	if err := s.check("RestoreStores"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if st, ok := s.stores[id]; ok && st.DeletedAt != nil {
			st.DeletedAt = nil
			s.bump()
		}
	}
	return nil
}

// Active returns the ids of the stores not deleted, sorted.
func (s *Stores) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, st := range s.stores {
		if st.DeletedAt == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
