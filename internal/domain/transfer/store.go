package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists process statuses while they are reported.
type Store interface {
	Save(ctx context.Context, s Status) error
	Get(ctx context.Context, processID string) (Status, error)
	List(ctx context.Context) ([]Status, error)
}

// MemoryStore keeps statuses in process memory. Completed statuses are
// evicted once they are older than the retention.
type MemoryStore struct {
	mu        sync.RWMutex
	statuses  map[string]Status
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates a MemoryStore. A retention <= 0 keeps completed
// statuses forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		statuses:  make(map[string]Status),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.ProcessID] = st
	s.evictLocked()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, processID string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[processID]
	if !ok || s.expired(st) {
		return Status{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	return st, nil
}

// List returns the statuses newest first.
func (s *MemoryStore) List(_ context.Context) ([]Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		if !s.expired(st) {
			out = append(out, st)
		}
	}
	sortStatuses(out)
	return out, nil
}

func (s *MemoryStore) expired(st Status) bool {
	return s.retention > 0 && st.FinishedAt != nil && s.now().Sub(*st.FinishedAt) > s.retention
}

func (s *MemoryStore) evictLocked() {
	for id, st := range s.statuses {
		if s.expired(st) {
			delete(s.statuses, id)
		}
	}
}

func sortStatuses(out []Status) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}
