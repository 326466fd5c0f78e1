package state

import (
	"context"
	"sync"
)

// MemoryStore keeps runs in process memory. History is lost on exit.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func (s *MemoryStore) Save(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) LastRun(ctx context.Context, logicalDate string) (*Run, error) {
	var matching []*Run
	for _, r := range s.snapshot() {
		if r.LogicalDate == logicalDate {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return nil, ErrNotFound
	}
	newestFirst(matching)
	return matching[0], nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Run, error) {
	runs := s.snapshot()
	newestFirst(runs)
	return truncate(runs, limit), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshot() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r.Clone())
	}
	return runs
}
