package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory JobStore for tests and single-process use.
// Safe for concurrent use by multiple simultaneous runs.
type MemStore[R any] struct {
	mu   sync.RWMutex
	jobs map[string]*memJob[R]
}

type memJob[R any] struct {
	started  time.Time
	rec      R
	finished bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore[R any]() *MemStore[R] {
	return &MemStore[R]{jobs: make(map[string]*memJob[R])}
}

// Begin implements JobStore.
func (s *MemStore[R]) Begin(_ context.Context, jid string, started time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jid]; ok {
		return nil
	}
	s.jobs[jid] = &memJob[R]{started: started}
	return nil
}

// Complete implements JobStore.
func (s *MemStore[R]) Complete(_ context.Context, jid string, rec R) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jid]
	if !ok {
		job = &memJob[R]{started: time.Now()}
		s.jobs[jid] = job
	}
	job.rec = rec
	job.finished = true
	return nil
}

// Get implements JobStore.
func (s *MemStore[R]) Get(_ context.Context, jid string) (R, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero R
	job, ok := s.jobs[jid]
	if !ok {
		return zero, ErrNotFound
	}
	if !job.finished {
		return zero, ErrNotFinished
	}
	return job.rec, nil
}

// Finished implements JobStore.
func (s *MemStore[R]) Finished(_ context.Context, jid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jid]
	if !ok {
		return false, ErrNotFound
	}
	return job.finished, nil
}
