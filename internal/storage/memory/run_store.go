// Package memory provides an in-process run history for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/inbox-router/internal/store"
)

// DefaultCapacity bounds how many runs a RunStore keeps.
const DefaultCapacity = 500

// RunStore implements store.RunRepository in memory. When full, the oldest
// run by start time is evicted.
type RunStore struct {
	mu       sync.RWMutex
	capacity int
	runs     map[uuid.UUID]store.Run
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore holding at most capacity runs.
func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RunStore{capacity: capacity, runs: make(map[uuid.UUID]store.Run)}
}

// StartRun records a running run; an existing ID is left untouched.
func (s *RunStore) StartRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	if len(s.runs) >= s.capacity {
		s.evictOldest()
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	s.runs[run.ID] = run
	return nil
}

// UpdateCounters stores counters for a running run.
func (s *RunStore) UpdateCounters(_ context.Context, id uuid.UUID, total, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("update counters %s: %w", id, store.ErrNotFound)
	}
	if run.Status != store.RunRunning {
		return nil
	}
	run.TotalItems = total
	run.Processed = processed
	s.runs[id] = run
	return nil
}

// FinishRun marks the run terminal.
func (s *RunStore) FinishRun(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	processed int,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("finish run %s: %w", id, store.ErrNotFound)
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.Processed = max(run.Processed, processed)
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[id] = run
	return nil
}

// GetRun returns a copy of one run.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Run) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *RunStore) Ping(context.Context) error {
	return nil
}

func (s *RunStore) evictOldest() {
	var (
		oldest uuid.UUID
		at     time.Time
		found  bool
	)
	for id, run := range s.runs {
		if !found || run.StartedAt.Before(at) {
			oldest, at, found = id, run.StartedAt, true
		}
	}
	if found {
		delete(s.runs, oldest)
	}
}

func cloneRun(run store.Run) store.Run {
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		run.FinishedAt = &t
	}
	if run.ErrorMessage != nil {
		msg := *run.ErrorMessage
		run.ErrorMessage = &msg
	}
	return run
}
