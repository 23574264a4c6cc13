package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/waypoint/pkg/api"
)

// MemoryHistoryStore keeps histories in process memory. It is used by tests
// and the local runner; nothing survives a restart of the process.
type MemoryHistoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
}

type memoryRun struct {
	rec    RunRecord
	events []api.HistoryEvent
}

var _ HistoryStore = (*MemoryHistoryStore)(nil)

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{runs: make(map[string]*memoryRun)}
}

func (s *MemoryHistoryStore) Append(ctx context.Context, runID string, expectedSeq int64, events ...api.HistoryEvent) (int64, error) {
	batch, err := prepareAppend(runID, expectedSeq, events)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.runs[runID]
	var current int64
	if run != nil {
		current = run.rec.LastSeq
	}
	if current != expectedSeq {
		return 0, &api.ConcurrentWriteError{RunID: runID, Expected: expectedSeq, Actual: current}
	}
	if run != nil && run.rec.Terminal {
		return 0, api.ErrRunTerminated
	}
	if run == nil {
		rec, err := newRunRecord(batch[0])
		if err != nil {
			return 0, err
		}
		run = &memoryRun{rec: rec}
		s.runs[runID] = run
	}
	run.events = append(run.events, batch...)
	run.rec.apply(batch)
	return run.rec.LastSeq, nil
}

func (s *MemoryHistoryStore) Load(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	return cloneEvents(run.events), nil
}

func (s *MemoryHistoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.match(run.rec) {
			out = append(out, run.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryHookIndex is a HookIndex over a map.
type MemoryHookIndex struct {
	mu    sync.Mutex
	hooks map[string]HookRecord
}

var _ HookIndex = (*MemoryHookIndex)(nil)

func NewMemoryHookIndex() *MemoryHookIndex {
	return &MemoryHookIndex{hooks: make(map[string]HookRecord)}
}

func (m *MemoryHookIndex) Insert(ctx context.Context, rec HookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.hooks[rec.Token]; ok {
		return &api.DuplicateTokenError{Token: rec.Token, OwnerRunID: existing.RunID}
	}
	m.hooks[rec.Token] = rec
	return nil
}

func (m *MemoryHookIndex) Get(ctx context.Context, token string) (HookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.hooks[token]
	if !ok {
		return HookRecord{}, ErrHookNotFound
	}
	return rec, nil
}

func (m *MemoryHookIndex) MarkResolved(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.hooks[token]
	if !ok {
		return ErrHookNotFound
	}
	rec.Resolved = true
	m.hooks[token] = rec
	return nil
}

func (m *MemoryHookIndex) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, token)
	return nil
}
