package runstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/stagegrid/internal/run"
)

// Memory is an ephemeral, thread-safe Store.
//
// Runs are cloned on the way in and out so callers never share slices or
// maps with the stored copy. A single RWMutex guards the map: listing and
// LastSuccessful scan every run, which sync.Map would not make cheaper.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]run.Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]run.Run)}
}

func (m *Memory) Create(_ context.Context, r run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; exists {
		return fmt.Errorf("runstore: run %s already exists", r.ID)
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Update(_ context.Context, r run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.ID]; !exists {
		return fmt.Errorf("runstore: update run %s: %w", r.ID, ErrNotFound)
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return run.Run{}, fmt.Errorf("runstore: get run %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]run.Run, error) {
	m.mu.RLock()
	out := make([]run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if f.matches(&r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].QueuedAt.After(out[j].QueuedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) LastSuccessful(_ context.Context, stageID string) (run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *run.Run
	for id := range m.runs {
		r := m.runs[id]
		if r.Stage != stageID || r.Status != run.Succeeded {
			continue
		}
		if best == nil || r.FinishedAt.After(best.FinishedAt) {
			best = &r
		}
	}
	if best == nil {
		return run.Run{}, fmt.Errorf("runstore: last successful run of %s: %w", stageID, ErrNotFound)
	}
	return best.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.runs, id)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
