// Package runstore persists run history.
//
// Two implementations are provided: Memory, an ephemeral store for local
// one-shot executions and tests, and SQL, backed by database/sql with either
// the pure-Go SQLite driver or pgx for PostgreSQL. Both store whole runs and
// answer the queries the scheduler needs: lookup by ID, filtered listing,
// and the most recent successful run of a stage.
package runstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/vk/stagegrid/internal/run"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("runstore: not found")

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Stage    string
	Statuses []run.Status
	Limit    int
}

func (f Filter) matches(r *run.Run) bool {
	if f.Stage != "" && r.Stage != f.Stage {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

// Store is the run history interface used by the scheduler.
type Store interface {
	// Create inserts a new run. The ID must not exist yet.
	Create(ctx context.Context, r run.Run) error
	// Update replaces a stored run.
	Update(ctx context.Context, r run.Run) error
	// Get returns the run or ErrNotFound.
	Get(ctx context.Context, id string) (run.Run, error)
	// List returns matching runs, most recently queued first.
	List(ctx context.Context, f Filter) ([]run.Run, error)
	// LastSuccessful returns the most recently finished successful run of a
	// stage, or ErrNotFound.
	LastSuccessful(ctx context.Context, stageID string) (run.Run, error)
	// Delete removes runs by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// Retention bounds how much history is kept. Zero fields disable the bound.
type Retention struct {
	MaxRunsPerStage int
	MaxAge          time.Duration
}

// Enabled reports whether any bound is set.
func (r Retention) Enabled() bool {
	return r.MaxRunsPerStage > 0 || r.MaxAge > 0
}

// Prunable selects runs that fall outside the retention policy. Never
// pruned: runs that are not terminal, the upstream runs they pinned as
// inputs, the latest successful run of each stage, and the pinned IDs.
func Prunable(runs []run.Run, policy Retention, now time.Time, pinned ...string) []string {
	if !policy.Enabled() {
		return nil
	}

	keep := make(map[string]struct{}, len(pinned))
	for _, id := range pinned {
		keep[id] = struct{}{}
	}
	byStage := make(map[string][]*run.Run)
	for i := range runs {
		r := &runs[i]
		byStage[r.Stage] = append(byStage[r.Stage], r)
		if !r.Status.Terminal() {
			for _, upstream := range r.Inputs {
				keep[upstream] = struct{}{}
			}
		}
	}

	var ids []string
	for _, stageRuns := range byStage {
		sort.SliceStable(stageRuns, func(i, j int) bool {
			return stageRuns[i].QueuedAt.After(stageRuns[j].QueuedAt)
		})

		var latestSuccess *run.Run
		for _, r := range stageRuns {
			if r.Status == run.Succeeded && (latestSuccess == nil || r.FinishedAt.After(latestSuccess.FinishedAt)) {
				latestSuccess = r
			}
		}

		for i, r := range stageRuns {
			if _, ok := keep[r.ID]; ok || !r.Status.Terminal() || r == latestSuccess {
				continue
			}
			tooMany := policy.MaxRunsPerStage > 0 && i >= policy.MaxRunsPerStage
			tooOld := policy.MaxAge > 0 && now.Sub(r.FinishedAt) > policy.MaxAge
			if tooMany || tooOld {
				ids = append(ids, r.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
