package scheduler

import (
	"context"
	"time"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/stage"
)

type dispatched struct {
	ar  *activeRun
	ctx context.Context
	run run.Run
	def stage.Definition
}

// Dispatch performs one scheduling tick: queued runs are bound to idle
// agents in FIFO order, skipping stages at their concurrency limit. Runs
// started by this tick execute in goroutines derived from ctx. It returns the
// number of runs started.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	logger := ctxlog.FromContext(ctx)

	s.mu.Lock()
	var started []dispatched
	remaining := make([]string, 0, len(s.queue))
	for _, id := range s.queue {
		ar := s.active[id]
		def := s.defs[ar.run.Stage]

		if def.Concurrency > 0 && s.running[def.ID] >= def.Concurrency {
			remaining = append(remaining, id)
			continue
		}
		a, ok := s.agents.Acquire(def.Requires, id)
		if !ok {
			remaining = append(remaining, id)
			continue
		}

		ar.run.Agent = a.ID
		if err := ar.run.Transition(run.Running, s.now()); err != nil {
			s.agents.Release(a.ID, id)
			remaining = append(remaining, id)
			logger.Error("Failed to start run.", "run_id", id, "error", err)
			continue
		}
		if err := s.store.Update(ctx, ar.run.Clone()); err != nil {
			logger.Error("Failed to store running run.", "run_id", id, "error", err)
		}
		s.running[def.ID]++

		runCtx, cancel := context.WithCancelCause(ctx)
		ar.cancel = cancel
		started = append(started, dispatched{ar: ar, ctx: runCtx, run: ar.run.Clone(), def: def})
		s.wg.Add(1)
	}
	s.queue = remaining
	s.mu.Unlock()

	for _, d := range started {
		logger.Info("🚀 Run dispatched.", "run_id", d.run.ID, "stage", d.def.ID, "agent", d.run.Agent)
		s.emit(ctx, d.run)
		go func() {
			defer s.wg.Done()
			s.execute(d.ctx, d.ar, d.run, d.def)
		}()
	}
	return len(started)
}

// HandleLost fails the runs bound to agents that stopped heartbeating.
func (s *Scheduler) HandleLost(ctx context.Context, lost []agent.Lost) {
	logger := ctxlog.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lost {
		logger.Warn("Agent lost.", "agent", l.Agent, "run_id", l.Run)
		ar, ok := s.active[l.Run]
		if !ok || ar.cancel == nil {
			continue
		}
		ar.cancel(agent.ErrAgentLost)
	}
}

// Run drives the scheduler until ctx is done: it dispatches on every tick and
// whenever a run is submitted or finishes, expires silent agents, and prunes
// history. On return every in-flight run has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Scheduler started.", "stages", len(s.defs), "tick", s.cfg.Tick)

	runCtx, stop := context.WithCancelCause(ctx)
	defer func() {
		stop(ErrStopped)
		s.wg.Wait()
		logger.Info("Scheduler stopped.")
	}()

	go s.agents.Run(runCtx, s.cfg.AgentCheck, func(lost []agent.Lost) {
		s.HandleLost(runCtx, lost)
	})

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	var prune <-chan time.Time
	if s.cfg.PruneEvery > 0 && s.cfg.Retention.Enabled() {
		pruneTicker := time.NewTicker(s.cfg.PruneEvery)
		defer pruneTicker.Stop()
		prune = pruneTicker.C
	}

	if n, err := s.Recover(runCtx); err != nil {
		logger.Error("Closing interrupted runs failed.", "error", err)
	} else if n > 0 {
		logger.Warn("Closed runs interrupted by a previous shutdown.", "count", n)
	}

	s.Dispatch(runCtx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Dispatch(runCtx)
		case <-s.wake:
			s.Dispatch(runCtx)
		case <-prune:
			if _, err := s.Prune(runCtx); err != nil {
				logger.Error("Pruning run history failed.", "error", err)
			}
		}
	}
}
