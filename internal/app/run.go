package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/run"
)

// RunRequest selects what RunOnce executes.
type RunRequest struct {
	// Stages to run. Their upstream closure runs first. Empty means every
	// stage.
	Stages   []string
	Branch   string
	Revision string
	Params   map[string]string
}

// RunOnce executes the requested stages and everything they depend on, one
// stage at a time in execution order, on local agents. It stops at the first
// stage that does not succeed.
func (a *App) RunOnce(ctx context.Context, req RunRequest) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	logger := a.logger

	targets := req.Stages
	if len(targets) == 0 {
		targets = a.graph.Terminals()
	}
	plan, err := a.graph.Upstream(targets...)
	if err != nil {
		return fmt.Errorf("unknown stage: %w", err)
	}
	logger.Info("🚀 Starting one-shot execution.", "stages", plan)

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ids, err := a.registerAgents(rt, plan)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rt.sched.Run(gctx) })
	for _, id := range ids {
		g.Go(func() error { return a.keepAlive(gctx, rt, id) })
	}

	runErr := a.runPlan(ctx, rt, plan, req)
	stop()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("🏁 Execution finished.")
	return nil
}

func (a *App) runPlan(ctx context.Context, rt *runtime, plan []string, req RunRequest) error {
	for _, id := range plan {
		runID, err := rt.sched.Submit(ctx, id, run.Trigger{
			Kind:     run.TriggerManual,
			Branch:   req.Branch,
			Revision: req.Revision,
			Params:   req.Params,
		})
		if err != nil {
			return err
		}
		r, err := rt.sched.Wait(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.outW, "%-24s %-10s %s (%s)\n", r.Stage, r.Status, r.ID, r.Duration().Round(time.Millisecond))
		if r.Status != run.Succeeded {
			if r.Failure != nil {
				return fmt.Errorf("stage %s %s: %s", r.Stage, r.Status, r.Failure.Message)
			}
			return fmt.Errorf("stage %s %s", r.Stage, r.Status)
		}
	}
	return nil
}
