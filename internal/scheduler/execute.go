package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/secrets"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/stage"
)

const tracerName = "github.com/vk/stagegrid/internal/scheduler"

// inputsError marks failures to materialize upstream artifacts.
type inputsError struct {
	err error
}

func (e *inputsError) Error() string { return e.err.Error() }
func (e *inputsError) Unwrap() error { return e.err }

func (s *Scheduler) execute(ctx context.Context, ar *activeRun, r run.Run, def stage.Definition) {
	ctx = ctxlog.With(ctx, "run_id", r.ID, "stage", def.ID, "agent", r.Agent)
	logger := ctxlog.FromContext(ctx)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "run "+def.ID,
		trace.WithAttributes(
			attribute.String("stagegrid.run_id", r.ID),
			attribute.String("stagegrid.stage", def.ID),
			attribute.String("stagegrid.agent", r.Agent),
		))
	defer span.End()

	if def.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, def.MaxDuration,
			&TimeoutError{RunID: r.ID, Stage: def.ID, Limit: def.MaxDuration})
		defer cancel()
	}

	err := s.perform(ctx, &r, def)
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	status, failure := classify(err)
	if status == run.Succeeded || (status == run.Failed && def.Publish == stage.PublishAlways) {
		status, failure = s.publish(ctx, &r, def, status, failure)
	}
	r.Failure = failure
	s.cleanup(ctx, &r)

	switch status {
	case run.Succeeded:
		logger.Info("✅ Run succeeded.")
	case run.Canceled:
		logger.Warn("Run canceled.", "reason", failure.Message)
	default:
		logger.Error("❌ Run failed.", "kind", failure.Kind, "reason", failure.Message)
	}
	if failure != nil {
		span.SetStatus(codes.Error, failure.Message)
	}
	span.SetAttributes(attribute.String("stagegrid.status", string(status)))

	s.finish(ctx, ar, r, status)
}

// perform prepares the workspace, materializes inputs and runs the steps.
func (s *Scheduler) perform(ctx context.Context, r *run.Run, def stage.Definition) error {
	root := osfs.New(s.cfg.WorkRoot)
	rel := path.Join(r.Agent, r.ID)
	if err := root.MkdirAll(rel, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	ws, err := root.Chroot(rel)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	dir := filepath.Join(s.cfg.WorkRoot, r.Agent, r.ID)

	if def.Checkout != nil {
		if err := s.checkoutSource(ctx, r, def.Checkout, dir); err != nil {
			return &inputsError{err: err}
		}
	}
	if err := s.materialize(ctx, r, def, ws); err != nil {
		return &inputsError{err: err}
	}

	out := &stepLog{ctx: ctx}
	defer out.flush()

	results, err := s.exec.Run(ctx, executor.Job{
		RunID:      r.ID,
		Definition: def,
		Dir:        dir,
		Env:        runEnv(r, def, dir),
		Output:     out,
	})
	r.Steps = results
	return err
}

// checkoutSource clones the stage's source into the workspace. A run fired
// by a change of that source builds the revision that changed.
func (s *Scheduler) checkoutSource(ctx context.Context, r *run.Run, c *stage.Checkout, dir string) error {
	opts := source.CheckoutOptions{Branch: c.Branch, Shallow: c.Shallow}
	if r.Trigger.Source == c.Source && r.Trigger.Branch != "" {
		opts.Branch = r.Trigger.Branch
		opts.Revision = r.Trigger.Revision
	}
	target := filepath.Join(dir, filepath.FromSlash(c.Dir))

	rev, err := s.checkout(ctx, s.sources[c.Source], target, opts)
	if err != nil {
		return fmt.Errorf("checkout of source %s: %w", c.Source, err)
	}
	r.Revision = rev
	ctxlog.FromContext(ctx).Info("Source checked out.", "source", c.Source, "branch", opts.Branch, "revision", rev)
	return nil
}

func (s *Scheduler) materialize(ctx context.Context, r *run.Run, def stage.Definition, ws billy.Filesystem) error {
	for _, dep := range def.Dependencies {
		upstream := r.Inputs[dep.Stage]
		dest := dep.Destination
		if dest == "" {
			dest = "."
		}
		if dep.Clean {
			if err := util.RemoveAll(ws, dest); err != nil {
				return fmt.Errorf("clean %s: %w", dest, err)
			}
		}
		files, err := s.artifacts.Materialize(ctx, upstream, dep.Pattern, ws, dep.Destination)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no artifacts of %s run %s match %q", dep.Stage, upstream, dep.Pattern)
		}
		ctxlog.FromContext(ctx).Debug("Materialized upstream artifacts.",
			"producer", dep.Stage, "upstream_run", upstream, "files", len(files), "into", dest)
	}
	return nil
}

// publish collects the run's artifacts and applies the missing-artifacts
// policy.
func (s *Scheduler) publish(ctx context.Context, r *run.Run, def stage.Definition, status run.Status, failure *run.Failure) (run.Status, *run.Failure) {
	if len(def.Artifacts) == 0 {
		return status, failure
	}
	logger := ctxlog.FromContext(ctx)

	ws := osfs.New(filepath.Join(s.cfg.WorkRoot, r.Agent, r.ID))
	files, err := s.artifacts.Publish(ctx, r.ID, ws, def.Artifacts)
	for _, f := range files {
		r.Artifacts = append(r.Artifacts, run.Artifact{Path: f.Path, Size: f.Size})
	}
	logger.Info("Artifacts published.", "count", len(files))

	var mismatch *artifact.MismatchError
	switch {
	case err == nil:
		return status, failure
	case errors.As(err, &mismatch) && def.OnMissing == stage.MissingWarn:
		logger.Warn("Artifact rules matched no files.", "patterns", mismatch.Patterns)
		r.Warnings = append(r.Warnings, mismatch.Error())
		return status, failure
	case errors.As(err, &mismatch):
		if status == run.Succeeded {
			s.discard(ctx, r)
			return run.Failed, &run.Failure{Kind: run.FailureArtifactMismatch, Message: mismatch.Error()}
		}
		r.Warnings = append(r.Warnings, mismatch.Error())
		return status, failure
	default:
		if status == run.Succeeded {
			s.discard(ctx, r)
			return run.Failed, &run.Failure{Kind: run.FailureInternal, Message: fmt.Sprintf("publish artifacts: %v", err)}
		}
		r.Warnings = append(r.Warnings, fmt.Sprintf("publish artifacts: %v", err))
		return status, failure
	}
}

// discard drops what a run uploaded before publishing failed it. Failed
// runs only keep artifacts under the always policy.
func (s *Scheduler) discard(ctx context.Context, r *run.Run) {
	if err := s.artifacts.Delete(context.WithoutCancel(ctx), r.ID); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to discard artifacts of failed run.", "error", err)
		r.Warnings = append(r.Warnings, fmt.Sprintf("discard artifacts: %v", err))
	}
	r.Artifacts = nil
}

// cleanup removes the run's workspace once its artifacts are published.
func (s *Scheduler) cleanup(ctx context.Context, r *run.Run) {
	if s.cfg.KeepWorkspaces || r.Agent == "" {
		return
	}
	root := osfs.New(s.cfg.WorkRoot)
	if err := util.RemoveAll(root, path.Join(r.Agent, r.ID)); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to remove workspace.", "error", err)
		return
	}
	ctxlog.FromContext(ctx).Debug("Workspace removed.")
}

// classify maps the outcome of a run to its final status.
func classify(err error) (run.Status, *run.Failure) {
	if err == nil {
		return run.Succeeded, nil
	}

	var (
		stepFailure *executor.StepFailure
		timeout     *TimeoutError
		inputs      *inputsError
	)
	fail := func(kind run.FailureKind) *run.Failure {
		return &run.Failure{Kind: kind, Message: err.Error()}
	}
	switch {
	case errors.As(err, &stepFailure):
		return run.Failed, fail(run.FailureStep)
	case errors.As(err, &timeout):
		return run.Canceled, fail(run.FailureTimeout)
	case errors.Is(err, agent.ErrAgentLost):
		return run.Failed, fail(run.FailureAgentLost)
	case errors.Is(err, ErrCanceled), errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return run.Canceled, fail(run.FailureCanceled)
	case errors.As(err, &inputs),
		errors.Is(err, secrets.ErrSecretNotFound),
		errors.Is(err, secrets.ErrInvalidRef):
		return run.Failed, fail(run.FailureInputs)
	default:
		return run.Failed, fail(run.FailureInternal)
	}
}

// finish records the final status, releases the agent and notifies
// listeners and waiters.
func (s *Scheduler) finish(ctx context.Context, ar *activeRun, r run.Run, status run.Status) {
	logger := ctxlog.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	r.Status = ar.run.Status
	if err := r.Transition(status, s.now()); err != nil {
		logger.Error("Invalid final transition.", "error", err)
	}
	*ar.run = r
	if err := s.store.Update(ctx, r.Clone()); err != nil {
		logger.Error("Failed to store finished run.", "error", err)
	}
	s.agents.Release(r.Agent, r.ID)
	s.running[r.Stage]--
	s.forget(&r)
	snapshot := r.Clone()
	s.mu.Unlock()

	ar.cancel(nil)
	s.recorder.RunFinished(ctx, snapshot)
	s.emit(ctx, snapshot)
	close(ar.done)
	s.signal()
}

// runEnv builds the engine-provided variables of a run.
func runEnv(r *run.Run, def stage.Definition, dir string) map[string]string {
	env := map[string]string{
		"STAGEGRID_RUN_ID":    r.ID,
		"STAGEGRID_STAGE":     def.ID,
		"STAGEGRID_AGENT":     r.Agent,
		"STAGEGRID_WORKSPACE": dir,
		"STAGEGRID_TRIGGER":   string(r.Trigger.Kind),
	}
	if r.Trigger.Branch != "" {
		env["STAGEGRID_BRANCH"] = r.Trigger.Branch
		env["STAGEGRID_REVISION"] = r.Trigger.Revision
	}
	if r.Trigger.UpstreamRun != "" {
		env["STAGEGRID_UPSTREAM_STAGE"] = r.Trigger.UpstreamStage
		env["STAGEGRID_UPSTREAM_RUN"] = r.Trigger.UpstreamRun
	}
	if def.Checkout != nil {
		env["STAGEGRID_CHECKOUT_DIR"] = filepath.Join(dir, filepath.FromSlash(def.Checkout.Dir))
		env["STAGEGRID_CHECKOUT_REVISION"] = r.Revision
	}
	for _, dep := range def.Dependencies {
		name := envName(dep.Stage)
		env["STAGEGRID_INPUT_"+name+"_RUN"] = r.Inputs[dep.Stage]
		if _, ok := env["STAGEGRID_INPUT_"+name+"_DIR"]; !ok {
			env["STAGEGRID_INPUT_"+name+"_DIR"] = filepath.Join(dir, filepath.FromSlash(dep.Destination))
		}
	}

	params := maps.Clone(def.Params)
	if params == nil {
		params = make(map[string]string)
	}
	maps.Copy(params, r.Trigger.Params)
	for k, v := range params {
		env["STAGEGRID_PARAM_"+envName(k)] = v
	}
	return env
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, s)
}

// stepLog forwards step output to the run logger line by line.
type stepLog struct {
	ctx     context.Context
	partial []byte
}

func (w *stepLog) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		ctxlog.FromContext(w.ctx).Debug("Step output.", "line", string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *stepLog) flush() {
	if len(w.partial) > 0 {
		ctxlog.FromContext(w.ctx).Debug("Step output.", "line", string(w.partial))
		w.partial = nil
	}
}
