// Package executor runs a stage's steps strictly in order on behalf of a
// run. Steps are opaque commands: the executor prepares their environment,
// resolves secret references just before each step starts, and observes the
// exit status. The first non-zero exit aborts the remaining steps.
package executor

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"sort"
	"time"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/secrets"
	"github.com/vk/stagegrid/internal/stage"
)

// StepFailure reports a step that exited non-zero.
type StepFailure struct {
	Stage    string
	Step     string
	Index    int
	ExitCode int
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("stage %s: step %d (%s) exited with code %d", e.Stage, e.Index+1, e.Step, e.ExitCode)
}

// Job describes the steps of one run and where they execute.
type Job struct {
	RunID      string
	Definition stage.Definition
	// Dir is the run's workspace; relative step working directories are
	// resolved against it.
	Dir string
	// Env holds engine-provided variables. They take precedence over the
	// stage and step environment.
	Env    map[string]string
	Output io.Writer
}

// Executor runs jobs through a Runner.
type Executor struct {
	runner  Runner
	secrets *secrets.Resolver
	now     func() time.Time
}

// New creates an executor. A nil resolver leaves secret references
// unresolvable.
func New(runner Runner, resolver *secrets.Resolver) *Executor {
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}
	return &Executor{runner: runner, secrets: resolver, now: time.Now}
}

// Run executes the job's enabled steps in order. It always returns one
// result per step; steps that did not run are marked skipped. The error is
// a *StepFailure for a non-zero exit, or the cause of the context being done.
func (e *Executor) Run(ctx context.Context, job Job) ([]run.StepResult, error) {
	logger := ctxlog.FromContext(ctx)
	def := job.Definition
	out := job.Output
	if out == nil {
		out = io.Discard
	}

	results := make([]run.StepResult, len(def.Steps))
	for i, s := range def.Steps {
		results[i] = run.StepResult{Name: s.Name, Skipped: true}
	}

	for i, s := range def.Steps {
		if s.Disabled {
			logger.Debug("Step disabled, skipping.", "step", s.Name)
			continue
		}
		if err := context.Cause(ctx); err != nil {
			return results, err
		}

		stepLogger := logger.With("step", s.Name, "index", i+1)
		stepLogger.Info("▶️ Step started.", "interpreter", s.Interpreter)

		env, values, err := e.secrets.ResolveEnv(ctx, mergeEnv(def.Env, s.Env, job.Env))
		if err != nil {
			stepLogger.Error("Secret resolution failed.", "error", err)
			return results, fmt.Errorf("step %s: %w", s.Name, err)
		}

		redactor := secrets.NewRedactor(out, values)
		inv := Invocation{
			Step:   s,
			Dir:    workingDir(job.Dir, s.WorkingDir),
			Env:    envList(env),
			Stdout: redactor,
			Stderr: redactor,
		}

		started := e.now()
		code, runErr := e.runner.Run(ctx, inv)
		if err := redactor.Flush(); err != nil {
			stepLogger.Warn("Flushing step output failed.", "error", err)
		}
		results[i] = run.StepResult{
			Name:       s.Name,
			ExitCode:   code,
			StartedAt:  started,
			FinishedAt: e.now(),
		}

		if runErr != nil {
			stepLogger.Warn("Step interrupted.", "error", runErr)
			return results, runErr
		}
		if code != 0 {
			stepLogger.Error("❌ Step failed.", "exit_code", code)
			return results, &StepFailure{Stage: def.ID, Step: s.Name, Index: i, ExitCode: code}
		}
		stepLogger.Info("✅ Step finished.", "duration", results[i].FinishedAt.Sub(started))
	}
	return results, nil
}

func mergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, l := range layers {
		maps.Copy(merged, l)
	}
	return merged
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func workingDir(workspace, dir string) string {
	if dir == "" {
		return workspace
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}
