package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/runstore"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/stage"
	"github.com/vk/stagegrid/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ctx       context.Context
	logs      *testutil.SafeBuffer
	s         *Scheduler
	runner    *testutil.ScriptedRunner
	agents    *agent.Registry
	store     runstore.Store
	artifacts *artifact.Store
	workRoot  string
}

type harnessSetup struct {
	cfg       Config
	agentOpts []agent.Option
	timeout   time.Duration
	store     runstore.Store
	sources   map[string]string
	opts      []Option
}

type harnessOption func(*harnessSetup)

func withRetention(r runstore.Retention) harnessOption {
	return func(hs *harnessSetup) { hs.cfg.Retention = r }
}

func withAgentClock(clock *fakeClock, timeout time.Duration) harnessOption {
	return func(hs *harnessSetup) {
		hs.agentOpts = append(hs.agentOpts, agent.WithClock(clock.Now))
		hs.timeout = timeout
	}
}

func withKeepWorkspaces() harnessOption {
	return func(hs *harnessSetup) { hs.cfg.KeepWorkspaces = true }
}

// withStore starts the scheduler on a store that already holds runs.
func withStore(store runstore.Store) harnessOption {
	return func(hs *harnessSetup) { hs.store = store }
}

func withCheckout(sources map[string]string, fn CheckoutFunc) harnessOption {
	return func(hs *harnessSetup) {
		hs.sources = sources
		hs.opts = append(hs.opts, WithCheckout(fn))
	}
}

func newHarness(t *testing.T, defs []stage.Definition, agents []agent.Info, opts ...harnessOption) *harness {
	t.Helper()

	ctx, logs := testutil.Context(t)
	hs := harnessSetup{
		cfg:   Config{WorkRoot: t.TempDir(), Tick: 5 * time.Millisecond},
		store: runstore.NewMemory(),
	}
	for _, opt := range opts {
		opt(&hs)
	}

	reg := agent.NewRegistry(hs.timeout, hs.agentOpts...)
	for _, info := range agents {
		_, err := reg.Register(info)
		require.NoError(t, err)
	}

	var seq atomic.Int64
	runner := testutil.NewScriptedRunner()
	artifacts := artifact.NewStore(artifact.NewMemoryBackend())
	schedOpts := append([]Option{
		WithIDGenerator(func() string { return fmt.Sprintf("run-%d", seq.Add(1)) }),
	}, hs.opts...)
	s, err := New(hs.cfg, defs, Deps{
		Store:     hs.store,
		Artifacts: artifacts,
		Agents:    reg,
		Executor:  executor.New(runner, nil),
		Sources:   hs.sources,
	}, schedOpts...)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	return &harness{
		ctx:       ctx,
		logs:      logs,
		s:         s,
		runner:    runner,
		agents:    reg,
		store:     hs.store,
		artifacts: artifacts,
		workRoot:  s.cfg.WorkRoot,
	}
}

func (h *harness) submit(t *testing.T, stageID string, trigger run.Trigger) string {
	t.Helper()
	id, err := h.s.Submit(h.ctx, stageID, trigger)
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, runID string) run.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	r, err := h.s.Wait(ctx, runID)
	require.NoError(t, err)
	return r
}

func (h *harness) waitStarted(t *testing.T, command string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-h.runner.Started():
			if c == command {
				return
			}
		case <-timeout:
			t.Fatalf("step %q never started", command)
		}
	}
}

func localAgent(id string, caps ...string) agent.Info {
	return agent.Info{ID: id, Capabilities: caps, Attached: true}
}

func buildStage() stage.Definition {
	return stage.Definition{
		ID:        "build",
		Requires:  []string{"os=linux"},
		Steps:     []stage.Step{{Name: "compile", Command: "compile"}},
		Artifacts: []stage.ArtifactRule{{Pattern: "bin/**"}},
	}
}

func packageStage() stage.Definition {
	return stage.Definition{
		ID:    "package",
		Steps: []stage.Step{{Name: "pack", Command: "pack"}},
		Dependencies: []stage.ArtifactDependency{
			{Stage: "build", Pattern: "bin/**", Destination: "inputs"},
		},
		Artifacts: []stage.ArtifactRule{{Pattern: "dist/**"}},
		Params:    map[string]string{"flavor": "release", "channel": "stable"},
	}
}

func TestNew_RejectsInvalidGraphs(t *testing.T) {
	cycleA := buildStage()
	cycleA.Dependencies = []stage.ArtifactDependency{{Stage: "package", Pattern: "dist/**"}}
	deps := Deps{
		Store:     runstore.NewMemory(),
		Artifacts: artifact.NewStore(artifact.NewMemoryBackend()),
		Agents:    agent.NewRegistry(0),
		Executor:  executor.New(testutil.NewScriptedRunner(), nil),
	}

	_, err := New(Config{WorkRoot: t.TempDir()}, []stage.Definition{cycleA, packageStage()}, deps)
	assert.ErrorContains(t, err, "dependency cycle detected")

	loopA := buildStage()
	loopA.Triggers = []stage.Trigger{{Kind: stage.UpstreamFinished, Stage: "package"}}
	loopB := packageStage()
	loopB.Triggers = []stage.Trigger{{Kind: stage.UpstreamFinished, Stage: "build"}}
	_, err = New(Config{WorkRoot: t.TempDir()}, []stage.Definition{loopA, loopB}, deps)
	assert.ErrorContains(t, err, "upstream trigger cycle")

	_, err = New(Config{}, nil, Deps{})
	assert.Error(t, err)
}

func TestSubmit_UnknownStage(t *testing.T) {
	h := newHarness(t, []stage.Definition{buildStage()}, nil)

	_, err := h.s.Submit(h.ctx, "nope", run.Trigger{})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestBuildThenPackage(t *testing.T) {
	// --- Arrange ---
	h := newHarness(t, []stage.Definition{buildStage(), packageStage()},
		[]agent.Info{localAgent("linux-1", "os=linux", "arch=x64")}, withKeepWorkspaces())
	h.runner.
		On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "binary", "obj/app.o": "object"}}).
		On("pack", testutil.Behavior{Files: map[string]string{"dist/app.tar": "archive"}})

	// --- Act ---
	buildID := h.submit(t, "build", run.Trigger{})
	build := h.wait(t, buildID)
	packageID := h.submit(t, "package", run.Trigger{Params: map[string]string{"channel": "beta"}})
	pkg := h.wait(t, packageID)

	// --- Assert ---
	require.Equal(t, run.Succeeded, build.Status, "build failure: %+v", build.Failure)
	assert.Equal(t, []run.Artifact{{Path: "bin/app", Size: 6}}, build.Artifacts)
	assert.Equal(t, "linux-1", build.Agent)

	require.Equal(t, run.Succeeded, pkg.Status, "package failure: %+v", pkg.Failure)
	assert.Equal(t, map[string]string{"build": buildID}, pkg.Inputs)
	assert.Equal(t, []run.Artifact{{Path: "dist/app.tar", Size: 7}}, pkg.Artifacts)

	ws := filepath.Join(h.workRoot, "linux-1", packageID)
	// Files land under the destination relative to the pattern's base.
	content, err := os.ReadFile(filepath.Join(ws, "inputs", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(content))

	calls := h.runner.Calls()
	require.Len(t, calls, 2)
	env := calls[1].Env
	assert.Contains(t, env, "STAGEGRID_RUN_ID="+packageID)
	assert.Contains(t, env, "STAGEGRID_STAGE=package")
	assert.Contains(t, env, "STAGEGRID_AGENT=linux-1")
	assert.Contains(t, env, "STAGEGRID_WORKSPACE="+ws)
	assert.Contains(t, env, "STAGEGRID_INPUT_BUILD_RUN="+buildID)
	assert.Contains(t, env, "STAGEGRID_INPUT_BUILD_DIR="+filepath.Join(ws, "inputs"))
	assert.Contains(t, env, "STAGEGRID_PARAM_FLAVOR=release")
	assert.Contains(t, env, "STAGEGRID_PARAM_CHANNEL=beta")

	files, err := h.s.Fetch(h.ctx, "build", stage.Selection{})
	require.NoError(t, err)
	assert.Equal(t, []artifact.File{{Path: "bin/app", Size: 6}}, files)
}

func TestSubmit_UnresolvedDependency(t *testing.T) {
	h := newHarness(t, []stage.Definition{buildStage(), packageStage()}, nil)

	_, err := h.s.Submit(h.ctx, "package", run.Trigger{})

	var unresolved *UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "package", unresolved.Stage)
	assert.Equal(t, "build", unresolved.Producer)

	runs, err := h.store.List(h.ctx, runstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "a rejected submission must not create a run")
}

func TestSubmit_FailedUpstreamDoesNotResolve(t *testing.T) {
	h := newHarness(t, []stage.Definition{buildStage(), packageStage()},
		[]agent.Info{localAgent("linux-1", "os=linux")})
	h.runner.On("compile", testutil.Behavior{ExitCode: 1})

	build := h.wait(t, h.submit(t, "build", run.Trigger{}))
	require.Equal(t, run.Failed, build.Status)

	_, err := h.s.Submit(h.ctx, "package", run.Trigger{})
	var unresolved *UnresolvedDependencyError
	assert.ErrorAs(t, err, &unresolved)
}

func TestSubmit_PinsTriggeringUpstreamRun(t *testing.T) {
	h := newHarness(t, []stage.Definition{buildStage(), packageStage()},
		[]agent.Info{localAgent("linux-1", "os=linux")})
	h.runner.
		On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "binary"}}).
		On("pack", testutil.Behavior{Files: map[string]string{"dist/app.tar": "archive"}})

	first := h.submit(t, "build", run.Trigger{})
	h.wait(t, first)
	second := h.submit(t, "build", run.Trigger{})
	h.wait(t, second)

	t.Run("upstream trigger pins its run", func(t *testing.T) {
		id := h.submit(t, "package", run.Trigger{Kind: run.TriggerUpstream, UpstreamStage: "build", UpstreamRun: first})
		assert.Equal(t, map[string]string{"build": first}, h.wait(t, id).Inputs)
	})

	t.Run("manual submission takes the last successful run", func(t *testing.T) {
		id := h.submit(t, "package", run.Trigger{})
		assert.Equal(t, map[string]string{"build": second}, h.wait(t, id).Inputs)
	})

	t.Run("specific run selection", func(t *testing.T) {
		_, err := h.s.Fetch(h.ctx, "build", stage.Selection{Kind: stage.SpecificRun, RunID: "missing"})
		var unresolved *UnresolvedDependencyError
		assert.ErrorAs(t, err, &unresolved)

		files, err := h.s.Fetch(h.ctx, "build", stage.Selection{Kind: stage.SpecificRun, RunID: first})
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})
}

func TestSubmit_DuplicateEventIsIdempotent(t *testing.T) {
	// No agents: the run stays queued.
	h := newHarness(t, []stage.Definition{buildStage()}, nil)

	trigger := run.Trigger{Kind: run.TriggerSource, EventID: "source:repo:main:abc"}
	first := h.submit(t, "build", trigger)
	second := h.submit(t, "build", trigger)
	assert.Equal(t, first, second)

	other := h.submit(t, "build", run.Trigger{Kind: run.TriggerSource, EventID: "source:repo:main:def"})
	assert.NotEqual(t, first, other)
}

func TestConcurrencyLimit_Queue(t *testing.T) {
	// --- Arrange ---
	def := stage.Definition{
		ID:          "deploy",
		Steps:       []stage.Step{{Command: "deploy"}},
		Concurrency: 1,
	}
	h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1"), localAgent("a2")})
	release := make(chan struct{})
	h.runner.On("deploy", testutil.Behavior{Release: release})

	// --- Act ---
	first := h.submit(t, "deploy", run.Trigger{})
	h.waitStarted(t, "deploy")
	second := h.submit(t, "deploy", run.Trigger{})
	time.Sleep(50 * time.Millisecond)

	// --- Assert ---
	queued, err := h.s.Get(h.ctx, second)
	require.NoError(t, err)
	assert.Equal(t, run.Queued, queued.Status, "second run must wait for the slot even with an idle agent")

	close(release)
	r1 := h.wait(t, first)
	r2 := h.wait(t, second)
	assert.Equal(t, run.Succeeded, r1.Status)
	assert.Equal(t, run.Succeeded, r2.Status)
	assert.False(t, r2.StartedAt.Before(r1.FinishedAt), "runs of a limit-1 stage must not overlap")
}

func TestConcurrencyLimit_Reject(t *testing.T) {
	def := stage.Definition{
		ID:          "deploy",
		Steps:       []stage.Step{{Command: "deploy"}},
		Concurrency: 1,
		OnBusy:      stage.Reject,
	}
	h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1"), localAgent("a2")})
	h.runner.On("deploy", testutil.Behavior{Block: true})

	first := h.submit(t, "deploy", run.Trigger{})
	h.waitStarted(t, "deploy")

	_, err := h.s.Submit(h.ctx, "deploy", run.Trigger{})
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	require.NoError(t, h.s.Cancel(h.ctx, first))
	_, err = h.s.Submit(h.ctx, "deploy", run.Trigger{})
	assert.NoError(t, err, "slot is free again after the first run finished")
}

func TestSecondStepFailure(t *testing.T) {
	def := stage.Definition{
		ID: "build",
		Steps: []stage.Step{
			{Name: "configure", Command: "configure"},
			{Name: "compile", Command: "compile"},
			{Name: "test", Command: "test"},
		},
		Artifacts: []stage.ArtifactRule{{Pattern: "bin/**"}},
	}
	h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1")})
	h.runner.On("compile", testutil.Behavior{ExitCode: 2, Files: map[string]string{"bin/partial": "x"}})

	r := h.wait(t, h.submit(t, "build", run.Trigger{}))

	assert.Equal(t, run.Failed, r.Status)
	require.NotNil(t, r.Failure)
	assert.Equal(t, run.FailureStep, r.Failure.Kind)
	assert.Contains(t, r.Failure.Message, "exited with code 2")
	assert.Equal(t, []string{"configure", "compile"}, h.runner.Commands())
	require.Len(t, r.Steps, 3)
	assert.Equal(t, 2, r.Steps[1].ExitCode)
	assert.True(t, r.Steps[2].Skipped)
	assert.Empty(t, r.Artifacts, "failed runs publish nothing by default")

	a, err := h.agents.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, agent.Idle, a.State)
}

func TestPublishAlways(t *testing.T) {
	def := stage.Definition{
		ID:        "test",
		Steps:     []stage.Step{{Command: "test"}},
		Artifacts: []stage.ArtifactRule{{Pattern: "reports/**"}},
		Publish:   stage.PublishAlways,
	}
	h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1")})
	h.runner.On("test", testutil.Behavior{ExitCode: 1, Files: map[string]string{"reports/junit.xml": "<xml/>"}})

	r := h.wait(t, h.submit(t, "test", run.Trigger{}))

	assert.Equal(t, run.Failed, r.Status)
	assert.Equal(t, run.FailureStep, r.Failure.Kind)
	assert.Equal(t, []run.Artifact{{Path: "reports/junit.xml", Size: 6}}, r.Artifacts)
}

func TestMissingArtifacts(t *testing.T) {
	testCases := []struct {
		name          string
		policy        stage.MissingPolicy
		wantStatus    run.Status
		wantArtifacts []run.Artifact
	}{
		{name: "fail", policy: stage.MissingFail, wantStatus: run.Failed},
		{name: "warn", policy: stage.MissingWarn, wantStatus: run.Succeeded, wantArtifacts: []run.Artifact{{Path: "bin/app", Size: 1}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			def := stage.Definition{
				ID:        "build",
				Steps:     []stage.Step{{Command: "compile"}},
				Artifacts: []stage.ArtifactRule{{Pattern: "bin/**"}, {Pattern: "docs/**"}},
				OnMissing: tc.policy,
			}
			h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1")})
			h.runner.On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "x"}})

			// --- Act ---
			r := h.wait(t, h.submit(t, "build", run.Trigger{}))

			// --- Assert ---
			assert.Equal(t, tc.wantStatus, r.Status)
			if tc.policy == stage.MissingFail {
				require.NotNil(t, r.Failure)
				assert.Equal(t, run.FailureArtifactMismatch, r.Failure.Kind)
				assert.Contains(t, r.Failure.Message, "docs/**")
			} else {
				assert.Nil(t, r.Failure)
				require.Len(t, r.Warnings, 1)
				assert.Contains(t, r.Warnings[0], "docs/**")
			}
			assert.Equal(t, tc.wantArtifacts, r.Artifacts)

			files, err := h.artifacts.Files(h.ctx, r.ID, "")
			require.NoError(t, err)
			assert.Len(t, files, len(tc.wantArtifacts), "a run failed by publishing keeps no uploads")
		})
	}
}

func TestCancel(t *testing.T) {
	t.Run("running run releases its agent before returning", func(t *testing.T) {
		h := newHarness(t, []stage.Definition{buildStage()}, []agent.Info{localAgent("a1", "os=linux")})
		h.runner.On("compile", testutil.Behavior{Block: true})

		id := h.submit(t, "build", run.Trigger{})
		h.waitStarted(t, "compile")

		require.NoError(t, h.s.Cancel(h.ctx, id))

		a, err := h.agents.Get("a1")
		require.NoError(t, err)
		assert.Equal(t, agent.Idle, a.State)
		assert.Empty(t, a.Run)

		r, err := h.s.Get(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, run.Canceled, r.Status)
		require.NotNil(t, r.Failure)
		assert.Equal(t, run.FailureCanceled, r.Failure.Kind)

		assert.ErrorIs(t, h.s.Cancel(h.ctx, id), ErrRunFinished)
	})

	t.Run("queued run", func(t *testing.T) {
		h := newHarness(t, []stage.Definition{buildStage()}, nil)
		id := h.submit(t, "build", run.Trigger{})

		require.NoError(t, h.s.Cancel(h.ctx, id))

		r := h.wait(t, id)
		assert.Equal(t, run.Canceled, r.Status)
		assert.True(t, r.StartedAt.IsZero())
		assert.Empty(t, h.runner.Commands())
	})

	t.Run("unknown run", func(t *testing.T) {
		h := newHarness(t, []stage.Definition{buildStage()}, nil)
		assert.ErrorIs(t, h.s.Cancel(h.ctx, "ghost"), ErrRunNotFound)
	})

	t.Run("stored run left by a stopped engine", func(t *testing.T) {
		// --- Arrange ---
		ctx, _ := testutil.Context(t)
		store := runstore.NewMemory()
		require.NoError(t, store.Create(ctx, run.Run{ID: "old", Stage: "build", Status: run.Running, Agent: "a1"}))
		require.NoError(t, store.Create(ctx, run.Run{ID: "done", Stage: "build", Status: run.Succeeded}))
		s, err := New(Config{WorkRoot: t.TempDir()}, []stage.Definition{buildStage()}, Deps{
			Store:     store,
			Artifacts: artifact.NewStore(artifact.NewMemoryBackend()),
			Agents:    agent.NewRegistry(0),
			Executor:  executor.New(testutil.NewScriptedRunner(), nil),
		})
		require.NoError(t, err)

		// --- Act ---
		err = s.Cancel(ctx, "old")

		// --- Assert ---
		require.NoError(t, err)
		r, err := s.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, run.Canceled, r.Status)
		require.NotNil(t, r.Failure)
		assert.Equal(t, run.FailureCanceled, r.Failure.Kind)
		assert.False(t, r.FinishedAt.IsZero())

		assert.ErrorIs(t, s.Cancel(ctx, "old"), ErrRunFinished)
		assert.ErrorIs(t, s.Cancel(ctx, "done"), ErrRunFinished)
	})
}

func TestRun_ClosesInterruptedRuns(t *testing.T) {
	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	store := runstore.NewMemory()
	require.NoError(t, store.Create(ctx, run.Run{ID: "queued-before", Stage: "build", Status: run.Queued}))
	require.NoError(t, store.Create(ctx, run.Run{ID: "running-before", Stage: "build", Status: run.Running, Agent: "gone"}))
	require.NoError(t, store.Create(ctx, run.Run{ID: "finished-before", Stage: "build", Status: run.Succeeded}))

	h := newHarness(t, []stage.Definition{buildStage()}, []agent.Info{localAgent("a1", "os=linux")}, withStore(store))
	h.runner.On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "x"}})

	// --- Act ---
	assert.Eventually(t, func() bool {
		runs, err := store.List(ctx, runstore.Filter{Statuses: []run.Status{run.Queued, run.Running}})
		return err == nil && len(runs) == 0
	}, 5*time.Second, 5*time.Millisecond)

	// --- Assert ---
	for _, id := range []string{"queued-before", "running-before"} {
		r, err := h.s.Get(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, run.Canceled, r.Status, id)
		require.NotNil(t, r.Failure, id)
		assert.Equal(t, run.FailureInterrupted, r.Failure.Kind, id)
	}
	r, err := h.s.Get(h.ctx, "finished-before")
	require.NoError(t, err)
	assert.Equal(t, run.Succeeded, r.Status)

	// New work still flows after recovery.
	id := h.submit(t, "build", run.Trigger{})
	assert.Equal(t, run.Succeeded, h.wait(t, id).Status)

	n, err := h.s.Recover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recovery is idempotent")
}

func TestMaxDuration(t *testing.T) {
	def := stage.Definition{
		ID:          "slow",
		Steps:       []stage.Step{{Command: "hang"}, {Command: "never"}},
		MaxDuration: 30 * time.Millisecond,
	}
	h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1")})
	h.runner.On("hang", testutil.Behavior{Block: true})

	r := h.wait(t, h.submit(t, "slow", run.Trigger{}))

	assert.Equal(t, run.Canceled, r.Status)
	require.NotNil(t, r.Failure)
	assert.Equal(t, run.FailureTimeout, r.Failure.Kind)
	assert.Contains(t, r.Failure.Message, "exceeded its maximum duration")
	assert.Equal(t, []string{"hang"}, h.runner.Commands())
}

func TestAgentLost(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	h := newHarness(t, []stage.Definition{buildStage()}, []agent.Info{localAgent("a1", "os=linux")},
		withAgentClock(clock, time.Minute))
	h.runner.On("compile", testutil.Behavior{Block: true})

	id := h.submit(t, "build", run.Trigger{})
	h.waitStarted(t, "compile")
	clock.Advance(2 * time.Minute)

	r := h.wait(t, id)
	assert.Equal(t, run.Failed, r.Status)
	require.NotNil(t, r.Failure)
	assert.Equal(t, run.FailureAgentLost, r.Failure.Kind)

	a, err := h.agents.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, agent.Offline, a.State)
}

func TestSubscribe_EventOrder(t *testing.T) {
	h := newHarness(t, []stage.Definition{buildStage()}, []agent.Info{localAgent("a1", "os=linux")})
	h.runner.On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "x"}})

	var mu sync.Mutex
	var statuses []run.Status
	h.s.Subscribe(func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Run.Status)
	})

	h.wait(t, h.submit(t, "build", run.Trigger{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []run.Status{run.Queued, run.Running, run.Succeeded}, statuses)
}

func TestPrune(t *testing.T) {
	h := newHarness(t, []stage.Definition{buildStage()}, []agent.Info{localAgent("a1", "os=linux")},
		withRetention(runstore.Retention{MaxRunsPerStage: 1}))
	h.runner.On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "x"}})

	var ids []string
	for range 3 {
		id := h.submit(t, "build", run.Trigger{})
		h.wait(t, id)
		ids = append(ids, id)
	}

	n, err := h.s.Prune(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range ids[:2] {
		_, err := h.s.Get(h.ctx, id)
		assert.ErrorIs(t, err, ErrRunNotFound)
		files, err := h.artifacts.Files(h.ctx, id, "")
		require.NoError(t, err)
		assert.Empty(t, files)
	}
	_, err = h.s.Get(h.ctx, ids[2])
	assert.NoError(t, err)
}

func TestStages_InExecutionOrder(t *testing.T) {
	h := newHarness(t, []stage.Definition{packageStage(), buildStage()}, nil)

	var ids []string
	for _, d := range h.s.Stages() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"build", "package"}, ids)

	d, ok := h.s.Definition("package")
	require.True(t, ok)
	assert.Equal(t, stage.Queue, d.OnBusy, "definitions are normalized")
}

func TestConcurrencyLimit_SimultaneousSubmits(t *testing.T) {
	const submitters = 8

	submitAll := func(t *testing.T, h *harness) ([]string, []error) {
		t.Helper()
		start := make(chan struct{})
		ids := make([]string, submitters)
		errs := make([]error, submitters)
		var wg sync.WaitGroup
		for i := range submitters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ids[i], errs[i] = h.s.Submit(h.ctx, "deploy", run.Trigger{})
			}()
		}
		close(start)
		wg.Wait()
		return ids, errs
	}

	t.Run("queue policy never overlaps runs", func(t *testing.T) {
		// --- Arrange ---
		def := stage.Definition{ID: "deploy", Steps: []stage.Step{{Command: "deploy"}}, Concurrency: 1}
		h := newHarness(t, []stage.Definition{def},
			[]agent.Info{localAgent("a1"), localAgent("a2"), localAgent("a3"), localAgent("a4")})
		h.runner.On("deploy", testutil.Behavior{Delay: 5 * time.Millisecond})

		// --- Act ---
		ids, errs := submitAll(t, h)

		// --- Assert ---
		runs := make([]run.Run, 0, submitters)
		for i, id := range ids {
			require.NoError(t, errs[i])
			r := h.wait(t, id)
			require.Equal(t, run.Succeeded, r.Status)
			runs = append(runs, r)
		}
		slices.SortFunc(runs, func(a, b run.Run) int { return a.StartedAt.Compare(b.StartedAt) })
		for i := 1; i < len(runs); i++ {
			assert.False(t, runs[i].StartedAt.Before(runs[i-1].FinishedAt),
				"run %s started before %s finished", runs[i].ID, runs[i-1].ID)
		}
	})

	t.Run("reject policy admits exactly one", func(t *testing.T) {
		// --- Arrange ---
		def := stage.Definition{ID: "deploy", Steps: []stage.Step{{Command: "deploy"}}, Concurrency: 1, OnBusy: stage.Reject}
		h := newHarness(t, []stage.Definition{def}, []agent.Info{localAgent("a1"), localAgent("a2")})
		h.runner.On("deploy", testutil.Behavior{Block: true})

		// --- Act ---
		ids, errs := submitAll(t, h)

		// --- Assert ---
		var admitted []string
		for i, err := range errs {
			if err == nil {
				admitted = append(admitted, ids[i])
				continue
			}
			assert.ErrorIs(t, err, ErrConcurrencyLimit)
		}
		require.Len(t, admitted, 1)
		require.NoError(t, h.s.Cancel(h.ctx, admitted[0]))
	})
}

func TestPrune_KeepsPinnedInputs(t *testing.T) {
	t.Run("input of a queued run", func(t *testing.T) {
		// --- Arrange ---
		pkg := packageStage()
		pkg.Requires = []string{"os=mac"}
		h := newHarness(t, []stage.Definition{buildStage(), pkg},
			[]agent.Info{localAgent("linux-1", "os=linux")},
			withRetention(runstore.Retention{MaxRunsPerStage: 1}))
		h.runner.
			On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "binary"}}).
			On("pack", testutil.Behavior{Files: map[string]string{"dist/app.tar": "archive"}})

		oldBuild := h.submit(t, "build", run.Trigger{})
		h.wait(t, oldBuild)
		pkgID := h.submit(t, "package", run.Trigger{})
		newBuild := h.submit(t, "build", run.Trigger{})
		h.wait(t, newBuild)

		// --- Act ---
		n, err := h.s.Prune(h.ctx)

		// --- Assert ---
		require.NoError(t, err)
		assert.Zero(t, n)
		_, err = h.s.Get(h.ctx, oldBuild)
		require.NoError(t, err, "the queued package run still needs its pinned build")

		_, err = h.agents.Register(localAgent("mac-1", "os=mac"))
		require.NoError(t, err)
		r := h.wait(t, pkgID)
		require.Equal(t, run.Succeeded, r.Status, "package failure: %+v", r.Failure)
		assert.Equal(t, map[string]string{"build": oldBuild}, r.Inputs)

		n, err = h.s.Prune(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "the old build goes once nothing pins it")
		_, err = h.s.Get(h.ctx, oldBuild)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("run named by a specific-run dependency", func(t *testing.T) {
		// --- Arrange ---
		deploy := stage.Definition{
			ID:    "deploy",
			Steps: []stage.Step{{Command: "deploy"}},
			Dependencies: []stage.ArtifactDependency{
				{Stage: "build", Pattern: "bin/**", Selection: stage.Selection{Kind: stage.SpecificRun, RunID: "run-1"}},
			},
		}
		h := newHarness(t, []stage.Definition{buildStage(), deploy},
			[]agent.Info{localAgent("linux-1", "os=linux")},
			withRetention(runstore.Retention{MaxRunsPerStage: 1}))
		h.runner.On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "binary"}})

		var ids []string
		for range 3 {
			id := h.submit(t, "build", run.Trigger{})
			h.wait(t, id)
			ids = append(ids, id)
		}
		require.Equal(t, "run-1", ids[0])

		// --- Act ---
		n, err := h.s.Prune(h.ctx)

		// --- Assert ---
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = h.s.Get(h.ctx, ids[0])
		assert.NoError(t, err)
		_, err = h.s.Get(h.ctx, ids[1])
		assert.ErrorIs(t, err, ErrRunNotFound)

		files, err := h.artifacts.Files(h.ctx, ids[0], "")
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})
}

func TestWorkspaceCleanup(t *testing.T) {
	testCases := []struct {
		name     string
		opts     []harnessOption
		exitCode int
		wantKept bool
	}{
		{name: "removed after success"},
		{name: "removed after failure", exitCode: 1},
		{name: "kept on request", opts: []harnessOption{withKeepWorkspaces()}, wantKept: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			h := newHarness(t, []stage.Definition{buildStage()}, []agent.Info{localAgent("a1", "os=linux")}, tc.opts...)
			h.runner.On("compile", testutil.Behavior{ExitCode: tc.exitCode, Files: map[string]string{"bin/app": "x"}})

			// --- Act ---
			r := h.wait(t, h.submit(t, "build", run.Trigger{}))

			// --- Assert ---
			_, err := os.Stat(filepath.Join(h.workRoot, "a1", r.ID))
			if tc.wantKept {
				assert.NoError(t, err)
			} else {
				assert.True(t, os.IsNotExist(err), "workspace left behind: %v", err)
			}
			if tc.exitCode == 0 {
				assert.Equal(t, []run.Artifact{{Path: "bin/app", Size: 1}}, r.Artifacts, "artifacts are published before cleanup")
			}
		})
	}
}

type fakeCheckout struct {
	mu    sync.Mutex
	calls []checkoutCall
	files map[string]string
	err   error
}

type checkoutCall struct {
	url  string
	dir  string
	opts source.CheckoutOptions
}

func (f *fakeCheckout) checkout(_ context.Context, url, dir string, opts source.CheckoutOptions) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, checkoutCall{url: url, dir: dir, opts: opts})
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	for name, content := range f.files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	if opts.Revision != "" {
		return opts.Revision, nil
	}
	return "0a1b2c3d", nil
}

func TestCheckout(t *testing.T) {
	sources := map[string]string{"app": "https://git.example.com/app.git"}
	checkoutStage := func() stage.Definition {
		return stage.Definition{
			ID:       "build",
			Steps:    []stage.Step{{Command: "compile"}},
			Checkout: &stage.Checkout{Source: "app", Dir: "src", Branch: "main", Shallow: true},
		}
	}

	t.Run("configured branch", func(t *testing.T) {
		// --- Arrange ---
		fake := &fakeCheckout{}
		h := newHarness(t, []stage.Definition{checkoutStage()}, []agent.Info{localAgent("a1")},
			withCheckout(sources, fake.checkout), withKeepWorkspaces())

		// --- Act ---
		r := h.wait(t, h.submit(t, "build", run.Trigger{}))

		// --- Assert ---
		require.Equal(t, run.Succeeded, r.Status, "failure: %+v", r.Failure)
		assert.Equal(t, "0a1b2c3d", r.Revision)

		ws := filepath.Join(h.workRoot, "a1", r.ID)
		require.Len(t, fake.calls, 1)
		assert.Equal(t, checkoutCall{
			url:  "https://git.example.com/app.git",
			dir:  filepath.Join(ws, "src"),
			opts: source.CheckoutOptions{Branch: "main", Shallow: true},
		}, fake.calls[0])

		env := h.runner.Calls()[0].Env
		assert.Contains(t, env, "STAGEGRID_CHECKOUT_DIR="+filepath.Join(ws, "src"))
		assert.Contains(t, env, "STAGEGRID_CHECKOUT_REVISION=0a1b2c3d")
	})

	t.Run("source trigger builds the changed revision", func(t *testing.T) {
		// --- Arrange ---
		fake := &fakeCheckout{}
		h := newHarness(t, []stage.Definition{checkoutStage()}, []agent.Info{localAgent("a1")},
			withCheckout(sources, fake.checkout))

		// --- Act ---
		r := h.wait(t, h.submit(t, "build", run.Trigger{
			Kind: run.TriggerSource, Source: "app", Branch: "release", Revision: "feedface",
		}))

		// --- Assert ---
		require.Equal(t, run.Succeeded, r.Status)
		assert.Equal(t, "feedface", r.Revision)
		require.Len(t, fake.calls, 1)
		assert.Equal(t, source.CheckoutOptions{Branch: "release", Revision: "feedface", Shallow: true}, fake.calls[0].opts)
	})

	t.Run("failed checkout fails the run before any step", func(t *testing.T) {
		// --- Arrange ---
		fake := &fakeCheckout{err: errors.New("repository not found")}
		h := newHarness(t, []stage.Definition{checkoutStage()}, []agent.Info{localAgent("a1")},
			withCheckout(sources, fake.checkout))

		// --- Act ---
		r := h.wait(t, h.submit(t, "build", run.Trigger{}))

		// --- Assert ---
		assert.Equal(t, run.Failed, r.Status)
		require.NotNil(t, r.Failure)
		assert.Equal(t, run.FailureInputs, r.Failure.Kind)
		assert.Contains(t, r.Failure.Message, "repository not found")
		assert.Empty(t, h.runner.Commands())
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := New(Config{WorkRoot: t.TempDir()}, []stage.Definition{checkoutStage()}, Deps{
			Store:     runstore.NewMemory(),
			Artifacts: artifact.NewStore(artifact.NewMemoryBackend()),
			Agents:    agent.NewRegistry(0),
			Executor:  executor.New(testutil.NewScriptedRunner(), nil),
		})
		assert.ErrorContains(t, err, `checkout references unknown source "app"`)
	})

	t.Run("clean destination drops checked out files", func(t *testing.T) {
		// --- Arrange ---
		build := buildStage()
		build.Requires = nil
		pkg := packageStage()
		pkg.Checkout = &stage.Checkout{Source: "app"}
		pkg.Dependencies[0].Clean = true
		fake := &fakeCheckout{files: map[string]string{"inputs/stale.txt": "old", "README": "readme"}}
		h := newHarness(t, []stage.Definition{build, pkg}, []agent.Info{localAgent("a1")},
			withCheckout(sources, fake.checkout), withKeepWorkspaces())
		h.runner.
			On("compile", testutil.Behavior{Files: map[string]string{"bin/app": "binary"}}).
			On("pack", testutil.Behavior{Files: map[string]string{"dist/app.tar": "archive"}})
		h.wait(t, h.submit(t, "build", run.Trigger{}))

		// --- Act ---
		r := h.wait(t, h.submit(t, "package", run.Trigger{}))

		// --- Assert ---
		require.Equal(t, run.Succeeded, r.Status, "failure: %+v", r.Failure)
		ws := filepath.Join(h.workRoot, "a1", r.ID)
		_, err := os.Stat(filepath.Join(ws, "inputs", "stale.txt"))
		assert.True(t, os.IsNotExist(err), "destination must be emptied before materializing")
		_, err = os.Stat(filepath.Join(ws, "inputs", "app"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(ws, "README"))
		assert.NoError(t, err, "files outside the destination stay")
	})
}
