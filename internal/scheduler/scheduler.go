package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/dag"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/runstore"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/stage"
)

// Executor runs the steps of one job.
type Executor interface {
	Run(ctx context.Context, job executor.Job) ([]run.StepResult, error)
}

// Recorder receives run lifecycle measurements.
type Recorder interface {
	RunSubmitted(ctx context.Context, stageID string)
	RunFinished(ctx context.Context, r run.Run)
}

type nopRecorder struct{}

func (nopRecorder) RunSubmitted(context.Context, string) {}
func (nopRecorder) RunFinished(context.Context, run.Run) {}

// Event is published after every run status change.
type Event struct {
	Run run.Run
}

// Listener observes run events. It is called outside the scheduler lock, in
// the order the changes happened for a given run.
type Listener func(ctx context.Context, ev Event)

// Config holds the scheduler's tunables.
type Config struct {
	// WorkRoot holds run workspaces at <WorkRoot>/<agent>/<run>.
	WorkRoot string
	// Tick is the dispatch interval of Run. Submissions and finished runs
	// also wake the dispatcher immediately.
	Tick time.Duration
	// AgentCheck is how often silent agents are expired. Defaults to Tick.
	AgentCheck time.Duration
	Retention  runstore.Retention
	// PruneEvery is how often Run applies the retention policy. Zero
	// disables periodic pruning.
	PruneEvery time.Duration
	// KeepWorkspaces leaves run workspaces on disk after the run finishes.
	KeepWorkspaces bool
}

// Deps are the collaborators a scheduler drives.
type Deps struct {
	Store     runstore.Store
	Artifacts *artifact.Store
	Agents    *agent.Registry
	Executor  Executor
	// Sources maps source names to repository URLs for stage checkouts.
	Sources map[string]string
}

// CheckoutFunc clones a repository into a workspace directory and returns
// the commit it checked out.
type CheckoutFunc func(ctx context.Context, url, dir string, opts source.CheckoutOptions) (string, error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithIDGenerator replaces the run ID generator.
func WithIDGenerator(next func() string) Option {
	return func(s *Scheduler) { s.newID = next }
}

// WithCheckout replaces the git checkout used for stages with a checkout.
func WithCheckout(fn CheckoutFunc) Option {
	return func(s *Scheduler) { s.checkout = fn }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

type activeRun struct {
	run    *run.Run
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler owns the run queue and the lifecycle of every run.
type Scheduler struct {
	cfg       Config
	defs      map[string]stage.Definition
	graph     *dag.Graph
	store     runstore.Store
	artifacts *artifact.Store
	agents    *agent.Registry
	exec      Executor
	sources   map[string]string
	checkout  CheckoutFunc
	recorder  Recorder
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	queue     []string
	active    map[string]*activeRun
	running   map[string]int
	byEvent   map[string]string
	listeners []Listener
	wg        sync.WaitGroup

	wake chan struct{}
}

// New builds the dependency graph of defs and returns a scheduler for it.
// Definitions are normalized and validated; any error aborts construction.
func New(cfg Config, defs []stage.Definition, deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Store == nil || deps.Artifacts == nil || deps.Agents == nil || deps.Executor == nil {
		return nil, errors.New("scheduler: store, artifacts, agents and executor are required")
	}

	normalized := make([]stage.Definition, len(defs))
	for i, d := range defs {
		d.Normalize()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if d.Checkout != nil {
			if _, ok := deps.Sources[d.Checkout.Source]; !ok {
				return nil, fmt.Errorf("stage %q: checkout references unknown source %q", d.ID, d.Checkout.Source)
			}
		}
		normalized[i] = d
	}
	g, err := dag.Build(normalized)
	if err != nil {
		return nil, err
	}
	if err := dag.CheckTriggers(normalized); err != nil {
		return nil, err
	}

	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(".stagegrid", "work")
	}
	if cfg.WorkRoot, err = filepath.Abs(cfg.WorkRoot); err != nil {
		return nil, fmt.Errorf("scheduler: work root: %w", err)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.AgentCheck <= 0 {
		cfg.AgentCheck = cfg.Tick
	}

	s := &Scheduler{
		cfg:       cfg,
		defs:      make(map[string]stage.Definition, len(normalized)),
		graph:     g,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		agents:    deps.Agents,
		exec:      deps.Executor,
		sources:   deps.Sources,
		checkout:  source.Checkout,
		recorder:  nopRecorder{},
		now:       time.Now,
		newID:     uuid.NewString,
		active:    make(map[string]*activeRun),
		running:   make(map[string]int),
		byEvent:   make(map[string]string),
		wake:      make(chan struct{}, 1),
	}
	for _, d := range normalized {
		s.defs[d.ID] = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Graph returns the dependency graph of the loaded stages.
func (s *Scheduler) Graph() *dag.Graph {
	return s.graph
}

// Stages returns the loaded definitions in execution order.
func (s *Scheduler) Stages() []stage.Definition {
	order, err := s.graph.Order()
	if err != nil {
		// The graph was checked for cycles when it was built.
		panic(err)
	}
	out := make([]stage.Definition, 0, len(order))
	for _, id := range order {
		out = append(out, s.defs[id])
	}
	return out
}

// Definition returns the definition of a stage.
func (s *Scheduler) Definition(id string) (stage.Definition, bool) {
	d, ok := s.defs[id]
	return d, ok
}

// Subscribe registers a listener for run events.
func (s *Scheduler) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func eventKey(stageID, eventID string) string {
	return stageID + "\x00" + eventID
}

// Submit queues a run of stageID. A trigger whose event ID matches a queued
// or running run of the same stage returns that run instead of a new one.
func (s *Scheduler) Submit(ctx context.Context, stageID string, trigger run.Trigger) (string, error) {
	logger := ctxlog.FromContext(ctx).With("stage", stageID)

	def, ok := s.defs[stageID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	if trigger.Kind == "" {
		trigger.Kind = run.TriggerManual
	}

	s.mu.Lock()

	if trigger.EventID != "" {
		if existing, ok := s.byEvent[eventKey(stageID, trigger.EventID)]; ok {
			s.mu.Unlock()
			logger.Debug("Duplicate trigger event, returning existing run.", "event_id", trigger.EventID, "run_id", existing)
			return existing, nil
		}
	}

	inputs, err := s.pinInputs(ctx, def, trigger)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	if def.Concurrency > 0 && def.OnBusy == stage.Reject && s.occupied(stageID) >= def.Concurrency {
		s.mu.Unlock()
		logger.Warn("Run rejected, stage is at its concurrency limit.", "limit", def.Concurrency)
		return "", fmt.Errorf("%w: %s allows %d", ErrConcurrencyLimit, stageID, def.Concurrency)
	}

	r := &run.Run{
		ID:       s.newID(),
		Stage:    stageID,
		Status:   run.Queued,
		Trigger:  trigger,
		Inputs:   inputs,
		QueuedAt: s.now(),
	}
	if err := s.store.Create(ctx, *r); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("store run: %w", err)
	}

	s.active[r.ID] = &activeRun{run: r, done: make(chan struct{})}
	s.queue = append(s.queue, r.ID)
	if trigger.EventID != "" {
		s.byEvent[eventKey(stageID, trigger.EventID)] = r.ID
	}
	snapshot := r.Clone()
	s.mu.Unlock()

	if !s.agents.Eligible(def.Requires) {
		logger.Warn("No registered agent can run this stage yet.", "requires", def.Requires)
	}
	logger.Info("Run queued.", "run_id", r.ID, "trigger", trigger.Kind)

	s.recorder.RunSubmitted(ctx, stageID)
	s.emit(ctx, snapshot)
	s.signal()
	return r.ID, nil
}

// occupied counts queued and running runs of a stage. Callers hold s.mu.
func (s *Scheduler) occupied(stageID string) int {
	n := 0
	for _, ar := range s.active {
		if ar.run.Stage == stageID {
			n++
		}
	}
	return n
}

// pinInputs resolves the upstream run of every dependency. Callers hold s.mu.
func (s *Scheduler) pinInputs(ctx context.Context, def stage.Definition, trigger run.Trigger) (map[string]string, error) {
	if len(def.Dependencies) == 0 {
		return nil, nil
	}

	inputs := make(map[string]string)
	for _, dep := range def.Dependencies {
		runID, err := s.resolve(ctx, def.ID, dep, trigger)
		if err != nil {
			return nil, err
		}
		if pinned, ok := inputs[dep.Stage]; ok && pinned != runID {
			return nil, &UnresolvedDependencyError{
				Stage:     def.ID,
				Producer:  dep.Stage,
				Selection: dep.Selection,
				Reason:    fmt.Sprintf("conflicts with run %s selected by another dependency", pinned),
			}
		}
		inputs[dep.Stage] = runID

		for _, ar := range s.active {
			if ar.run.Stage == dep.Stage {
				ctxlog.FromContext(ctx).Warn("Pinned input may be superseded by an in-flight run.",
					"stage", def.ID, "producer", dep.Stage, "pinned_run", runID, "in_flight_run", ar.run.ID)
				break
			}
		}
	}
	return inputs, nil
}

func (s *Scheduler) resolve(ctx context.Context, consumer string, dep stage.ArtifactDependency, trigger run.Trigger) (string, error) {
	unresolved := func(reason string, err error) error {
		return &UnresolvedDependencyError{Stage: consumer, Producer: dep.Stage, Selection: dep.Selection, Reason: reason, Err: err}
	}

	if dep.Selection.Kind == stage.SpecificRun {
		r, err := s.store.Get(ctx, dep.Selection.RunID)
		switch {
		case errors.Is(err, runstore.ErrNotFound):
			return "", unresolved("run does not exist", nil)
		case err != nil:
			return "", unresolved("", err)
		case r.Stage != dep.Stage:
			return "", unresolved(fmt.Sprintf("run belongs to stage %s", r.Stage), nil)
		case r.Status != run.Succeeded:
			return "", unresolved(fmt.Sprintf("run is %s", r.Status), nil)
		}
		return r.ID, nil
	}

	// A run fired by the producer's completion consumes exactly that run.
	if trigger.Kind == run.TriggerUpstream && trigger.UpstreamStage == dep.Stage && trigger.UpstreamRun != "" {
		r, err := s.store.Get(ctx, trigger.UpstreamRun)
		if err == nil && r.Status == run.Succeeded {
			return r.ID, nil
		}
	}

	r, err := s.store.LastSuccessful(ctx, dep.Stage)
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		return "", unresolved("", nil)
	case err != nil:
		return "", unresolved("", err)
	}
	return r.ID, nil
}

// Cancel stops a run. A queued run is removed from the queue. A running run
// has its context canceled and Cancel returns once the run has finished and
// its agent is released. A stored run left unfinished by a previous engine
// process is canceled in place.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	logger := ctxlog.FromContext(ctx).With("run_id", runID)

	s.mu.Lock()
	ar, ok := s.active[runID]
	if !ok {
		closed, err := s.closeOrphan(ctx, runID, &run.Failure{
			Kind:    run.FailureCanceled,
			Message: "canceled after the engine that queued it stopped",
		})
		s.mu.Unlock()
		switch {
		case errors.Is(err, runstore.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		case err != nil:
			return err
		case closed == nil:
			return fmt.Errorf("%w: %s", ErrRunFinished, runID)
		}
		logger.Info("Orphaned run canceled.")
		s.recorder.RunFinished(ctx, *closed)
		s.emit(ctx, *closed)
		return nil
	}

	if ar.run.Status == run.Queued {
		s.queue = slices.DeleteFunc(s.queue, func(id string) bool { return id == runID })
		r := ar.run
		if err := r.Transition(run.Canceled, s.now()); err != nil {
			s.mu.Unlock()
			return err
		}
		r.Failure = &run.Failure{Kind: run.FailureCanceled, Message: "canceled before it started"}
		err := s.store.Update(context.WithoutCancel(ctx), r.Clone())
		s.forget(r)
		snapshot := r.Clone()
		s.mu.Unlock()

		if err != nil {
			logger.Error("Failed to store canceled run.", "error", err)
		}
		logger.Info("Queued run canceled.")
		s.recorder.RunFinished(ctx, snapshot)
		s.emit(ctx, snapshot)
		close(ar.done)
		return nil
	}

	ar.cancel(ErrCanceled)
	s.mu.Unlock()

	logger.Info("Canceling running run.")
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeOrphan cancels a stored run that is neither terminal nor owned by
// this scheduler. It returns nil when the run is already terminal. Callers
// hold s.mu and must not hold a stale copy of the run.
func (s *Scheduler) closeOrphan(ctx context.Context, runID string, failure *run.Failure) (*run.Run, error) {
	r, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, nil
	}
	if err := r.Transition(run.Canceled, s.now()); err != nil {
		return nil, err
	}
	r.Failure = failure
	if err := s.store.Update(context.WithoutCancel(ctx), r.Clone()); err != nil {
		return nil, fmt.Errorf("store canceled run: %w", err)
	}
	return &r, nil
}

// Recover cancels stored runs that are queued or running but not owned by
// this scheduler, as left behind when a previous engine process stopped.
// Run calls it before the first dispatch. It returns the number of runs
// closed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	logger := ctxlog.FromContext(ctx)

	runs, err := s.store.List(ctx, runstore.Filter{Statuses: []run.Status{run.Queued, run.Running}})
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}

	var closed []run.Run
	for _, r := range runs {
		s.mu.Lock()
		if _, ok := s.active[r.ID]; ok {
			s.mu.Unlock()
			continue
		}
		c, err := s.closeOrphan(ctx, r.ID, &run.Failure{
			Kind:    run.FailureInterrupted,
			Message: fmt.Sprintf("engine stopped while the run was %s", r.Status),
		})
		s.mu.Unlock()
		if err != nil && !errors.Is(err, runstore.ErrNotFound) {
			return len(closed), err
		}
		if c != nil {
			logger.Warn("Interrupted run closed.", "run_id", c.ID, "stage", c.Stage)
			closed = append(closed, *c)
		}
	}

	for _, r := range closed {
		s.recorder.RunFinished(ctx, r)
		s.emit(ctx, r)
	}
	return len(closed), nil
}

// forget drops a finished run from the in-memory indexes. Callers hold s.mu.
func (s *Scheduler) forget(r *run.Run) {
	delete(s.active, r.ID)
	if r.Trigger.EventID != "" {
		key := eventKey(r.Stage, r.Trigger.EventID)
		if s.byEvent[key] == r.ID {
			delete(s.byEvent, key)
		}
	}
}

// Get returns a run by ID.
func (s *Scheduler) Get(ctx context.Context, runID string) (run.Run, error) {
	s.mu.Lock()
	if ar, ok := s.active[runID]; ok {
		r := ar.run.Clone()
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	r, err := s.store.Get(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return run.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// List returns stored runs, newest first.
func (s *Scheduler) List(ctx context.Context, f runstore.Filter) ([]run.Run, error) {
	return s.store.List(ctx, f)
}

// Wait blocks until the run reaches a terminal state and returns it.
func (s *Scheduler) Wait(ctx context.Context, runID string) (run.Run, error) {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()

	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return run.Run{}, ctx.Err()
		}
	}
	return s.Get(ctx, runID)
}

// Fetch lists the artifacts of the upstream run chosen by selection.
func (s *Scheduler) Fetch(ctx context.Context, stageID string, selection stage.Selection) ([]artifact.File, error) {
	if _, ok := s.defs[stageID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	if selection.Kind == "" {
		selection.Kind = stage.LastSuccessful
	}
	runID, err := s.resolve(ctx, "", stage.ArtifactDependency{Stage: stageID, Selection: selection}, run.Trigger{})
	if err != nil {
		return nil, err
	}
	return s.artifacts.Files(ctx, runID, "")
}

// Prune applies the retention policy, deleting runs and their artifacts.
// Upstream runs pinned by unfinished runs or named by a specific-run
// dependency are kept. It returns the number of runs removed.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	if !s.cfg.Retention.Enabled() {
		return 0, nil
	}
	logger := ctxlog.FromContext(ctx)

	// Submit pins inputs under s.mu, so selection and deletion happen under
	// it too.
	s.mu.Lock()
	runs, err := s.store.List(ctx, runstore.Filter{})
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("list runs: %w", err)
	}
	ids := runstore.Prunable(runs, s.cfg.Retention, s.now(), s.pinned()...)
	if len(ids) > 0 {
		err = s.store.Delete(ctx, ids...)
	}
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if err := s.artifacts.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("delete artifacts of run %s: %w", id, err)
		}
	}
	logger.Info("Pruned run history.", "count", len(ids))
	return len(ids), nil
}

// pinned lists the upstream runs that must outlive pruning. Callers hold
// s.mu.
func (s *Scheduler) pinned() []string {
	var ids []string
	for _, ar := range s.active {
		for _, upstream := range ar.run.Inputs {
			ids = append(ids, upstream)
		}
	}
	for _, def := range s.defs {
		for _, dep := range def.Dependencies {
			if dep.Selection.Kind == stage.SpecificRun {
				ids = append(ids, dep.Selection.RunID)
			}
		}
	}
	return ids
}

func (s *Scheduler) emit(ctx context.Context, r run.Run) {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ctx, Event{Run: r})
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
