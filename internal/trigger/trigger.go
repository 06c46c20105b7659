// Package trigger turns run completions and source changes into
// submissions of the stages that declared a matching trigger.
package trigger

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/scheduler"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/stage"
)

// Submitter queues runs. *scheduler.Scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, stageID string, trigger run.Trigger) (string, error)
}

// Submission is the outcome of firing one trigger.
type Submission struct {
	Stage string `json:"stage"`
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL sets how long a fired event is remembered. Defaults to an hour.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine fires triggers. Each stage fires at most once per event.
type Engine struct {
	defs      []stage.Definition
	submitter Submitter
	ttl       time.Duration
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewEngine creates an engine for defs.
func NewEngine(defs []stage.Definition, submitter Submitter, opts ...Option) *Engine {
	e := &Engine{
		defs:      defs,
		submitter: submitter,
		ttl:       time.Hour,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleRunEvent fires upstream triggers for finished runs. It has the
// shape of a scheduler.Listener.
func (e *Engine) HandleRunEvent(ctx context.Context, ev scheduler.Event) {
	e.OnRunFinished(ctx, ev.Run)
}

// OnRunFinished submits every stage with an upstream trigger on the run's
// stage. Failed runs only fire triggers that include failures; canceled
// runs fire nothing.
func (e *Engine) OnRunFinished(ctx context.Context, r run.Run) []Submission {
	if !r.Status.Terminal() {
		return nil
	}

	var out []Submission
	for _, def := range e.defs {
		for _, t := range def.Triggers {
			if t.Kind != stage.UpstreamFinished || t.Stage != r.Stage {
				continue
			}
			if r.Status != run.Succeeded && !(t.IncludeFailed && r.Status == run.Failed) {
				continue
			}
			out = append(out, e.fire(ctx, def.ID, run.Trigger{
				Kind:          run.TriggerUpstream,
				EventID:       "upstream:" + r.ID,
				UpstreamStage: r.Stage,
				UpstreamRun:   r.ID,
				Source:        r.Trigger.Source,
				Branch:        r.Trigger.Branch,
				Revision:      r.Trigger.Revision,
				Params:        maps.Clone(r.Trigger.Params),
			}))
			break
		}
	}
	return compact(out)
}

// HandleSourceChange submits every stage with a source trigger on the
// changed source whose branch predicate accepts the branch.
func (e *Engine) HandleSourceChange(ctx context.Context, c source.Change) []Submission {
	var out []Submission
	for _, def := range e.defs {
		for _, t := range def.Triggers {
			if t.Kind != stage.SourceChanged || t.Source != c.Source || !source.MatchBranch(t.Branches, c.Branch) {
				continue
			}
			out = append(out, e.fire(ctx, def.ID, run.Trigger{
				Kind:     run.TriggerSource,
				EventID:  "source:" + c.Source + ":" + c.Branch + ":" + c.Revision,
				Source:   c.Source,
				Branch:   c.Branch,
				Revision: c.Revision,
			}))
			break
		}
	}
	return compact(out)
}

// fire submits one run unless the stage already fired for this event.
func (e *Engine) fire(ctx context.Context, stageID string, trigger run.Trigger) Submission {
	logger := ctxlog.FromContext(ctx).With("stage", stageID, "event_id", trigger.EventID)
	key := stageID + "\x00" + trigger.EventID

	e.mu.Lock()
	now := e.now()
	for k, at := range e.seen {
		if now.Sub(at) > e.ttl {
			delete(e.seen, k)
		}
	}
	if _, dup := e.seen[key]; dup {
		e.mu.Unlock()
		logger.Debug("Trigger event already handled.")
		return Submission{}
	}
	e.seen[key] = now
	e.mu.Unlock()

	id, err := e.submitter.Submit(ctx, stageID, trigger)
	if err != nil {
		// Allow a redelivery of the event to try again.
		e.mu.Lock()
		delete(e.seen, key)
		e.mu.Unlock()
		logger.Warn("Triggered submission failed.", "error", err)
		return Submission{Stage: stageID, Error: err.Error()}
	}
	logger.Info("▶️ Stage triggered.", "run_id", id, "trigger", trigger.Kind)
	return Submission{Stage: stageID, RunID: id}
}

func compact(subs []Submission) []Submission {
	out := subs[:0]
	for _, s := range subs {
		if s.Stage != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
