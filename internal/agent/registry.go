// Package agent tracks the execution hosts that runs are scheduled onto.
//
// Agents register with a set of capability labels and keep themselves alive
// with heartbeats. An agent runs at most one run at a time. An agent that
// misses its heartbeat deadline is marked offline and the run bound to it is
// reported as lost; lost runs are never retried automatically.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vk/stagegrid/internal/stage"
)

// State is the availability of an agent.
type State string

const (
	Idle    State = "idle"
	Busy    State = "busy"
	Offline State = "offline"
)

var (
	// ErrUnknownAgent is returned for operations on unregistered agents.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentLost is the cause recorded on a run whose agent stopped
	// heartbeating.
	ErrAgentLost = errors.New("agent lost")

	// ErrAttached is returned when a detached registration targets an
	// agent that runs steps in this process.
	ErrAttached = errors.New("agent is attached to this engine")
)

// Info is what an agent declares when it registers. Attached marks an agent
// whose steps this process executes itself; only attached agents are bound
// to runs. It cannot be set over the API.
type Info struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Attached     bool     `json:"-"`
}

// Agent is a snapshot of a registered agent.
type Agent struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Attached      bool      `json:"attached"`
	State         State     `json:"state"`
	Run           string    `json:"run,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Lost pairs an expired agent with the run it was executing.
type Lost struct {
	Agent string
	Run   string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the concurrency-safe set of known agents.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	timeout time.Duration
	now     func() time.Time
}

// NewRegistry creates a registry. Agents silent for longer than timeout are
// expired; a zero timeout disables expiry.
func NewRegistry(timeout time.Duration, opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]*Agent),
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent or refreshes an existing one. Re-registering an
// offline agent brings it back as idle; a busy agent keeps its run. A
// detached registration cannot take over an attached agent.
func (r *Registry) Register(info Info) (Agent, error) {
	if info.ID == "" {
		return Agent{}, errors.New("agent id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	caps := slices.Clone(info.Capabilities)
	sort.Strings(caps)

	a, ok := r.agents[info.ID]
	if ok && a.Attached && !info.Attached {
		return Agent{}, fmt.Errorf("register %s: %w", info.ID, ErrAttached)
	}
	if !ok {
		a = &Agent{ID: info.ID, State: Idle, RegisteredAt: now}
		r.agents[info.ID] = a
	}
	a.Attached = info.Attached
	a.Capabilities = caps
	a.LastHeartbeat = now
	if a.State == Offline {
		a.State = Idle
		a.Run = ""
	}
	return snapshot(a), nil
}

// Deregister removes an idle or offline agent.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("deregister %s: %w", id, ErrUnknownAgent)
	}
	if a.State == Busy {
		return fmt.Errorf("deregister %s: agent is running %s", id, a.Run)
	}
	delete(r.agents, id)
	return nil
}

// Heartbeat records that the agent is alive.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrUnknownAgent)
	}
	a.LastHeartbeat = r.now()
	if a.State == Offline {
		a.State = Idle
		a.Run = ""
	}
	return nil
}

// CapabilitiesOf returns the capability labels of an agent.
func (r *Registry) CapabilitiesOf(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("capabilities of %s: %w", id, ErrUnknownAgent)
	}
	return slices.Clone(a.Capabilities), nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("get %s: %w", id, ErrUnknownAgent)
	}
	return snapshot(a), nil
}

// List returns snapshots of all agents ordered by ID.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, snapshot(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Acquire binds runID to an idle attached agent whose capabilities are a
// superset of requires. Candidates are tried in ID order. The check and the
// binding are one atomic step.
func (r *Registry) Acquire(requires []string, runID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a := r.agents[id]
		if !a.Attached || a.State != Idle || !stage.Satisfies(a.Capabilities, requires) {
			continue
		}
		a.State = Busy
		a.Run = runID
		return snapshot(a), true
	}
	return Agent{}, false
}

// Eligible reports whether any attached, non-offline agent could ever run
// a stage with these requirements.
func (r *Registry) Eligible(requires []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		if a.Attached && a.State != Offline && stage.Satisfies(a.Capabilities, requires) {
			return true
		}
	}
	return false
}

// Release frees an agent bound to runID. Releasing an agent that has since
// gone offline or moved on to another run is a no-op.
func (r *Registry) Release(id, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok || a.Run != runID || a.State != Busy {
		return
	}
	a.State = Idle
	a.Run = ""
}

// Expire marks agents whose last heartbeat is older than the timeout as
// offline and returns the runs they were executing.
func (r *Registry) Expire() []Lost {
	if r.timeout <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var lost []Lost
	for _, a := range r.agents {
		if a.State == Offline || now.Sub(a.LastHeartbeat) <= r.timeout {
			continue
		}
		if a.Run != "" {
			lost = append(lost, Lost{Agent: a.ID, Run: a.Run})
		}
		a.State = Offline
		a.Run = ""
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].Agent < lost[j].Agent })
	return lost
}

// minKeepAlive bounds how often KeepAlive heartbeats.
const minKeepAlive = time.Millisecond

// KeepAlive heartbeats for an in-process agent until ctx is done. Intervals
// below one millisecond are raised to it.
func (r *Registry) KeepAlive(ctx context.Context, id string, interval time.Duration) error {
	ticker := time.NewTicker(max(interval, minKeepAlive))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Heartbeat(id); err != nil {
				return err
			}
		}
	}
}

// Run expires silent agents every interval and hands their lost runs to
// onLost until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onLost func([]Lost)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lost := r.Expire(); len(lost) > 0 && onLost != nil {
				onLost(lost)
			}
		}
	}
}

func snapshot(a *Agent) Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return c
}
