// Package run defines a single execution of a stage and the state machine
// it moves through.
package run

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Canceled  Status = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Canceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Queued, Running, Succeeded, Failed, Canceled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	Queued:  {Running, Canceled},
	Running: {Succeeded, Failed, Canceled},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError is returned for a forbidden status change.
type TransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

// FailureKind classifies why a run did not succeed.
type FailureKind string

const (
	FailureStep             FailureKind = "step_failed"
	FailureAgentLost        FailureKind = "agent_lost"
	FailureTimeout          FailureKind = "timeout"
	FailureCanceled         FailureKind = "canceled"
	FailureArtifactMismatch FailureKind = "artifact_mismatch"
	FailureInputs           FailureKind = "inputs"
	FailureInternal         FailureKind = "internal"

	// FailureInterrupted closes out runs left unfinished by a previous
	// engine process.
	FailureInterrupted FailureKind = "interrupted"
)

// Failure is the operator-facing reason a run failed or was canceled.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// TriggerKind identifies what caused a run to be submitted.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerUpstream TriggerKind = "upstream"
	TriggerSource   TriggerKind = "source"
)

// Trigger records why a run exists. EventID de-duplicates submissions that
// originate from the same event.
type Trigger struct {
	Kind    TriggerKind `json:"kind"`
	EventID string      `json:"event_id,omitempty"`

	UpstreamStage string `json:"upstream_stage,omitempty"`
	UpstreamRun   string `json:"upstream_run,omitempty"`

	Source   string `json:"source,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Revision string `json:"revision,omitempty"`

	Params map[string]string `json:"params,omitempty"`
}

// StepResult is the observed outcome of one step.
type StepResult struct {
	Name       string    `json:"name"`
	ExitCode   int       `json:"exit_code"`
	Skipped    bool      `json:"skipped,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Artifact is one published file in a run's manifest.
type Artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Run is one execution of a stage.
type Run struct {
	ID      string  `json:"id"`
	Stage   string  `json:"stage"`
	Status  Status  `json:"status"`
	Agent   string  `json:"agent,omitempty"`
	Trigger Trigger `json:"trigger"`

	// Inputs pins the upstream run chosen for each producing stage.
	Inputs map[string]string `json:"inputs,omitempty"`
	// Revision is the source commit checked out into the workspace.
	Revision string `json:"revision,omitempty"`

	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Steps     []StepResult `json:"steps,omitempty"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	Failure   *Failure     `json:"failure,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Transition moves the run to the given status, stamping the matching
// timestamp. Terminal states are final.
func (r *Run) Transition(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{RunID: r.ID, From: r.Status, To: to}
	}
	r.Status = to
	switch {
	case to == Running:
		r.StartedAt = at
	case to.Terminal():
		r.FinishedAt = at
	}
	return nil
}

// Duration is the time the run spent running, or zero if it never started
// or has not finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy so stored runs are never aliased by callers.
func (r Run) Clone() Run {
	c := r
	c.Trigger.Params = maps.Clone(r.Trigger.Params)
	c.Inputs = maps.Clone(r.Inputs)
	c.Steps = slices.Clone(r.Steps)
	c.Artifacts = slices.Clone(r.Artifacts)
	c.Warnings = slices.Clone(r.Warnings)
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	return c
}
