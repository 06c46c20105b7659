package stage

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Interpreter selects the shell a step's command is handed to.
type Interpreter string

const (
	Shell      Interpreter = "sh"
	Bash       Interpreter = "bash"
	PowerShell Interpreter = "powershell"
	Pwsh       Interpreter = "pwsh"
	Cmd        Interpreter = "cmd"
)

// Valid reports whether the interpreter is one the executor knows how to invoke.
func (i Interpreter) Valid() bool {
	switch i {
	case Shell, Bash, PowerShell, Pwsh, Cmd:
		return true
	}
	return false
}

// OnBusy controls what Submit does when a stage is at its concurrency limit.
type OnBusy string

const (
	Queue  OnBusy = "queue"
	Reject OnBusy = "reject"
)

// PublishPolicy controls when a run's artifacts are collected.
type PublishPolicy string

const (
	PublishOnSuccess PublishPolicy = "on_success"
	PublishAlways    PublishPolicy = "always"
)

// MissingPolicy controls how an artifact rule that matched nothing is treated.
type MissingPolicy string

const (
	MissingFail MissingPolicy = "fail"
	MissingWarn MissingPolicy = "warn"
)

// SelectionKind names the rule used to pick an upstream run.
type SelectionKind string

const (
	LastSuccessful SelectionKind = "last_successful"
	SpecificRun    SelectionKind = "run"
)

// Selection picks which upstream run a dependency is fetched from.
type Selection struct {
	Kind  SelectionKind
	RunID string
}

// TriggerKind identifies what starts a run automatically.
type TriggerKind string

const (
	UpstreamFinished TriggerKind = "upstream"
	SourceChanged    TriggerKind = "source"
)

// Step is a single opaque command. Only its exit status is observed.
type Step struct {
	Name        string
	Interpreter Interpreter
	Command     string
	WorkingDir  string
	Env         map[string]string
	Disabled    bool
}

// ArtifactDependency pulls files produced by an upstream stage into this
// stage's workspace before its steps run. With a Destination, files land
// below it relative to the literal prefix of Pattern, so "bin/**" into
// "inputs" turns bin/app into inputs/app. Without one they keep their
// published paths. Clean empties Destination first.
type ArtifactDependency struct {
	Stage       string
	Pattern     string
	Destination string
	Clean       bool
	Selection   Selection
}

// ArtifactRule declares files a stage produces. Exclude patterns are
// applied after Pattern. A Target publishes the matched files below that
// directory instead of at their workspace paths.
type ArtifactRule struct {
	Pattern string
	Exclude []string
	Target  string
}

// Published returns the pattern the rule's files are stored under.
func (r ArtifactRule) Published() string {
	if r.Target == "" {
		return r.Pattern
	}
	base := Base(r.Pattern)
	rest := strings.TrimPrefix(strings.TrimPrefix(path.Clean(r.Pattern), base), "/")
	if rest == "" {
		return path.Clean(r.Target)
	}
	return path.Join(r.Target, rest)
}

// Checkout clones a source into the workspace before dependencies are
// materialized. The revision is the one that triggered the run when the
// trigger came from the same source, the branch head otherwise.
type Checkout struct {
	Source string
	// Dir is relative to the workspace. Empty means the workspace root.
	Dir string
	// Branch is checked out when the run was not triggered by Source.
	// Empty means the remote HEAD.
	Branch  string
	Shallow bool
}

// Trigger starts a run of the owning stage automatically.
type Trigger struct {
	Kind TriggerKind

	// Upstream trigger fields.
	Stage         string
	IncludeFailed bool

	// Source trigger fields. Branches holds "+:glob" and "-:glob" rules.
	Source   string
	Branches []string
}

// Definition is a named, versioned unit of work. Definitions are immutable
// once a graph has been built from them.
type Definition struct {
	ID           string
	Name         string
	Requires     []string
	Steps        []Step
	Dependencies []ArtifactDependency
	Artifacts    []ArtifactRule
	Triggers     []Trigger
	Checkout     *Checkout

	// Concurrency is the maximum number of simultaneously running runs.
	// Zero means unlimited.
	Concurrency int
	OnBusy      OnBusy
	MaxDuration time.Duration
	Publish     PublishPolicy
	OnMissing   MissingPolicy

	Env    map[string]string
	Params map[string]string
}

// Normalize fills in defaults for unset policy fields.
func (d *Definition) Normalize() {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.OnBusy == "" {
		d.OnBusy = Queue
	}
	if d.Publish == "" {
		d.Publish = PublishOnSuccess
	}
	if d.OnMissing == "" {
		d.OnMissing = MissingFail
	}
	for i := range d.Steps {
		if d.Steps[i].Interpreter == "" {
			d.Steps[i].Interpreter = Shell
		}
		if d.Steps[i].Name == "" {
			d.Steps[i].Name = fmt.Sprintf("step-%d", i+1)
		}
	}
	for i := range d.Dependencies {
		if d.Dependencies[i].Selection.Kind == "" {
			if d.Dependencies[i].Selection.RunID != "" {
				d.Dependencies[i].Selection.Kind = SpecificRun
			} else {
				d.Dependencies[i].Selection.Kind = LastSuccessful
			}
		}
	}
}

// Validate checks the definition in isolation. Cross-stage references are
// checked when the graph is built.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errors.New("stage id must not be empty")
	}

	var errs []error
	if d.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative, got %d", d.Concurrency))
	}
	if d.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("max duration must not be negative, got %s", d.MaxDuration))
	}
	switch d.OnBusy {
	case Queue, Reject:
	default:
		errs = append(errs, fmt.Errorf("unknown on_busy policy %q", d.OnBusy))
	}
	switch d.Publish {
	case PublishOnSuccess, PublishAlways:
	default:
		errs = append(errs, fmt.Errorf("unknown publish policy %q", d.Publish))
	}
	switch d.OnMissing {
	case MissingFail, MissingWarn:
	default:
		errs = append(errs, fmt.Errorf("unknown missing-artifacts policy %q", d.OnMissing))
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if _, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = struct{}{}
		if !s.Interpreter.Valid() {
			errs = append(errs, fmt.Errorf("step %q: unknown interpreter %q", s.Name, s.Interpreter))
		}
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("step %q: command must not be empty", s.Name))
		}
	}

	for _, dep := range d.Dependencies {
		if dep.Stage == "" {
			errs = append(errs, errors.New("artifact dependency without a producing stage"))
			continue
		}
		if dep.Stage == d.ID {
			errs = append(errs, fmt.Errorf("stage depends on its own artifacts %q", dep.Pattern))
		}
		if err := ValidatePattern(dep.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("dependency on %q: %w", dep.Stage, err))
		}
		if dep.Selection.Kind == SpecificRun && dep.Selection.RunID == "" {
			errs = append(errs, fmt.Errorf("dependency on %q selects a specific run but names none", dep.Stage))
		}
		if err := ValidateDir(dep.Destination); err != nil {
			errs = append(errs, fmt.Errorf("dependency on %q destination: %w", dep.Stage, err))
		}
		if dep.Clean && (dep.Destination == "" || path.Clean(dep.Destination) == ".") {
			errs = append(errs, fmt.Errorf("dependency on %q cleans its destination but names none", dep.Stage))
		}
	}

	for _, rule := range d.Artifacts {
		if err := ValidatePattern(rule.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("artifact rule: %w", err))
		}
		for _, ex := range rule.Exclude {
			if err := ValidatePattern(ex); err != nil {
				errs = append(errs, fmt.Errorf("artifact rule %q exclude: %w", rule.Pattern, err))
			}
		}
		if err := ValidateDir(rule.Target); err != nil {
			errs = append(errs, fmt.Errorf("artifact rule %q target: %w", rule.Pattern, err))
		}
	}

	if c := d.Checkout; c != nil {
		if c.Source == "" {
			errs = append(errs, errors.New("checkout without a source"))
		}
		if err := ValidateDir(c.Dir); err != nil {
			errs = append(errs, fmt.Errorf("checkout directory: %w", err))
		}
	}

	for _, t := range d.Triggers {
		switch t.Kind {
		case UpstreamFinished:
			if t.Stage == "" {
				errs = append(errs, errors.New("upstream trigger without a stage"))
			} else if t.Stage == d.ID {
				errs = append(errs, errors.New("upstream trigger on the stage itself"))
			}
		case SourceChanged:
			if t.Source == "" {
				errs = append(errs, errors.New("source trigger without a source"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown trigger kind %q", t.Kind))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stage %q: %w", d.ID, err)
	}
	return nil
}

// Produces reports whether any of the stage's artifact rules can match files
// selected by pattern.
func (d *Definition) Produces(pattern string) bool {
	for _, rule := range d.Artifacts {
		if Overlaps(rule.Published(), pattern) {
			return true
		}
	}
	return false
}

// Satisfies reports whether capabilities is a superset of requires.
func Satisfies(capabilities, requires []string) bool {
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[c] = struct{}{}
	}
	for _, r := range requires {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
