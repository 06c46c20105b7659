package yamlconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/stage"
)

// Extensions handled by Loader.
var Extensions = []string{".yaml", ".yml"}

type document struct {
	Stages    []stageDoc    `yaml:"stages"`
	Templates []templateDoc `yaml:"templates"`
	Agents    []agentDoc    `yaml:"agents"`
	Sources   []sourceDoc   `yaml:"sources"`
}

type templateDoc struct {
	Name   string        `yaml:"name"`
	Matrix config.Matrix `yaml:"matrix"`
	Stage  yaml.Node     `yaml:"stage"`
}

type stageDoc struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Requires    []string          `yaml:"requires"`
	Concurrency int               `yaml:"concurrency"`
	OnBusy      string            `yaml:"on_busy"`
	MaxDuration string            `yaml:"max_duration"`
	Publish     string            `yaml:"publish"`
	OnMissing   string            `yaml:"on_missing_artifacts"`
	Env         map[string]string `yaml:"env"`
	Params      map[string]string `yaml:"params"`
	Steps       []stepDoc         `yaml:"steps"`
	Artifacts   []artifactDoc     `yaml:"artifacts"`
	DependsOn   []dependsOnDoc    `yaml:"depends_on"`
	Triggers    []triggerDoc      `yaml:"triggers"`
	Checkout    *checkoutDoc      `yaml:"checkout"`
}

type stepDoc struct {
	Name        string            `yaml:"name"`
	Interpreter string            `yaml:"interpreter"`
	Command     string            `yaml:"command"`
	WorkingDir  string            `yaml:"working_dir"`
	Env         map[string]string `yaml:"env"`
	Enabled     *bool             `yaml:"enabled"`
}

type artifactDoc struct {
	Pattern string   `yaml:"pattern"`
	Exclude []string `yaml:"exclude"`
	Target  string   `yaml:"target"`
}

type dependsOnDoc struct {
	Stage string `yaml:"stage"`
	Path  string `yaml:"path"`
	Into  string `yaml:"into"`
	Clean bool   `yaml:"clean"`
	Run   string `yaml:"run"`
}

type checkoutDoc struct {
	Source  string `yaml:"source"`
	Into    string `yaml:"into"`
	Branch  string `yaml:"branch"`
	Shallow bool   `yaml:"shallow"`
}

type triggerDoc struct {
	Kind          string   `yaml:"kind"`
	Stage         string   `yaml:"stage"`
	IncludeFailed bool     `yaml:"include_failed"`
	Source        string   `yaml:"source"`
	Branches      []string `yaml:"branches"`
}

type agentDoc struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
}

type sourceDoc struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Interval string `yaml:"interval"`
}

// Loader is the YAML implementation of config.Loader.
type Loader struct{}

// NewLoader creates a new YAML configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .yaml and .yml file found under paths.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("YAML loader started.", "path_count", len(paths))

	files, err := config.FindFiles(paths, Extensions...)
	if err != nil {
		return nil, err
	}

	model := &config.Model{}
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		m, err := l.Parse(ctx, file, src)
		if err != nil {
			return nil, err
		}
		model.Merge(m)
	}

	logger.Debug("YAML loading complete.", "files", len(files), "stages", len(model.Stages))
	return model, nil
}

// Parse decodes every document in src. Unknown fields are rejected.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte) (*config.Model, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	model := &config.Model{}
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
		}
		m, err := l.translate(ctx, &doc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
		}
		model.Merge(m)
	}
	return model, nil
}

func (l *Loader) translate(ctx context.Context, doc *document) (*config.Model, error) {
	model := &config.Model{}
	for _, s := range doc.Stages {
		def, err := translateStage(s, nil)
		if err != nil {
			return nil, err
		}
		model.Stages = append(model.Stages, def)
	}
	for _, t := range doc.Templates {
		defs, err := expandTemplate(ctx, t)
		if err != nil {
			return nil, err
		}
		model.Stages = append(model.Stages, defs...)
	}
	for _, a := range doc.Agents {
		model.Agents = append(model.Agents, agent.Info{ID: a.ID, Capabilities: a.Capabilities})
	}
	for _, s := range doc.Sources {
		interval, err := config.ParseDuration("interval", s.Interval)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.Name, err)
		}
		model.Sources = append(model.Sources, config.Source{Name: s.Name, URL: s.URL, Interval: interval})
	}
	return model, nil
}

var matrixRef = regexp.MustCompile(`\$\{\s*matrix\.([A-Za-z0-9_-]+)\s*\}`)

func expandTemplate(ctx context.Context, t templateDoc) ([]stage.Definition, error) {
	if t.Stage.Kind == 0 {
		return nil, fmt.Errorf("template %q: stage must not be empty", t.Name)
	}
	combos := t.Matrix.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("template %q: matrix has no combinations", t.Name)
	}

	defs := make([]stage.Definition, 0, len(combos))
	for _, combo := range combos {
		node, err := substitute(&t.Stage, combo)
		if err != nil {
			return nil, fmt.Errorf("template %q (%s): %w", t.Name, config.Key(combo), err)
		}
		var s stageDoc
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("template %q (%s): %w", t.Name, config.Key(combo), err)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("template %q (%s): stage id must not be empty", t.Name, config.Key(combo))
		}
		def, err := translateStage(s, combo)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	ctxlog.FromContext(ctx).Debug("Expanded stage template.", "template", t.Name, "stages", len(defs))
	return defs, nil
}

// substitute returns a deep copy of n with matrix references replaced in
// every scalar. A reference to an axis the matrix lacks is an error.
func substitute(n *yaml.Node, combo map[string]string) (*yaml.Node, error) {
	out := *n
	if n.Kind == yaml.ScalarNode {
		var missing string
		out.Value = matrixRef.ReplaceAllStringFunc(n.Value, func(ref string) string {
			axis := matrixRef.FindStringSubmatch(ref)[1]
			v, ok := combo[axis]
			if !ok {
				missing = axis
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("line %d: unknown matrix axis %q", n.Line, missing)
		}
		return &out, nil
	}
	out.Content = make([]*yaml.Node, len(n.Content))
	for i, c := range n.Content {
		cc, err := substitute(c, combo)
		if err != nil {
			return nil, err
		}
		out.Content[i] = cc
	}
	return &out, nil
}

func translateStage(s stageDoc, params map[string]string) (stage.Definition, error) {
	maxDuration, err := config.ParseDuration("max_duration", s.MaxDuration)
	if err != nil {
		return stage.Definition{}, fmt.Errorf("stage %q: %w", s.ID, err)
	}

	def := stage.Definition{
		ID:          s.ID,
		Name:        s.Name,
		Requires:    s.Requires,
		Concurrency: s.Concurrency,
		OnBusy:      stage.OnBusy(s.OnBusy),
		MaxDuration: maxDuration,
		Publish:     stage.PublishPolicy(s.Publish),
		OnMissing:   stage.MissingPolicy(s.OnMissing),
		Env:         s.Env,
	}
	if len(params) > 0 || len(s.Params) > 0 {
		def.Params = maps.Clone(params)
		if def.Params == nil {
			def.Params = make(map[string]string, len(s.Params))
		}
		maps.Copy(def.Params, s.Params)
	}

	for _, st := range s.Steps {
		def.Steps = append(def.Steps, stage.Step{
			Name:        st.Name,
			Interpreter: stage.Interpreter(st.Interpreter),
			Command:     st.Command,
			WorkingDir:  st.WorkingDir,
			Env:         st.Env,
			Disabled:    st.Enabled != nil && !*st.Enabled,
		})
	}
	for _, a := range s.Artifacts {
		def.Artifacts = append(def.Artifacts, stage.ArtifactRule{Pattern: a.Pattern, Exclude: a.Exclude, Target: a.Target})
	}
	for _, d := range s.DependsOn {
		dep := stage.ArtifactDependency{Stage: d.Stage, Pattern: d.Path, Destination: d.Into, Clean: d.Clean}
		if d.Run != "" {
			dep.Selection = stage.Selection{Kind: stage.SpecificRun, RunID: d.Run}
		}
		def.Dependencies = append(def.Dependencies, dep)
	}
	if c := s.Checkout; c != nil {
		def.Checkout = &stage.Checkout{Source: c.Source, Dir: c.Into, Branch: c.Branch, Shallow: c.Shallow}
	}
	for _, t := range s.Triggers {
		def.Triggers = append(def.Triggers, stage.Trigger{
			Kind:          stage.TriggerKind(t.Kind),
			Stage:         t.Stage,
			IncludeFailed: t.IncludeFailed,
			Source:        t.Source,
			Branches:      t.Branches,
		})
	}
	return def, nil
}
