package hclconfig

import (
	"context"
	"fmt"
	"maps"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/stage"
)

// Extension is the file extension handled by Loader.
const Extension = ".hcl"

// Loader is the HCL implementation of config.Loader.
type Loader struct{}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file found under paths.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := config.FindFiles(paths, Extension)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	model := &config.Model{}
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		m, err := l.decode(ctx, hclFile.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, err)
		}
		model.Merge(m)
	}

	logger.Debug("HCL loading complete.", "stages", len(model.Stages), "agents", len(model.Agents), "sources", len(model.Sources))
	return model, nil
}

// Parse decodes a single in-memory HCL document.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte) (*config.Model, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return l.decode(ctx, hclFile.Body)
}

func (l *Loader) decode(ctx context.Context, body hcl.Body) (*config.Model, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(body, nil, &root); diags.HasErrors() {
		return nil, diags
	}

	model := &config.Model{}
	for _, s := range root.Stages {
		def, err := l.translateStage(ctx, s.ID, s.Body, nil, nil)
		if err != nil {
			return nil, err
		}
		model.Stages = append(model.Stages, def)
	}
	for _, t := range root.Templates {
		defs, err := l.expandTemplate(ctx, t)
		if err != nil {
			return nil, err
		}
		model.Stages = append(model.Stages, defs...)
	}
	for _, a := range root.Agents {
		model.Agents = append(model.Agents, agent.Info{ID: a.ID, Capabilities: a.Capabilities})
	}
	for _, s := range root.Sources {
		interval, err := config.ParseDuration("interval", s.Interval)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.Name, err)
		}
		model.Sources = append(model.Sources, config.Source{Name: s.Name, URL: s.URL, Interval: interval})
	}
	return model, nil
}

// expandTemplate produces one stage per matrix combination. Matrix values
// are also exposed to the stage as params.
func (l *Loader) expandTemplate(ctx context.Context, t *templateBlock) ([]stage.Definition, error) {
	logger := ctxlog.FromContext(ctx).With("template", t.Name)

	matrix, err := decodeMatrix(t.Matrix)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", t.Name, err)
	}
	combos := matrix.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("template %q: matrix has no combinations", t.Name)
	}

	defs := make([]stage.Definition, 0, len(combos))
	for _, combo := range combos {
		vars := make(map[string]cty.Value, len(combo))
		for k, v := range combo {
			vars[k] = cty.StringVal(v)
		}
		evalCtx := &hcl.EvalContext{
			Variables: map[string]cty.Value{"matrix": cty.ObjectVal(vars)},
		}

		var id string
		if diags := gohcl.DecodeExpression(t.ID, evalCtx, &id); diags.HasErrors() {
			return nil, fmt.Errorf("template %q (%s): %w", t.Name, config.Key(combo), diags)
		}
		def, err := l.translateStage(ctx, id, t.Body, evalCtx, combo)
		if err != nil {
			return nil, fmt.Errorf("template %q (%s): %w", t.Name, config.Key(combo), err)
		}
		defs = append(defs, def)
	}
	logger.Debug("Expanded stage template.", "stages", len(defs))
	return defs, nil
}

// decodeMatrix evaluates `matrix = { axis = [values...] }`.
func decodeMatrix(expr hcl.Expression) (config.Matrix, error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() || !val.IsKnown() || !(val.Type().IsObjectType() || val.Type().IsMapType()) {
		return nil, fmt.Errorf("matrix must be an object of lists")
	}

	matrix := config.Matrix{}
	for it := val.ElementIterator(); it.Next(); {
		key, values := it.Element()
		axis := key.AsString()
		if values.IsNull() || !values.CanIterateElements() {
			return nil, fmt.Errorf("matrix axis %q must be a list", axis)
		}
		for vit := values.ElementIterator(); vit.Next(); {
			_, v := vit.Element()
			s, err := convert.Convert(v, cty.String)
			if err != nil || s.IsNull() {
				return nil, fmt.Errorf("matrix axis %q: values must be strings", axis)
			}
			matrix[axis] = append(matrix[axis], s.AsString())
		}
	}
	return matrix, nil
}

// translateStage decodes a stage body and converts it into the agnostic
// model. params seeds the stage params; explicit params win.
func (l *Loader) translateStage(ctx context.Context, id string, body hcl.Body, evalCtx *hcl.EvalContext, params map[string]string) (stage.Definition, error) {
	ctxlog.FromContext(ctx).Debug("Translating HCL stage to internal config model.", "stage", id)

	var b stageBody
	if diags := gohcl.DecodeBody(body, evalCtx, &b); diags.HasErrors() {
		return stage.Definition{}, fmt.Errorf("stage %q: %w", id, diags)
	}

	maxDuration, err := config.ParseDuration("max_duration", b.MaxDuration)
	if err != nil {
		return stage.Definition{}, fmt.Errorf("stage %q: %w", id, err)
	}

	def := stage.Definition{
		ID:          id,
		Name:        b.Name,
		Requires:    b.Requires,
		Concurrency: b.Concurrency,
		OnBusy:      stage.OnBusy(b.OnBusy),
		MaxDuration: maxDuration,
		Publish:     stage.PublishPolicy(b.Publish),
		OnMissing:   stage.MissingPolicy(b.OnMissing),
		Env:         b.Env,
	}
	if len(params) > 0 || len(b.Params) > 0 {
		def.Params = maps.Clone(params)
		if def.Params == nil {
			def.Params = make(map[string]string, len(b.Params))
		}
		maps.Copy(def.Params, b.Params)
	}

	for _, s := range b.Steps {
		def.Steps = append(def.Steps, stage.Step{
			Name:        s.Name,
			Interpreter: stage.Interpreter(s.Interpreter),
			Command:     s.Command,
			WorkingDir:  s.WorkingDir,
			Env:         s.Env,
			Disabled:    s.Enabled != nil && !*s.Enabled,
		})
	}
	for _, a := range b.Artifacts {
		def.Artifacts = append(def.Artifacts, stage.ArtifactRule{Pattern: a.Pattern, Exclude: a.Exclude, Target: a.Target})
	}
	for _, d := range b.DependsOn {
		dep := stage.ArtifactDependency{Stage: d.Stage, Pattern: d.Path, Destination: d.Into, Clean: d.Clean}
		if d.Run != "" {
			dep.Selection = stage.Selection{Kind: stage.SpecificRun, RunID: d.Run}
		}
		def.Dependencies = append(def.Dependencies, dep)
	}
	if c := b.Checkout; c != nil {
		def.Checkout = &stage.Checkout{Source: c.Source, Dir: c.Into, Branch: c.Branch, Shallow: c.Shallow}
	}
	for _, t := range b.Triggers {
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
