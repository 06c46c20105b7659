package hclconfig

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a pipeline file may contain.
type fileRoot struct {
	Stages    []*stageBlock    `hcl:"stage,block"`
	Templates []*templateBlock `hcl:"template,block"`
	Agents    []*agentBlock    `hcl:"agent,block"`
	Sources   []*sourceBlock   `hcl:"source,block"`
}

// stageBlock is a `stage "id" { ... }` block. The body is decoded into
// stageBody separately so templates can share it.
type stageBlock struct {
	ID   string   `hcl:"id,label"`
	Body hcl.Body `hcl:",remain"`
}

// templateBlock expands into one stage per matrix combination. The id
// expression and the rest of the body may reference matrix.<axis>.
type templateBlock struct {
	Name   string         `hcl:"name,label"`
	Matrix hcl.Expression `hcl:"matrix"`
	ID     hcl.Expression `hcl:"id"`
	Body   hcl.Body       `hcl:",remain"`
}

type stageBody struct {
	Name        string            `hcl:"name,optional"`
	Requires    []string          `hcl:"requires,optional"`
	Concurrency int               `hcl:"concurrency,optional"`
	OnBusy      string            `hcl:"on_busy,optional"`
	MaxDuration string            `hcl:"max_duration,optional"`
	Publish     string            `hcl:"publish,optional"`
	OnMissing   string            `hcl:"on_missing_artifacts,optional"`
	Env         map[string]string `hcl:"env,optional"`
	Params      map[string]string `hcl:"params,optional"`

	Steps     []*stepBlock      `hcl:"step,block"`
	Artifacts []*artifactBlock  `hcl:"artifact,block"`
	DependsOn []*dependsOnBlock `hcl:"depends_on,block"`
	Triggers  []*triggerBlock   `hcl:"trigger,block"`
	Checkout  *checkoutBlock    `hcl:"checkout,block"`
}

type stepBlock struct {
	Name        string            `hcl:"name,label"`
	Interpreter string            `hcl:"interpreter,optional"`
	Command     string            `hcl:"command"`
	WorkingDir  string            `hcl:"working_dir,optional"`
	Env         map[string]string `hcl:"env,optional"`
	Enabled     *bool             `hcl:"enabled,optional"`
}

// artifactBlock is `artifact "Release/**" { target = "bin" }`.
type artifactBlock struct {
	Pattern string   `hcl:"pattern,label"`
	Exclude []string `hcl:"exclude,optional"`
	Target  string   `hcl:"target,optional"`
}

// dependsOnBlock is `depends_on "stage" { path = "bin/**" }`.
type dependsOnBlock struct {
	Stage string `hcl:"stage,label"`
	Path  string `hcl:"path"`
	Into  string `hcl:"into,optional"`
	Clean bool   `hcl:"clean,optional"`
	// Run pins a specific upstream run instead of the last successful one.
	Run string `hcl:"run,optional"`
}

// triggerBlock is `trigger "upstream" { ... }` or `trigger "source" { ... }`.
type triggerBlock struct {
	Kind          string   `hcl:"kind,label"`
	Stage         string   `hcl:"stage,optional"`
	IncludeFailed bool     `hcl:"include_failed,optional"`
	Source        string   `hcl:"source,optional"`
	Branches      []string `hcl:"branches,optional"`
}

// checkoutBlock is `checkout "source" { into = "src" }`.
type checkoutBlock struct {
	Source  string `hcl:"source,label"`
	Into    string `hcl:"into,optional"`
	Branch  string `hcl:"branch,optional"`
	Shallow bool   `hcl:"shallow,optional"`
}

type agentBlock struct {
	ID           string   `hcl:"id,label"`
	Capabilities []string `hcl:"capabilities,optional"`
}

type sourceBlock struct {
	Name     string `hcl:"name,label"`
	URL      string `hcl:"url"`
	Interval string `hcl:"interval,optional"`
}
