package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/dag"
	"github.com/vk/stagegrid/internal/stage"
)

// Model is the unified representation of a pipeline configuration.
type Model struct {
	Stages  []stage.Definition
	Agents  []agent.Info
	Sources []Source
}

// Source is a version control repository watched for branch changes.
type Source struct {
	Name string
	// URL is a local repository path or a remote URL.
	URL      string
	Interval time.Duration
}

// Merge appends the contents of other.
func (m *Model) Merge(other *Model) {
	if other == nil {
		return
	}
	m.Stages = append(m.Stages, other.Stages...)
	m.Agents = append(m.Agents, other.Agents...)
	m.Sources = append(m.Sources, other.Sources...)
}

// Validate normalizes every stage and checks the model as a whole: unique
// identifiers, references to declared sources, an acyclic graph whose
// dependencies all resolve, and upstream triggers that cannot loop.
func (m *Model) Validate() error {
	var errs []error

	for i := range m.Stages {
		m.Stages[i].Normalize()
		if err := m.Stages[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	sources := make(map[string]struct{}, len(m.Sources))
	for _, s := range m.Sources {
		if s.Name == "" {
			errs = append(errs, errors.New("source name must not be empty"))
			continue
		}
		if _, dup := sources[s.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate source %q", s.Name))
		}
		sources[s.Name] = struct{}{}
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("source %q: url must not be empty", s.Name))
		}
	}

	stages := make(map[string]struct{}, len(m.Stages))
	for _, d := range m.Stages {
		stages[d.ID] = struct{}{}
	}
	for _, d := range m.Stages {
		if c := d.Checkout; c != nil && c.Source != "" {
			if _, ok := sources[c.Source]; !ok {
				errs = append(errs, fmt.Errorf("stage %q: checkout references unknown source %q", d.ID, c.Source))
			}
		}
		for _, t := range d.Triggers {
			switch t.Kind {
			case stage.SourceChanged:
				if _, ok := sources[t.Source]; !ok && t.Source != "" {
					errs = append(errs, fmt.Errorf("stage %q: trigger references unknown source %q", d.ID, t.Source))
				}
			case stage.UpstreamFinished:
				if _, ok := stages[t.Stage]; !ok && t.Stage != "" {
					errs = append(errs, fmt.Errorf("stage %q: trigger references unknown stage %q", d.ID, t.Stage))
				}
			}
		}
	}

	agents := make(map[string]struct{}, len(m.Agents))
	for _, a := range m.Agents {
		if a.ID == "" {
			errs = append(errs, errors.New("agent id must not be empty"))
			continue
		}
		if _, dup := agents[a.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate agent %q", a.ID))
		}
		agents[a.ID] = struct{}{}
	}

	if len(errs) == 0 {
		if _, err := dag.Build(m.Stages); err != nil {
			errs = append(errs, err)
		}
		if err := dag.CheckTriggers(m.Stages); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Matrix maps axis names to their values.
type Matrix map[string][]string

// Combinations returns the cartesian product of the axes. Axes are iterated
// in name order with the last axis varying fastest, so the result is stable.
// A matrix with an empty axis has no combinations.
func (m Matrix) Combinations() []map[string]string {
	axes := slices.Sorted(maps.Keys(m))
	combos := []map[string]string{{}}
	for _, axis := range axes {
		var next []map[string]string
		for _, combo := range combos {
			for _, v := range m[axis] {
				c := maps.Clone(combo)
				c[axis] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	if len(axes) == 0 {
		return nil
	}
	return combos
}

// Key renders a combination as "axis=value,..." in axis order, for messages.
func Key(combo map[string]string) string {
	parts := make([]string, 0, len(combo))
	for k, v := range combo {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ParseDuration parses an optional duration field. Empty means zero.
func ParseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}
