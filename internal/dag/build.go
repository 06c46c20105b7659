package dag

import (
	"errors"

	"github.com/vk/stagegrid/internal/stage"
)

// Build constructs a validated stage graph from the given definitions.
//
// Every artifact dependency must name a known producer that has at least one
// artifact rule able to satisfy its pattern. Upstream triggers are not
// edges: they only start runs and never feed artifacts. Reference errors are
// reported together; a cycle is reported as a *CycleError.
func Build(defs []stage.Definition) (*Graph, error) {
	g := New()
	byID := make(map[string]*stage.Definition, len(defs))

	for i := range defs {
		d := &defs[i]
		if _, dup := byID[d.ID]; dup {
			return nil, &DuplicateStageError{Stage: d.ID}
		}
		byID[d.ID] = d
		g.AddNode(d.ID)
	}

	var errs []error
	for i := range defs {
		consumer := &defs[i]
		for _, dep := range consumer.Dependencies {
			producer, ok := byID[dep.Stage]
			if !ok {
				errs = append(errs, &UnknownProducerError{Consumer: consumer.ID, Producer: dep.Stage})
				continue
			}
			if !producer.Produces(dep.Pattern) {
				errs = append(errs, &UnmatchedDependencyError{Consumer: consumer.ID, Producer: producer.ID, Pattern: dep.Pattern})
				continue
			}
			if err := g.AddEdge(producer.ID, consumer.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// CheckTriggers reports upstream triggers that would start each other
// forever. Trigger edges form their own graph: a stage may be triggered by a
// stage whose artifacts it never consumes. Triggers naming unknown stages
// are ignored here.
func CheckTriggers(defs []stage.Definition) error {
	g := New()
	for _, d := range defs {
		g.AddNode(d.ID)
	}
	for _, d := range defs {
		for _, t := range d.Triggers {
			if t.Kind != stage.UpstreamFinished || !g.Has(t.Stage) {
				continue
			}
			if t.Stage == d.ID {
				return &TriggerCycleError{Chain: []string{d.ID}}
			}
			if err := g.AddEdge(t.Stage, d.ID); err != nil {
				return err
			}
		}
	}

	var cycle *CycleError
	if err := g.DetectCycles(); errors.As(err, &cycle) {
		return &TriggerCycleError{Chain: cycle.Chain}
	} else if err != nil {
		return err
	}
	return nil
}
