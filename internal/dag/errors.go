package dag

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Chain lists every stage on the
// cycle in edge order, starting from the first stage the search entered.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	if len(e.Chain) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s -> %s", strings.Join(e.Chain, " -> "), e.Chain[0])
}

// DuplicateStageError reports two definitions sharing an ID.
type DuplicateStageError struct {
	Stage string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("duplicate stage id %q", e.Stage)
}

// UnknownProducerError reports an artifact dependency on a stage that does
// not exist.
type UnknownProducerError struct {
	Consumer string
	Producer string
}

func (e *UnknownProducerError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.Consumer, e.Producer)
}

// UnmatchedDependencyError reports an artifact dependency whose pattern no
// artifact rule of the producer can satisfy.
type UnmatchedDependencyError struct {
	Consumer string
	Producer string
	Pattern  string
}

func (e *UnmatchedDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on %q from %q, but %q publishes no matching artifacts",
		e.Consumer, e.Pattern, e.Producer, e.Producer)
}

// TriggerCycleError reports stages whose upstream triggers form a loop.
type TriggerCycleError struct {
	Chain []string
}

func (e *TriggerCycleError) Error() string {
	return fmt.Sprintf("upstream trigger cycle: %s -> %s", strings.Join(e.Chain, " -> "), e.Chain[0])
}
