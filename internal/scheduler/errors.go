package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/vk/stagegrid/internal/stage"
)

var (
	// ErrUnknownStage is returned when a stage id is not defined.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrConcurrencyLimit is returned by Submit for a stage that rejects
	// runs while all of its slots are taken.
	ErrConcurrencyLimit = errors.New("stage concurrency limit reached")

	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned when canceling a run that already reached a
	// terminal state.
	ErrRunFinished = errors.New("run already finished")

	// ErrCanceled is the cause recorded on a run canceled by an operator.
	ErrCanceled = errors.New("run canceled")

	// ErrStopped is the cause recorded on runs interrupted by shutdown.
	ErrStopped = errors.New("scheduler stopped")
)

// UnresolvedDependencyError reports an artifact dependency with no upstream
// run to take artifacts from. Submission fails fast instead of waiting.
type UnresolvedDependencyError struct {
	Stage     string
	Producer  string
	Selection stage.Selection
	Reason    string
	Err       error
}

func (e *UnresolvedDependencyError) Error() string {
	what := "successful run"
	if e.Selection.Kind == stage.SpecificRun {
		what = fmt.Sprintf("run %s", e.Selection.RunID)
	}
	msg := fmt.Sprintf("stage %s: unresolved dependency on %s: no usable %s", e.Stage, e.Producer, what)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnresolvedDependencyError) Unwrap() error {
	return e.Err
}

// TimeoutError is the cancellation cause of a run that exceeded its stage's
// maximum duration.
type TimeoutError struct {
	RunID string
	Stage string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s of stage %s exceeded its maximum duration of %s", e.RunID, e.Stage, e.Limit)
}
