package testutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vk/stagegrid/internal/executor"
)

// Behavior scripts what a fake step does.
type Behavior struct {
	ExitCode int
	Output   string
	// Files are written relative to the invocation directory before the
	// step returns.
	Files map[string]string
	// Delay holds the step for a while unless the context ends first.
	Delay time.Duration
	// Block holds the step until its context is done.
	Block bool
	// Release, when set, holds the step until it is closed.
	Release <-chan struct{}
}

// ScriptedRunner is an executor.Runner whose steps are keyed by command.
// Unknown commands succeed immediately.
type ScriptedRunner struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	calls     []executor.Invocation
	started   chan string
}

// NewScriptedRunner returns an empty runner.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{
		behaviors: make(map[string]Behavior),
		started:   make(chan string, 256),
	}
}

// On scripts the behavior of a command.
func (r *ScriptedRunner) On(command string, b Behavior) *ScriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[command] = b
	return r
}

// Started yields each command as it begins.
func (r *ScriptedRunner) Started() <-chan string {
	return r.started
}

// Calls returns the invocations seen so far.
func (r *ScriptedRunner) Calls() []executor.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executor.Invocation(nil), r.calls...)
}

// Commands returns the commands invoked so far, in order.
func (r *ScriptedRunner) Commands() []string {
	calls := r.Calls()
	cmds := make([]string, len(calls))
	for i, c := range calls {
		cmds[i] = c.Step.Command
	}
	return cmds
}

func (r *ScriptedRunner) Run(ctx context.Context, inv executor.Invocation) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	b := r.behaviors[inv.Step.Command]
	r.mu.Unlock()

	select {
	case r.started <- inv.Step.Command:
	default:
	}

	for name, content := range b.Files {
		p := filepath.Join(inv.Dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return -1, err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return -1, err
		}
	}
	if b.Output != "" && inv.Stdout != nil {
		_, _ = io.WriteString(inv.Stdout, b.Output)
	}

	switch {
	case b.Block:
		<-ctx.Done()
		return -1, context.Cause(ctx)
	case b.Release != nil:
		select {
		case <-b.Release:
		case <-ctx.Done():
			return -1, context.Cause(ctx)
		}
	case b.Delay > 0:
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return -1, context.Cause(ctx)
		}
	}
	return b.ExitCode, nil
}
