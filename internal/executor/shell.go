package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vk/stagegrid/internal/stage"
)

// Invocation is everything needed to start one step.
type Invocation struct {
	Step   stage.Step
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner starts a step and reports its exit code. A non-nil error means the
// step could not be run or was interrupted; a non-zero exit code alone is
// not an error.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (int, error)
}

// ShellRunner runs steps as local processes through their interpreter.
type ShellRunner struct {
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed on cancellation.
	WaitDelay time.Duration
	// Withhold lists environment prefixes removed from the inherited
	// environment. Variables passed in Invocation.Env are never withheld.
	Withhold []string
}

// Command returns the program and arguments used for an interpreter.
func Command(interpreter stage.Interpreter, command string) (string, []string, error) {
	switch interpreter {
	case stage.Shell, "":
		return "sh", []string{"-c", command}, nil
	case stage.Bash:
		return "bash", []string{"-c", command}, nil
	case stage.PowerShell:
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", command}, nil
	case stage.Pwsh:
		return "pwsh", []string{"-NoProfile", "-NonInteractive", "-Command", command}, nil
	case stage.Cmd:
		return "cmd", []string{"/C", command}, nil
	}
	return "", nil, fmt.Errorf("unknown interpreter %q", interpreter)
}

func (r *ShellRunner) Run(ctx context.Context, inv Invocation) (int, error) {
	program, args, err := Command(inv.Step.Interpreter, inv.Step.Command)
	if err != nil {
		return -1, err
	}

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(r.environ(), inv.Env...)
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	killTree(cmd)

	err = cmd.Run()
	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("start %s: %w", program, err)
	}
}

// environ is the process environment minus withheld variables.
func (r *ShellRunner) environ() []string {
	base := os.Environ()
	if len(r.Withhold) == 0 {
		return base
	}
	env := make([]string, 0, len(base))
	for _, kv := range base {
		if !r.withheld(kv) {
			env = append(env, kv)
		}
	}
	return env
}

func (r *ShellRunner) withheld(kv string) bool {
	name, _, _ := strings.Cut(kv, "=")
	for _, prefix := range r.Withhold {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
