//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// killTree runs the step in its own process group and kills the whole group
// on cancellation, so processes forked by the interpreter die with it.
func killTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
