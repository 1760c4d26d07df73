//go:build unix

package encoder

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the engine in its own process group so that
// cancellation kills the engine and any children it forked.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
