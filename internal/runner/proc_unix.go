//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so build tools that
// fork compilers can be stopped as a unit.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcGroup(cmd *exec.Cmd) error {
	if cmd.Process != nil {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return nil
}
