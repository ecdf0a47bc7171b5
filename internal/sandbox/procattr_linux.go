//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"
)

// setChildAttrs gives the bridge its own process group and, when not
// jailed, ties its lifetime to ours. bwrap already handles
// die-with-parent inside the jail.
func setChildAttrs(cmd *exec.Cmd, jailed bool) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if !jailed {
		attr.Pdeathsig = syscall.SIGKILL
	}
	cmd.SysProcAttr = attr
}

// signalChild signals the whole process group so shells and grandchildren
// die with the bridge.
func signalChild(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}
