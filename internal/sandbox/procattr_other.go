//go:build !linux

package sandbox

import (
	"os/exec"
	"syscall"
)

func setChildAttrs(cmd *exec.Cmd, jailed bool) {}

func signalChild(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}
