// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build unix

package avd

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the emulator in its own group so qemu children are
// signalled together with the launcher.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

func killProcess(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}
