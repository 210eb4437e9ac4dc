// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build !unix

package avd

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func interruptProcess(p *os.Process) error { return p.Signal(os.Interrupt) }

func killProcess(p *os.Process) error { return p.Kill() }
