// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// ShellExecutor runs user commands through `sh -c`.
type ShellExecutor struct {
	env    Env
	stdout io.Writer
	stderr io.Writer
}

// NewShellExecutor returns an executor that streams command output to the
// process stdout and stderr.
func NewShellExecutor(env Env) *ShellExecutor {
	return &ShellExecutor{env: env, stdout: os.Stdout, stderr: os.Stderr}
}

// Exec runs one command to completion in dir. The command is not bound to
// ctx: once started it is allowed to finish.
func (s *ShellExecutor) Exec(ctx context.Context, index int, dir, command string, extraEnv []string) error {
	ctx, span := startSpan(ctx, s.env, "avd.RunCommand",
		attribute.Int("index", index),
		attribute.String("command", command),
	)
	defer span.End()

	shell := s.env.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = dir
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.Env = s.env.toolEnv(extraEnv...)

	logEvent(ctx, s.env, "running script command", "index", index, "command", command, "dir", dir)
	started := time.Now()
	err := cmd.Run()
	if err == nil {
		logEvent(ctx, s.env, "script command finished", "index", index, "elapsed", time.Since(started).String())
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	serr := &ScriptExecutionError{Index: index, Command: command, ExitCode: exitCode, Err: err}
	span.SetAttributes(attribute.Int("exit_code", exitCode))
	recordSpanError(span, serr)
	return serr
}
