// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// run executes an SDK tool to completion. Stderr is mirrored to the logs and
// the combined output is folded into the error.
func run(ctx context.Context, env Env, stdin io.Reader, bin string, args ...string) error {
	_, err := output(ctx, env, stdin, bin, args...)
	return err
}

// output executes an SDK tool and returns its trimmed stdout.
func output(ctx context.Context, env Env, stdin io.Reader, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, combined bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = io.MultiWriter(&combined, newCommandLogWriter(ctx, env, bin, args))
	cmd.Env = env.toolEnv()
	logDebug(ctx, env, "command start", "command", bin, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stdout.String()), fmt.Errorf("%s %v failed: %w\n%s", bin, args, err, strings.TrimSpace(combined.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// yesReader answers "y" to every prompt, like `yes |`.
type yesReader struct{ newline bool }

func (r *yesReader) Read(p []byte) (int, error) {
	for i := range p {
		if r.newline {
			p[i] = '\n'
		} else {
			p[i] = 'y'
		}
		r.newline = !r.newline
	}
	return len(p), nil
}
