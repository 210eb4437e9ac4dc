// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// ErrUnsupportedPlatform is returned when the host OS cannot run the emulator.
var ErrUnsupportedPlatform = fmt.Errorf("unsupported virtual machine: please use either macos or ubuntu VM: %w", errdefs.ErrNotImplemented)

// errBootPending marks a poll where the device answered but is not booted yet.
var errBootPending = errors.New("boot not completed")

// ValidationError reports a bad or missing input.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid input %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid input %s=%q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// InstallError reports a failed SDK install step.
type InstallError struct {
	Step string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("sdk install %s: %v", e.Step, e.Err)
}

func (e *InstallError) Unwrap() []error { return []error{errdefs.ErrUnavailable, e.Err} }

// LaunchError reports an emulator that could not be started or died early.
type LaunchError struct {
	Reason  string
	LogPath string
	Err     error
}

func (e *LaunchError) Error() string {
	msg := "emulator launch: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.LogPath != "" {
		msg += "\nemulator log: " + e.LogPath
	}
	return msg
}

func (e *LaunchError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrUnavailable}
	}
	return []error{errdefs.ErrUnavailable, e.Err}
}

// LaunchTimeout reports that boot completion was not observed in time.
type LaunchTimeout struct {
	Serial   string
	Attempts int
	Elapsed  time.Duration
	LastErr  error
	LogPath  string
}

func (e *LaunchTimeout) Error() string {
	msg := fmt.Sprintf("timeout waiting for emulator %s to boot (%d attempts, %s)", e.Serial, e.Attempts, e.Elapsed.Round(time.Second))
	if e.LastErr != nil && !errors.Is(e.LastErr, errBootPending) {
		msg += "\nlast adb error: " + e.LastErr.Error()
	}
	if e.LogPath != "" {
		msg += "\nemulator log: " + e.LogPath
	}
	return msg
}

// Unwrap returns context.DeadlineExceeded, which is what
// errdefs.IsDeadlineExceeded matches.
func (e *LaunchTimeout) Unwrap() error { return context.DeadlineExceeded }

// ScriptExecutionError reports a user command that exited non-zero.
type ScriptExecutionError struct {
	Index    int
	Command  string
	ExitCode int
	Err      error
}

func (e *ScriptExecutionError) Error() string {
	return fmt.Sprintf("script line %d %q failed with exit code %d: %v", e.Index+1, e.Command, e.ExitCode, e.Err)
}

func (e *ScriptExecutionError) Unwrap() []error { return []error{errdefs.ErrAborted, e.Err} }

// UploadError reports a screenshot that could not be delivered.
type UploadError struct {
	File       string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s: unexpected status %d: %v", e.File, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s: %v", e.File, e.Err)
}

func (e *UploadError) Unwrap() []error { return []error{errdefs.ErrUnavailable, e.Err} }
