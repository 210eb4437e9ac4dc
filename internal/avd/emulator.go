// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
)

// EmulatorState is the lifecycle state of an Emulator.
type EmulatorState int32

const (
	StateNotStarted EmulatorState = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s EmulatorState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Emulator output that means the launcher rejected its flags.
const invalidParameterMarker = "invalid command-line parameter"

var animationScales = []string{
	"window_animation_scale",
	"transition_animation_scale",
	"animator_duration_scale",
}

// LaunchOptions describes the virtual device to create and boot.
type LaunchOptions struct {
	APILevel          int
	Target            string
	Arch              string
	Profile           string
	Cores             int
	SDCardPathOrSize  string
	AVDName           string
	Options           []string
	DisableAnimations bool
}

func (o LaunchOptions) systemImage() string {
	return fmt.Sprintf("system-images;android-%d;%s;%s", o.APILevel, o.Target, o.Arch)
}

// BootPolicy bounds the wait for sys.boot_completed.
type BootPolicy struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PollTimeout     time.Duration
}

// DefaultBootPolicy polls for up to 8 minutes, at most 240 times.
func DefaultBootPolicy() BootPolicy {
	return BootPolicy{
		Timeout:         8 * time.Minute,
		MaxAttempts:     240,
		InitialInterval: time.Second,
		MaxInterval:     2 * time.Second,
		PollTimeout:     15 * time.Second,
	}
}

// Emulator owns a single emulator process from launch to kill.
type Emulator struct {
	env       Env
	boot      BootPolicy
	killGrace time.Duration

	killMu sync.Mutex

	mu      sync.Mutex
	state   EmulatorState
	cmd     *exec.Cmd
	serial  string
	logPath string
	exited  chan struct{}
	exitErr error
	// releasePort frees the console port reservation; called by Kill.
	releasePort func()

	launchFailure atomic.Pointer[string]
}

// NewEmulator returns an emulator manager in the NotStarted state.
func NewEmulator(env Env, boot BootPolicy) *Emulator {
	def := DefaultBootPolicy()
	if boot.Timeout <= 0 {
		boot.Timeout = def.Timeout
	}
	if boot.MaxAttempts <= 0 {
		boot.MaxAttempts = def.MaxAttempts
	}
	if boot.InitialInterval <= 0 {
		boot.InitialInterval = def.InitialInterval
	}
	if boot.MaxInterval <= 0 {
		boot.MaxInterval = def.MaxInterval
	}
	if boot.PollTimeout <= 0 {
		boot.PollTimeout = def.PollTimeout
	}
	return &Emulator{
		env:       env,
		boot:      boot,
		killGrace: 10 * time.Second,
	}
}

func (e *Emulator) State() EmulatorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Serial returns the adb serial of the launched device, or "".
func (e *Emulator) Serial() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serial
}

// LogPath returns the file receiving the emulator output, or "".
func (e *Emulator) LogPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logPath
}

// Launch creates or updates the AVD, starts the emulator in the background and
// blocks until the device reports boot completion. On failure the emulator
// may still be alive; callers are expected to call Kill.
func (e *Emulator) Launch(ctx context.Context, opts LaunchOptions) error {
	ctx, span := startSpan(ctx, e.env, "avd.Launch",
		attribute.String("avd_name", opts.AVDName),
		attribute.String("system_image", opts.systemImage()),
	)
	defer span.End()

	e.mu.Lock()
	if e.state == StateStarting || e.state == StateRunning {
		state := e.state
		e.mu.Unlock()
		err := &LaunchError{Reason: "emulator already " + state.String()}
		recordSpanError(span, err)
		return err
	}
	e.state = StateStarting
	e.cmd, e.serial, e.logPath, e.exited, e.exitErr = nil, "", "", nil, nil
	e.launchFailure.Store(nil)
	e.mu.Unlock()

	if err := e.launch(ctx, opts); err != nil {
		recordSpanError(span, err)
		logEvent(ctx, e.env, "emulator launch failed", "avd_name", opts.AVDName, "error", err)
		return err
	}
	span.SetAttributes(attribute.String("serial", e.Serial()))
	return nil
}

func (e *Emulator) launch(ctx context.Context, opts LaunchOptions) error {
	if err := e.createAVD(ctx, opts); err != nil {
		return &LaunchError{Reason: "create avd " + opts.AVDName, Err: err}
	}

	port, release, err := ReserveConsolePort(MinConsolePort, MaxConsolePort)
	if err != nil {
		return &LaunchError{Reason: "pick console port", Err: err}
	}
	e.mu.Lock()
	e.releasePort = release
	e.mu.Unlock()
	if err := e.start(ctx, opts, port); err != nil {
		return err
	}
	if err := e.waitForBoot(ctx); err != nil {
		return err
	}

	serial, logPath := e.Serial(), e.LogPath()
	// MENU wakes and unlocks the screen; it doubles as a responsiveness probe.
	if err := run(ctx, e.env, nil, e.env.ADB, "-s", serial, "shell", "input", "keyevent", "82"); err != nil {
		return &LaunchError{Reason: "device not responsive after boot", Err: err, LogPath: logPath}
	}
	if opts.DisableAnimations {
		for _, key := range animationScales {
			if err := run(ctx, e.env, nil, e.env.ADB, "-s", serial, "shell", "settings", "put", "global", key, "0.0"); err != nil {
				return &LaunchError{Reason: "disable animations", Err: err, LogPath: logPath}
			}
		}
		logEvent(ctx, e.env, "animations disabled", "serial", serial)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStarting {
		return &LaunchError{Reason: "emulator stopped during launch", LogPath: logPath}
	}
	e.state = StateRunning
	logEvent(ctx, e.env, "emulator ready", "avd_name", opts.AVDName, "serial", serial)
	return nil
}

func (e *Emulator) createAVD(ctx context.Context, opts LaunchOptions) error {
	logEvent(ctx, e.env, "creating avd", "avd_name", opts.AVDName, "system_image", opts.systemImage())
	if err := os.MkdirAll(e.env.AVDHome, 0o755); err != nil {
		return err
	}
	args := []string{
		"create", "avd", "--force",
		"-n", opts.AVDName,
		"--abi", opts.Target + "/" + opts.Arch,
		"--package", opts.systemImage(),
	}
	if opts.Profile != "" {
		args = append(args, "--device", opts.Profile)
	}
	if opts.SDCardPathOrSize != "" {
		args = append(args, "--sdcard", opts.SDCardPathOrSize)
	}
	// "no" declines the custom hardware profile prompt.
	if err := run(ctx, e.env, strings.NewReader("no\n"), e.env.AvdMgr, args...); err != nil {
		return err
	}
	if opts.Cores > 0 {
		return setConfigValues(e.env, opts.AVDName, map[string]string{"hw.cpu.ncore": strconv.Itoa(opts.Cores)})
	}
	return nil
}

func (e *Emulator) start(ctx context.Context, opts LaunchOptions, port int) error {
	serial := serialForPort(port)
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("emulator-%s-%d.log", opts.AVDName, port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return &LaunchError{Reason: "open emulator log", Err: err}
	}
	logWriter := newEmulatorLogWriter(ctx, e.env, e.watchLine,
		"avd_name", opts.AVDName,
		"serial", serial,
	)

	args := append([]string{"-avd", opts.AVDName, "-port", strconv.Itoa(port)}, opts.Options...)
	// Not bound to ctx: the process outlives Launch and is owned by Kill.
	cmd := exec.Command(e.env.Emulator, args...)
	cmd.Stdout = io.MultiWriter(logFile, logWriter)
	cmd.Stderr = io.MultiWriter(logFile, logWriter)
	cmd.Env = e.env.toolEnv()
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return &LaunchError{Reason: "start emulator", Err: err, LogPath: logPath}
	}

	exited := make(chan struct{})
	e.mu.Lock()
	e.cmd, e.serial, e.logPath, e.exited = cmd, serial, logPath, exited
	e.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		e.mu.Lock()
		e.exitErr = err
		e.mu.Unlock()
		close(exited)
		logEvent(ctx, e.env, "emulator exited", "serial", serial, "error", fmt.Sprint(err))
	}()

	logEvent(ctx, e.env, "emulator started",
		"avd_name", opts.AVDName,
		"serial", serial,
		"pid", cmd.Process.Pid,
		"log_path", logPath,
		"options", strings.Join(opts.Options, " "),
	)
	return nil
}

func (e *Emulator) watchLine(line string) {
	if strings.Contains(line, invalidParameterMarker) {
		e.launchFailure.CompareAndSwap(nil, &line)
	}
}

func (e *Emulator) exitError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitErr
}

// waitForBoot polls sys.boot_completed with exponential backoff until it
// reads 1, the process dies, or the policy is exhausted.
func (e *Emulator) waitForBoot(ctx context.Context) error {
	e.mu.Lock()
	serial, logPath, exited := e.serial, e.logPath, e.exited
	e.mu.Unlock()

	ctx, span := startSpan(ctx, e.env, "avd.WaitForBoot",
		attribute.String("serial", serial),
		attribute.String("timeout", e.boot.Timeout.String()),
		attribute.Int("max_attempts", e.boot.MaxAttempts),
	)
	defer span.End()

	started := time.Now()
	attempts := 0
	var lastErr error
	poll := func() (struct{}, error) {
		attempts++
		select {
		case <-exited:
			return struct{}{}, backoff.Permanent(&LaunchError{
				Reason:  "emulator process exited before boot completed",
				Err:     e.exitError(),
				LogPath: logPath,
			})
		default:
		}
		if line := e.launchFailure.Load(); line != nil {
			return struct{}{}, backoff.Permanent(&LaunchError{Reason: *line, LogPath: logPath})
		}

		pollCtx, cancel := context.WithTimeout(ctx, e.boot.PollTimeout)
		defer cancel()
		out, err := output(pollCtx, e.env, nil, e.env.ADB, "-s", serial, "shell", "getprop", "sys.boot_completed")
		if err != nil {
			lastErr = err
			return struct{}{}, err
		}
		if out != "1" {
			lastErr = errBootPending
			return struct{}{}, errBootPending
		}
		return struct{}{}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.boot.InitialInterval
	policy.MaxInterval = e.boot.MaxInterval

	_, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.boot.MaxAttempts)),
		backoff.WithMaxElapsedTime(e.boot.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logDebug(ctx, e.env, "waiting for boot", "serial", serial, "attempt", attempts, "next_poll", next.String(), "reason", err)
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		span.SetAttributes(attribute.Bool("boot_completed", true))
		logEvent(ctx, e.env, "emulator booted", "serial", serial, "attempts", attempts, "elapsed", time.Since(started).String())
		return nil
	}

	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		recordSpanError(span, launchErr)
		return launchErr
	}
	if ctx.Err() != nil {
		cancelled := &LaunchError{Reason: "boot wait cancelled", Err: ctx.Err(), LogPath: logPath}
		recordSpanError(span, cancelled)
		return cancelled
	}
	timeout := &LaunchTimeout{
		Serial:   serial,
		Attempts: attempts,
		Elapsed:  time.Since(started),
		LastErr:  lastErr,
		LogPath:  logPath,
	}
	logEvent(ctx, e.env, "wait for boot timeout",
		"serial", serial,
		"attempts", attempts,
		"timeout", e.boot.Timeout.String(),
		"adb_error", fmt.Sprint(lastErr),
	)
	recordSpanError(span, timeout)
	return timeout
}

// Kill stops the emulator if one was launched. It is a no-op before Launch
// and after a previous Kill, and safe to call concurrently.
func (e *Emulator) Kill(ctx context.Context) error {
	e.killMu.Lock()
	defer e.killMu.Unlock()

	e.mu.Lock()
	state, cmd, serial, exited := e.state, e.cmd, e.serial, e.exited
	e.mu.Unlock()

	if state == StateNotStarted || state == StateStopped {
		logDebug(ctx, e.env, "no emulator to stop", "state", state.String())
		return nil
	}

	ctx, span := startSpan(ctx, e.env, "avd.Kill", attribute.String("serial", serial))
	defer span.End()
	logEvent(ctx, e.env, "emulator stop requested", "serial", serial, "state", state.String())

	var err error
	if cmd != nil {
		err = e.terminate(ctx, serial, cmd.Process, exited)
	}

	e.mu.Lock()
	e.state = StateStopped
	release := e.releasePort
	e.releasePort = nil
	e.mu.Unlock()
	if release != nil {
		release()
	}

	if err != nil {
		recordSpanError(span, err)
		logEvent(ctx, e.env, "emulator stop failed", "serial", serial, "error", err)
		return err
	}
	span.SetAttributes(attribute.Bool("stopped", true))
	logEvent(ctx, e.env, "emulator stopped", "serial", serial)
	return nil
}

// terminate escalates from `adb emu kill` to SIGTERM to SIGKILL, waiting
// killGrace for the process to exit after each step.
func (e *Emulator) terminate(ctx context.Context, serial string, proc *os.Process, exited <-chan struct{}) error {
	if waitExited(ctx, exited, 0) {
		return nil
	}

	adbCtx, cancel := context.WithTimeout(ctx, e.killGrace)
	adbErr := run(adbCtx, e.env, nil, e.env.ADB, "-s", serial, "emu", "kill")
	cancel()
	if adbErr != nil {
		logWarning(ctx, e.env, "adb emu kill failed", "serial", serial, "error", adbErr)
	}
	if waitExited(ctx, exited, e.killGrace) {
		return nil
	}

	logWarning(ctx, e.env, "emulator still running, sending SIGTERM", "serial", serial, "pid", proc.Pid)
	if err := interruptProcess(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logWarning(ctx, e.env, "signal emulator failed", "pid", proc.Pid, "error", err)
	}
	if waitExited(ctx, exited, e.killGrace) {
		return nil
	}

	if err := killProcess(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill emulator pid %d: %w", proc.Pid, err)
	}
	if waitExited(context.Background(), exited, e.killGrace) {
		return nil
	}
	return fmt.Errorf("emulator pid %d did not exit after SIGKILL", proc.Pid)
}

func waitExited(ctx context.Context, exited <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-exited:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
