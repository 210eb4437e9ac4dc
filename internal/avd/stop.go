// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// StopBySerial stops an emulator this process did not launch. It asks adb
// first and falls back to signalling the process found through /proc.
// Stopping an emulator that is not running is not an error.
func StopBySerial(ctx context.Context, env Env, serial string) error {
	port, err := portFromSerial(serial)
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, env, "avd.StopBySerial",
		attribute.String("serial", serial),
		attribute.Int("port", port),
	)
	defer span.End()
	logEvent(ctx, env, "emulator stop requested", "serial", serial, "port", port)

	adbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	adbErr := run(adbCtx, env, nil, env.ADB, "-s", serial, "emu", "kill")
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if findEmulatorPID(port) == 0 {
			span.SetAttributes(attribute.Bool("stopped", true))
			logEvent(ctx, env, "emulator stopped", "serial", serial, "port", port)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	pid := findEmulatorPID(port)
	if pid == 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("find emulator pid %d: %w", pid, err)
	}
	_ = interruptProcess(proc)
	time.Sleep(2 * time.Second)
	if findEmulatorPID(port) > 0 {
		_ = killProcess(proc)
	}
	if findEmulatorPID(port) > 0 {
		err := fmt.Errorf("failed to stop %s (pid %d); adb error: %v", serial, pid, adbErr)
		recordSpanError(span, err)
		logEvent(ctx, env, "emulator stop failed", "serial", serial, "pid", pid, "error", err)
		return err
	}
	span.SetAttributes(attribute.Bool("stopped", true))
	logEvent(ctx, env, "emulator stopped", "serial", serial, "port", port, "pid", pid)
	return nil
}

// findEmulatorPID scans /proc for an emulator started with "-port <port>".
// It returns 0 when none is found or /proc is unavailable.
func findEmulatorPID(port int) int {
	entries, _ := filepath.Glob("/proc/[0-9]*/cmdline")
	needle := []byte(fmt.Sprintf("-port%c%d%c", 0, port, 0))
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !bytes.Contains(append(b, 0), needle) {
			continue
		}
		if !bytes.Contains(b, []byte("qemu-system")) && !bytes.Contains(b, []byte("emulator")) {
			continue
		}
		base := filepath.Base(filepath.Dir(p))
		if n, err := strconv.Atoi(base); err == nil {
			return n
		}
	}
	return 0
}

// RunningEmulator describes an emulator found on this host.
type RunningEmulator struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Port   int    `json:"port"`
	PID    int    `json:"pid"`
	Booted bool   `json:"booted"`
}

// ListRunning reports emulators known to adb plus those found through /proc
// that have not registered with adb yet.
func ListRunning(ctx context.Context, env Env) ([]RunningEmulator, error) {
	ctx, span := startSpan(ctx, env, "avd.ListRunning")
	defer span.End()

	seen := make(map[int]bool)
	var found []RunningEmulator
	add := func(port int) {
		serial := serialForPort(port)
		pid := findEmulatorPID(port)
		found = append(found, RunningEmulator{
			Serial: serial,
			Name:   findEmulatorNameFromPID(pid),
			Port:   port,
			PID:    pid,
			Booted: bootCompleted(ctx, env, serial),
		})
		seen[port] = true
	}

	devCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	out, err := output(devCtx, env, nil, env.ADB, "devices")
	cancel()
	if err != nil {
		logWarning(ctx, env, "adb devices failed", "error", err)
	}
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 || !strings.HasPrefix(f[0], "emulator-") {
			continue
		}
		if port, err := portFromSerial(f[0]); err == nil && !seen[port] {
			add(port)
		}
	}
	for port := MinConsolePort; port < MaxConsolePort; port += 2 {
		if !seen[port] && findEmulatorPID(port) > 0 {
			add(port)
		}
	}
	span.SetAttributes(attribute.Int("running", len(found)))
	return found, nil
}

// SerialForName returns the serial of the running emulator launched with
// -avd name, or "" when there is none.
func SerialForName(ctx context.Context, env Env, name string) (string, error) {
	running, err := ListRunning(ctx, env)
	if err != nil {
		return "", err
	}
	for _, r := range running {
		if r.Name == name {
			return r.Serial, nil
		}
	}
	return "", nil
}

func bootCompleted(ctx context.Context, env Env, serial string) bool {
	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := output(pollCtx, env, nil, env.ADB, "-s", serial, "shell", "getprop", "sys.boot_completed")
	return err == nil && out == "1"
}

// findEmulatorNameFromPID reads the -avd argument from the process cmdline.
func findEmulatorNameFromPID(pid int) string {
	if pid == 0 {
		return ""
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}
	parts := bytes.Split(b, []byte{0})
	for i, part := range parts {
		if string(part) == "-avd" && i+1 < len(parts) {
			return string(parts[i+1])
		}
	}
	return ""
}
