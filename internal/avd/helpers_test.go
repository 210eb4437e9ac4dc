// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeStub(t *testing.T, path, script string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir stub dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", filepath.Base(path), err)
	}
	return path
}

// captureLogs redirects the package logger for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := avdLogger
	avdLogger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	t.Cleanup(func() { avdLogger = previous })
	return &buf
}

func silenceLogs(t *testing.T) {
	t.Helper()
	previous := avdLogger
	avdLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	t.Cleanup(func() { avdLogger = previous })
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func countContaining(lines []string, needle string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, needle) {
			n++
		}
	}
	return n
}

// stubSDK is a fake SDK made of shell scripts. The emulator records its pid
// so that `adb emu kill` can stop it, the way the real console does.
type stubSDK struct {
	env      Env
	adbCalls string
	pidFile  string
}

func newStubSDK(t *testing.T, bootCompleted string) *stubSDK {
	t.Helper()
	t.Setenv("TMPDIR", t.TempDir())
	dir := t.TempDir()
	s := &stubSDK{
		adbCalls: filepath.Join(dir, "adb.calls"),
		pidFile:  filepath.Join(dir, "emulator.pid"),
	}

	adb := writeStub(t, filepath.Join(dir, "bin", "adb"),
		"echo \"$*\" >> "+strconv.Quote(s.adbCalls)+"\n"+
			"case \"$*\" in\n"+
			"  *\"getprop sys.boot_completed\"*) echo "+bootCompleted+" ;;\n"+
			"  *\"emu kill\"*) kill -TERM \"$(cat "+strconv.Quote(s.pidFile)+")\" 2>/dev/null ;;\n"+
			"esac\n"+
			"exit 0\n")
	avdmanager := writeStub(t, filepath.Join(dir, "bin", "avdmanager"),
		"mkdir -p \"$ANDROID_AVD_HOME/$5.avd\"\n"+
			"printf 'hw.lcd.density=420\\nhw.cpu.ncore=1\\n' > \"$ANDROID_AVD_HOME/$5.avd/config.ini\"\n")
	s.env = Env{
		AVDHome:       filepath.Join(dir, "avd"),
		ADB:           adb,
		AvdMgr:        avdmanager,
		Shell:         "sh",
		CorrelationID: "test-run",
	}
	s.setEmulator(t, "trap 'exit 0' INT TERM\n"+
		"echo \"emulator: booting $*\"\n"+
		"while true; do sleep 0.1; done\n")
	return s
}

func (s *stubSDK) setEmulator(t *testing.T, body string) {
	t.Helper()
	s.env.Emulator = writeStub(t, filepath.Join(filepath.Dir(s.env.ADB), "emulator"),
		"echo $$ > "+strconv.Quote(s.pidFile)+"\n"+body)
}

func fastBootPolicy() BootPolicy {
	return BootPolicy{
		Timeout:         5 * time.Second,
		MaxAttempts:     20,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		PollTimeout:     2 * time.Second,
	}
}

func startDummyEmulator(t *testing.T, dir string, name string, port int) *os.Process {
	t.Helper()
	emuPath := writeStub(t, filepath.Join(dir, "emulator"), "trap 'exit 0' INT TERM\nwhile true; do sleep 1; done\n")
	cmd := exec.Command(emuPath, "-avd", name, "-port", strconv.Itoa(port))
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dummy emulator: %v", err)
	}
	return cmd.Process
}

func stopDummyProcess(proc *os.Process) {
	if proc == nil {
		return
	}
	_ = proc.Signal(os.Interrupt)
	_, _ = proc.Wait()
}
