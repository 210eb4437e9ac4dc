// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// Env carries the SDK location and tool paths. It is built once at the edge
// of the program and passed explicitly to the installer and emulator manager.
type Env struct {
	SDKRoot    string // ANDROID_SDK_ROOT / ANDROID_HOME
	AVDHome    string // ANDROID_AVD_HOME (default ~/.android/avd)
	Emulator   string // <sdk>/emulator/emulator
	ADB        string // <sdk>/platform-tools/adb
	AvdMgr     string // <sdk>/cmdline-tools/latest/bin/avdmanager
	SdkManager string // <sdk>/cmdline-tools/latest/bin/sdkmanager
	Shell      string // sh
	// CorrelationID is used to tie logs and spans to a single CI run.
	CorrelationID string
}

// Detect reads the process environment once and returns an Env.
func Detect() Env {
	sdk := getenv("ANDROID_SDK_ROOT", os.Getenv("ANDROID_HOME"))
	avdHome := getenv("ANDROID_AVD_HOME", filepath.Join(homeDir(), ".android", "avd"))
	env := NewEnv(sdk, avdHome)
	env.CorrelationID = getenv("EMURUNNER_CORRELATION_ID", os.Getenv("GITHUB_RUN_ID"))
	if env.CorrelationID == "" {
		env.CorrelationID = NewCorrelationID()
	}
	return env
}

// NewEnv derives every tool path from the SDK root. An empty root leaves the
// bare tool names so they are resolved through PATH.
func NewEnv(sdkRoot, avdHome string) Env {
	env := Env{
		SDKRoot:    sdkRoot,
		AVDHome:    avdHome,
		Emulator:   "emulator",
		ADB:        "adb",
		AvdMgr:     "avdmanager",
		SdkManager: "sdkmanager",
		Shell:      "sh",
	}
	if sdkRoot == "" {
		return env
	}
	env.Emulator = filepath.Join(sdkRoot, "emulator", "emulator")
	env.ADB = filepath.Join(sdkRoot, "platform-tools", "adb")
	env.AvdMgr = firstExisting(
		filepath.Join(sdkRoot, "cmdline-tools", "latest", "bin", "avdmanager"),
		filepath.Join(sdkRoot, "tools", "bin", "avdmanager"),
	)
	env.SdkManager = firstExisting(
		filepath.Join(sdkRoot, "cmdline-tools", "latest", "bin", "sdkmanager"),
		filepath.Join(sdkRoot, "tools", "bin", "sdkmanager"),
	)
	return env
}

// WithSDKRoot returns a copy of env re-rooted at sdkRoot, keeping AVD home
// and correlation id.
func (e Env) WithSDKRoot(sdkRoot string) Env {
	out := NewEnv(sdkRoot, e.AVDHome)
	out.CorrelationID = e.CorrelationID
	return out
}

// toolEnv is the environment handed to every SDK tool and user command.
func (e Env) toolEnv(extra ...string) []string {
	vars := os.Environ()
	if e.SDKRoot != "" {
		vars = append(vars, "ANDROID_SDK_ROOT="+e.SDKRoot, "ANDROID_HOME="+e.SDKRoot)
	}
	if e.AVDHome != "" {
		vars = append(vars, "ANDROID_AVD_HOME="+e.AVDHome)
	}
	return append(vars, extra...)
}

// NewCorrelationID returns a fresh sortable id.
func NewCorrelationID() string { return ulid.Make().String() }

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return paths[0]
}

func homeDir() string {
	if usr, _ := user.Current(); usr != nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	return os.Getenv("HOME")
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
