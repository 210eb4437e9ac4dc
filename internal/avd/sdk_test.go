// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sdkmanagerScript records its arguments and creates the package directory
// the way the real tool does.
func sdkmanagerScript(calls string) string {
	return "echo \"$*\" >> " + strconv.Quote(calls) + "\n" +
		"root=''\nlast=''\n" +
		"for a in \"$@\"; do\n" +
		"  case \"$a\" in --sdk_root=*) root=\"${a#--sdk_root=}\" ;; esac\n" +
		"  last=\"$a\"\n" +
		"done\n" +
		"[ \"$last\" = \"--licenses\" ] && exit 0\n" +
		"mkdir -p \"$root/$(echo \"$last\" | tr ';' '/')\"\n"
}

func newTestInstaller(t *testing.T, script string) (*SDKInstaller, string) {
	t.Helper()
	silenceLogs(t)
	root := t.TempDir()
	calls := filepath.Join(t.TempDir(), "sdkmanager.calls")
	if script == "" {
		script = sdkmanagerScript(calls)
	}
	writeStub(t, filepath.Join(root, "cmdline-tools", "latest", "bin", "sdkmanager"), script)
	env := NewEnv(root, t.TempDir())
	return NewSDKInstaller(env), calls
}

func TestSDKRequestPackages(t *testing.T) {
	req := SDKRequest{APILevel: 29, Target: "google_apis", Arch: "x86"}
	assert.Equal(t, []string{
		"build-tools;29.0.2",
		"platform-tools",
		"platforms;android-29",
		"emulator",
		"system-images;android-29;google_apis;x86",
	}, req.Packages())

	req.EmulatorBuild = "6061023"
	req.NDK = "21.0.6113669"
	req.CMake = "3.10.2.4988404"
	assert.Equal(t, []string{
		"build-tools;29.0.2",
		"platform-tools",
		"platforms;android-29",
		"system-images;android-29;google_apis;x86",
		"ndk;21.0.6113669",
		"cmake;3.10.2.4988404",
	}, req.Packages())
}

func TestSDKInstallIsIdempotent(t *testing.T) {
	skipWithoutUnix(t)
	installer, calls := newTestInstaller(t, "")
	req := SDKRequest{APILevel: 29, Target: "google_apis", Arch: "x86"}

	require.NoError(t, installer.Install(context.Background(), req))
	first := readLines(t, calls)
	assert.Equal(t, 1, countContaining(first, "--licenses"))
	for _, pkg := range req.Packages() {
		assert.Equal(t, 1, countContaining(first, pkg), "package %s", pkg)
		assert.DirExists(t, packageDir(installer.env.SDKRoot, pkg))
	}

	require.NoError(t, installer.Install(context.Background(), req))
	assert.Equal(t, first, readLines(t, calls), "a satisfied request must not call sdkmanager")
}

func TestSDKInstallOnlyMissingPackages(t *testing.T) {
	skipWithoutUnix(t)
	installer, calls := newTestInstaller(t, "")
	root := installer.env.SDKRoot
	require.NoError(t, os.MkdirAll(filepath.Join(root, "platform-tools"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build-tools", "29.0.2"), 0o755))

	req := SDKRequest{APILevel: 30, Target: "default", Arch: "x86_64", NDK: "21.0.6113669"}
	require.NoError(t, installer.Install(context.Background(), req))

	lines := readLines(t, calls)
	assert.Zero(t, countContaining(lines, "platform-tools"))
	assert.Zero(t, countContaining(lines, "build-tools"))
	assert.Equal(t, 1, countContaining(lines, "ndk;21.0.6113669"))
	assert.Equal(t, 1, countContaining(lines, "system-images;android-30;default;x86_64"))
}

func TestSDKInstallFailure(t *testing.T) {
	skipWithoutUnix(t)
	installer, _ := newTestInstaller(t, "case \"$*\" in *--licenses*) exit 0 ;; esac\necho 'Failed to find package' >&2\nexit 1\n")

	err := installer.Install(context.Background(), SDKRequest{APILevel: 29, Target: "default", Arch: "x86"})
	var ierr *InstallError
	require.True(t, errors.As(err, &ierr), "expected InstallError, got %v", err)
	assert.Equal(t, "build-tools;29.0.2", ierr.Step)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Contains(t, err.Error(), "Failed to find package")
}

func TestSDKInstallRequiresRoot(t *testing.T) {
	silenceLogs(t)
	installer := NewSDKInstaller(NewEnv("", ""))
	err := installer.Install(context.Background(), SDKRequest{APILevel: 29, Target: "default", Arch: "x86"})
	var ierr *InstallError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "sdk root", ierr.Step)
}

func TestSDKInstallDownloadsCmdlineTools(t *testing.T) {
	skipWithoutUnix(t)
	silenceLogs(t)
	calls := filepath.Join(t.TempDir(), "sdkmanager.calls")
	archive := buildZip(t, zipEntry{
		name: "cmdline-tools/bin/sdkmanager",
		body: "#!/bin/sh\n" + sdkmanagerScript(calls),
		mode: 0o755,
	})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	root := filepath.Join(t.TempDir(), "sdk")
	installer := NewSDKInstaller(NewEnv(root, t.TempDir()))
	installer.cmdlineToolsURL = srv.URL + "/commandlinetools.zip"

	req := SDKRequest{APILevel: 29, Target: "default", Arch: "x86"}
	require.NoError(t, installer.Install(context.Background(), req))
	assert.FileExists(t, filepath.Join(root, "cmdline-tools", "latest", "bin", "sdkmanager"))
	assert.Equal(t, filepath.Join(root, "cmdline-tools", "latest", "bin", "sdkmanager"), installer.env.SdkManager)
	assert.Equal(t, 1, countContaining(readLines(t, calls), "--licenses"))

	require.NoError(t, installer.Install(context.Background(), req))
	assert.EqualValues(t, 1, hits.Load())
}

func TestSDKInstallPinnedEmulatorBuild(t *testing.T) {
	skipWithoutUnix(t)
	installer, calls := newTestInstaller(t, "")
	archive := buildZip(t, zipEntry{name: "emulator/emulator", body: "#!/bin/sh\n", mode: 0o755})
	var requested atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested.Store(r.URL.Path)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()
	installer.emulatorBuildURL = func(build string) string { return srv.URL + "/" + build + ".zip" }

	req := SDKRequest{APILevel: 29, Target: "default", Arch: "x86", EmulatorBuild: "6061023"}
	require.NoError(t, installer.Install(context.Background(), req))

	assert.Equal(t, "/6061023.zip", requested.Load())
	assert.FileExists(t, filepath.Join(installer.env.SDKRoot, "emulator", "emulator"))
	assert.FileExists(t, filepath.Join(installer.env.SDKRoot, "emulator", emulatorBuildMarker))
	lines := readLines(t, calls)
	for _, l := range lines {
		assert.False(t, strings.HasSuffix(l, " emulator"), "emulator package must not be installed: %s", l)
	}

	requested.Store("")
	require.NoError(t, installer.Install(context.Background(), req))
	assert.Equal(t, "", requested.Load(), "pinned build already present")
}

func TestDefaultDownloadURLs(t *testing.T) {
	assert.Equal(t,
		"https://android-build.googleapis.com/builds/submitted/6061023/sdk_tools_linux/latest/raw/emulator-linux-6061023.zip",
		defaultEmulatorBuildURL("linux", "6061023"))
	assert.Equal(t,
		"https://android-build.googleapis.com/builds/submitted/6061023/sdk_tools_mac/latest/raw/emulator-darwin-6061023.zip",
		defaultEmulatorBuildURL("darwin", "6061023"))
	assert.Contains(t, defaultCmdlineToolsURL("darwin"), "commandlinetools-mac-")
	assert.Contains(t, defaultCmdlineToolsURL("linux"), "commandlinetools-linux-")
}
