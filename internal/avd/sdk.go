// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	BuildToolsVersion = "29.0.2"

	cmdlineToolsRevision = "11076708"
	emulatorBuildMarker  = ".emurunner-build"
)

// SDKRequest describes the SDK components a run needs.
type SDKRequest struct {
	APILevel      int
	Target        string
	Arch          string
	EmulatorBuild string
	NDK           string
	CMake         string
}

// SystemImage returns the sdkmanager id of the system image.
func (r SDKRequest) SystemImage() string {
	return fmt.Sprintf("system-images;android-%d;%s;%s", r.APILevel, r.Target, r.Arch)
}

// Packages returns the sdkmanager package ids to install, in order.
func (r SDKRequest) Packages() []string {
	pkgs := []string{
		"build-tools;" + BuildToolsVersion,
		"platform-tools",
		fmt.Sprintf("platforms;android-%d", r.APILevel),
	}
	if r.EmulatorBuild == "" {
		pkgs = append(pkgs, "emulator")
	}
	pkgs = append(pkgs, r.SystemImage())
	if r.NDK != "" {
		pkgs = append(pkgs, "ndk;"+r.NDK)
	}
	if r.CMake != "" {
		pkgs = append(pkgs, "cmake;"+r.CMake)
	}
	return pkgs
}

// SDKInstaller ensures SDK components exist under Env.SDKRoot.
type SDKInstaller struct {
	env        Env
	httpClient *http.Client

	// Overridable for tests.
	cmdlineToolsURL  string
	emulatorBuildURL func(build string) string
}

// NewSDKInstaller returns an installer that downloads from Google's servers.
func NewSDKInstaller(env Env) *SDKInstaller {
	return &SDKInstaller{
		env:              env,
		httpClient:       &http.Client{Timeout: 10 * time.Minute},
		cmdlineToolsURL:  defaultCmdlineToolsURL(runtime.GOOS),
		emulatorBuildURL: func(build string) string { return defaultEmulatorBuildURL(runtime.GOOS, build) },
	}
}

func defaultCmdlineToolsURL(goos string) string {
	host := "linux"
	if goos == "darwin" {
		host = "mac"
	}
	return fmt.Sprintf("https://dl.google.com/android/repository/commandlinetools-%s-%s_latest.zip", host, cmdlineToolsRevision)
}

func defaultEmulatorBuildURL(goos, build string) string {
	tools, host := "linux", "linux"
	if goos == "darwin" {
		tools, host = "mac", "darwin"
	}
	return fmt.Sprintf("https://android-build.googleapis.com/builds/submitted/%s/sdk_tools_%s/latest/raw/emulator-%s-%s.zip", build, tools, host, build)
}

// Install brings the SDK to the state described by req. Components that are
// already present are skipped; a fully satisfied request spawns nothing.
func (s *SDKInstaller) Install(ctx context.Context, req SDKRequest) error {
	ctx, span := startSpan(ctx, s.env, "avd.InstallSDK",
		attribute.Int("api_level", req.APILevel),
		attribute.String("system_image", req.SystemImage()),
	)
	defer span.End()

	err := s.install(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		logEvent(ctx, s.env, "sdk install failed", "error", err)
	}
	return err
}

func (s *SDKInstaller) install(ctx context.Context, req SDKRequest) error {
	root := s.env.SDKRoot
	if root == "" {
		return &InstallError{Step: "sdk root", Err: errors.New("ANDROID_SDK_ROOT is not set")}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return &InstallError{Step: "sdk root", Err: err}
	}

	if err := s.ensureCmdlineTools(ctx); err != nil {
		return err
	}

	missing := s.missingPackages(req.Packages())
	if len(missing) == 0 {
		logEvent(ctx, s.env, "sdk components already installed", "sdk_root", root)
	} else {
		logEvent(ctx, s.env, "installing sdk components", "packages", strings.Join(missing, " "))
		sdkRootArg := "--sdk_root=" + root
		if err := run(ctx, s.env, &yesReader{}, s.env.SdkManager, sdkRootArg, "--licenses"); err != nil {
			return &InstallError{Step: "licenses", Err: err}
		}
		for _, pkg := range missing {
			if err := run(ctx, s.env, nil, s.env.SdkManager, sdkRootArg, pkg); err != nil {
				return &InstallError{Step: pkg, Err: err}
			}
			logEvent(ctx, s.env, "sdk component installed", "package", pkg)
		}
	}

	if req.EmulatorBuild != "" {
		return s.ensureEmulatorBuild(ctx, req.EmulatorBuild)
	}
	return nil
}

// ensureCmdlineTools downloads the package manager when it is missing.
func (s *SDKInstaller) ensureCmdlineTools(ctx context.Context) error {
	if _, err := os.Stat(s.env.SdkManager); err == nil {
		logEvent(ctx, s.env, "android sdk already installed", "sdkmanager", s.env.SdkManager)
		return nil
	}
	logEvent(ctx, s.env, "downloading android sdk command-line tools", "url", s.cmdlineToolsURL)
	archive, err := downloadFile(ctx, s.env, s.httpClient, s.cmdlineToolsURL)
	if err != nil {
		return &InstallError{Step: "download command-line tools", Err: err}
	}
	defer os.Remove(archive)

	staging, err := os.MkdirTemp(s.env.SDKRoot, ".cmdline-tools-")
	if err != nil {
		return &InstallError{Step: "unpack command-line tools", Err: err}
	}
	defer os.RemoveAll(staging)
	if err := extractZip(archive, staging); err != nil {
		return &InstallError{Step: "unpack command-line tools", Err: err}
	}

	latest := filepath.Join(s.env.SDKRoot, "cmdline-tools", "latest")
	if err := os.MkdirAll(filepath.Dir(latest), 0o755); err != nil {
		return &InstallError{Step: "unpack command-line tools", Err: err}
	}
	_ = os.RemoveAll(latest)
	if err := os.Rename(filepath.Join(staging, "cmdline-tools"), latest); err != nil {
		return &InstallError{Step: "unpack command-line tools", Err: err}
	}
	s.env = s.env.WithSDKRoot(s.env.SDKRoot)
	if _, err := os.Stat(s.env.SdkManager); err != nil {
		return &InstallError{Step: "unpack command-line tools", Err: fmt.Errorf("sdkmanager not found after unpack: %w", err)}
	}
	return nil
}

func (s *SDKInstaller) missingPackages(pkgs []string) []string {
	var missing []string
	for _, pkg := range pkgs {
		if _, err := os.Stat(packageDir(s.env.SDKRoot, pkg)); err != nil {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// packageDir maps an sdkmanager id to its install directory, e.g.
// "platforms;android-29" to <root>/platforms/android-29.
func packageDir(root, pkg string) string {
	return filepath.Join(append([]string{root}, strings.Split(pkg, ";")...)...)
}

// ensureEmulatorBuild replaces <sdk>/emulator with a pinned build.
func (s *SDKInstaller) ensureEmulatorBuild(ctx context.Context, build string) error {
	emulatorDir := filepath.Join(s.env.SDKRoot, "emulator")
	marker := filepath.Join(emulatorDir, emulatorBuildMarker)
	if b, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(b)) == build {
		logEvent(ctx, s.env, "emulator build already installed", "build", build)
		return nil
	}

	url := s.emulatorBuildURL(build)
	logEvent(ctx, s.env, "downloading emulator build", "build", build, "url", url)
	archive, err := downloadFile(ctx, s.env, s.httpClient, url)
	if err != nil {
		return &InstallError{Step: "download emulator build " + build, Err: err}
	}
	defer os.Remove(archive)

	_ = os.RemoveAll(emulatorDir)
	if err := extractZip(archive, s.env.SDKRoot); err != nil {
		return &InstallError{Step: "unpack emulator build " + build, Err: err}
	}
	if err := os.WriteFile(marker, []byte(build+"\n"), 0o644); err != nil {
		return &InstallError{Step: "unpack emulator build " + build, Err: err}
	}
	return nil
}
