// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"os"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
)

const (
	MinAPILevel = 15
	MaxAPILevel = 36

	// mksdcard refuses anything smaller.
	minSDCardBytes = 9 * 1024 * 1024

	// PlaystoreAlias is the short form accepted for the play store target.
	PlaystoreAlias = "playstore"
)

var (
	ValidTargets = []string{"default", "google_apis", "google_apis_playstore"}
	ValidArchs   = []string{"x86", "x86_64"}

	versionRegexp = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
	digitsRegexp  = regexp.MustCompile(`^[0-9]+$`)
	avdNameRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

	// Anything starting like a number is meant as a size, not a path.
	sizeLikeRegexp = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?\s*[A-Za-z]*$`)
	// avdmanager --sdcard takes an integer with a K, M or G suffix.
	sizeRegexp     = regexp.MustCompile(`^[0-9]+[KMG]$`)
)

// RunConfig is the validated, read-only configuration of a run.
type RunConfig struct {
	APILevel          int           `json:"api_level"`
	Target            string        `json:"target"`
	Arch              string        `json:"arch"`
	Profile           string        `json:"profile,omitempty"`
	Cores             int           `json:"cores"`
	SDCardPathOrSize  string        `json:"sdcard_path_or_size,omitempty"`
	AVDName           string        `json:"avd_name"`
	EmulatorOptions   []string      `json:"emulator_options"`
	DisableAnimations bool          `json:"disable_animations"`
	EmulatorBuild     string        `json:"emulator_build,omitempty"`
	WorkingDirectory  string        `json:"working_directory,omitempty"`
	NDK               string        `json:"ndk,omitempty"`
	CMake             string        `json:"cmake,omitempty"`
	Script            []string      `json:"script"`
	Upload            *UploadConfig `json:"upload,omitempty"`
}

// UploadConfig is present only when a screenshots directory was requested.
type UploadConfig struct {
	ScreenshotsPath string `json:"screenshots_path"`
	ProjectToken    string `json:"-"`
	Ref             string `json:"ref"`
}

// SDKRequest returns the install descriptor for this configuration.
func (c RunConfig) SDKRequest() SDKRequest {
	return SDKRequest{
		APILevel:      c.APILevel,
		Target:        c.Target,
		Arch:          c.Arch,
		EmulatorBuild: c.EmulatorBuild,
		NDK:           c.NDK,
		CMake:         c.CMake,
	}
}

// LaunchOptions returns the emulator options for this configuration.
func (c RunConfig) LaunchOptions() LaunchOptions {
	return LaunchOptions{
		APILevel:          c.APILevel,
		Target:            c.Target,
		Arch:              c.Arch,
		Profile:           c.Profile,
		Cores:             c.Cores,
		SDCardPathOrSize:  c.SDCardPathOrSize,
		AVDName:           c.AVDName,
		Options:           c.EmulatorOptions,
		DisableAnimations: c.DisableAnimations,
	}
}

// ResolveTarget maps the playstore alias to its system image variant.
func ResolveTarget(target string) string {
	if target == PlaystoreAlias {
		return "google_apis_playstore"
	}
	return target
}

// Validate checks every input against its allow-list and builds a RunConfig.
// It has no side effects; errors are *ValidationError.
func Validate(ctx context.Context, env Env, in Inputs) (RunConfig, error) {
	_, span := startSpan(ctx, env, "avd.Validate")
	defer span.End()
	cfg, err := validateInputs(in)
	if err != nil {
		recordSpanError(span, err)
		return RunConfig{}, err
	}
	span.SetAttributes(
		attribute.Int("api_level", cfg.APILevel),
		attribute.String("target", cfg.Target),
		attribute.String("arch", cfg.Arch),
		attribute.Int("script_lines", len(cfg.Script)),
	)
	return cfg, nil
}

func validateInputs(in Inputs) (RunConfig, error) {
	req, err := ValidateSDK(in)
	if err != nil {
		return RunConfig{}, err
	}
	cfg := RunConfig{
		APILevel:      req.APILevel,
		Target:        req.Target,
		Arch:          req.Arch,
		EmulatorBuild: req.EmulatorBuild,
		NDK:           req.NDK,
		CMake:         req.CMake,
	}

	cfg.Profile = strings.TrimSpace(in.Profile)

	if strings.TrimSpace(in.Cores) != "" {
		if cfg.Cores, err = CheckCores(in.Cores); err != nil {
			return RunConfig{}, err
		}
	}

	cfg.SDCardPathOrSize = strings.TrimSpace(in.SDCardPathOrSize)
	if err := CheckSDCard(cfg.SDCardPathOrSize); err != nil {
		return RunConfig{}, err
	}

	cfg.AVDName = strings.TrimSpace(in.AVDName)
	if err := CheckAVDName(cfg.AVDName); err != nil {
		return RunConfig{}, err
	}

	cfg.EmulatorOptions = strings.Fields(in.EmulatorOptions)

	if cfg.DisableAnimations, err = CheckDisableAnimations(in.DisableAnimations); err != nil {
		return RunConfig{}, err
	}

	cfg.WorkingDirectory = strings.TrimSpace(in.WorkingDirectory)

	if strings.TrimSpace(in.Script) == "" {
		return RunConfig{}, &ValidationError{Field: InputScript, Reason: "input required and not supplied"}
	}
	cfg.Script = ParseScript(in.Script)

	upload, err := checkUpload(in)
	if err != nil {
		return RunConfig{}, err
	}
	cfg.Upload = upload

	return cfg, nil
}

// ValidateSDK checks only the inputs that select SDK components, for
// installing ahead of a run.
func ValidateSDK(in Inputs) (SDKRequest, error) {
	apiLevel, err := CheckAPILevel(in.APILevel)
	if err != nil {
		return SDKRequest{}, err
	}
	req := SDKRequest{
		APILevel:      apiLevel,
		Target:        ResolveTarget(strings.TrimSpace(in.Target)),
		Arch:          strings.TrimSpace(in.Arch),
		EmulatorBuild: strings.TrimSpace(in.EmulatorBuild),
		NDK:           strings.TrimSpace(in.NDK),
		CMake:         strings.TrimSpace(in.CMake),
	}
	if err := CheckTarget(req.Target); err != nil {
		return SDKRequest{}, err
	}
	if err := CheckArch(req.Arch); err != nil {
		return SDKRequest{}, err
	}
	if req.EmulatorBuild != "" {
		if err := CheckEmulatorBuild(req.EmulatorBuild); err != nil {
			return SDKRequest{}, err
		}
	}
	if req.NDK != "" {
		if err := CheckVersion(InputNDK, req.NDK); err != nil {
			return SDKRequest{}, err
		}
	}
	if req.CMake != "" {
		if err := CheckVersion(InputCMake, req.CMake); err != nil {
			return SDKRequest{}, err
		}
	}
	return req, nil
}

// CheckAPILevel accepts an integer within [MinAPILevel, MaxAPILevel].
func CheckAPILevel(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, &ValidationError{Field: InputAPILevel, Reason: "input required and not supplied"}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ValidationError{Field: InputAPILevel, Value: v, Reason: "unexpected API level"}
	}
	if n < MinAPILevel || n > MaxAPILevel {
		return 0, &ValidationError{
			Field:  InputAPILevel,
			Value:  v,
			Reason: "supported API levels are " + strconv.Itoa(MinAPILevel) + " to " + strconv.Itoa(MaxAPILevel),
		}
	}
	return n, nil
}

func CheckTarget(v string) error {
	if !slices.Contains(ValidTargets, v) {
		return &ValidationError{Field: InputTarget, Value: v, Reason: "value must be one of " + strings.Join(ValidTargets, ", ")}
	}
	return nil
}

func CheckArch(v string) error {
	if !slices.Contains(ValidArchs, v) {
		return &ValidationError{Field: InputArch, Value: v, Reason: "value must be one of " + strings.Join(ValidArchs, ", ")}
	}
	return nil
}

func CheckDisableAnimations(v string) (bool, error) {
	switch strings.TrimSpace(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &ValidationError{Field: InputDisableAnimations, Value: v, Reason: "should be either 'true' or 'false'"}
}

func CheckEmulatorBuild(v string) error {
	if !digitsRegexp.MatchString(v) {
		return &ValidationError{Field: InputEmulatorBuild, Value: v, Reason: "unexpected emulator build"}
	}
	return nil
}

func CheckCores(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 0, &ValidationError{Field: InputCores, Value: v, Reason: "must be a positive integer"}
	}
	return n, nil
}

// CheckVersion accepts dotted numeric versions such as 21.0.6113669.
func CheckVersion(field, v string) error {
	if !versionRegexp.MatchString(v) {
		return &ValidationError{Field: field, Value: v, Reason: "unexpected version"}
	}
	return nil
}

// CheckSDCard accepts an empty value, a path, or a size of at least 9M
// written as an integer with a K, M or G suffix.
func CheckSDCard(v string) error {
	if v == "" || !sizeLikeRegexp.MatchString(v) {
		return nil
	}
	if !sizeRegexp.MatchString(v) {
		return &ValidationError{Field: InputSDCard, Value: v, Reason: "size must be an integer followed by K, M or G"}
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return &ValidationError{Field: InputSDCard, Value: v, Reason: "unparseable size"}
	}
	if n < minSDCardBytes {
		return &ValidationError{Field: InputSDCard, Value: v, Reason: "SD card must be at least 9M"}
	}
	return nil
}

func CheckAVDName(v string) error {
	if !avdNameRegexp.MatchString(v) {
		return &ValidationError{Field: InputAVDName, Value: v, Reason: "only letters, digits, '.', '_' and '-' are allowed"}
	}
	return nil
}

func checkUpload(in Inputs) (*UploadConfig, error) {
	path := strings.TrimSpace(in.ScreenshotsPath)
	if path == "" {
		return nil, nil
	}
	up := &UploadConfig{
		ScreenshotsPath: path,
		ProjectToken:    strings.TrimSpace(in.ProjectToken),
		Ref:             strings.TrimSpace(in.Ref),
	}
	if up.ProjectToken == "" {
		return nil, &ValidationError{Field: InputProjectToken, Reason: "input required when screenshots-path is set"}
	}
	if up.Ref == "" {
		return nil, &ValidationError{Field: InputRef, Reason: "input required when screenshots-path is set"}
	}
	return up, nil
}

// ValidateUpload checks the screenshot inputs of a standalone upload, where
// screenshots-path is required as well.
func ValidateUpload(in Inputs) (UploadConfig, error) {
	if strings.TrimSpace(in.ScreenshotsPath) == "" {
		return UploadConfig{}, &ValidationError{Field: InputScreenshotsPath, Reason: "input required and not supplied"}
	}
	up, err := checkUpload(in)
	if err != nil {
		return UploadConfig{}, err
	}
	return *up, nil
}

// CheckPlatform accepts darwin and linux. On linux it reports whether KVM is
// available so the caller can warn about slow software emulation.
func CheckPlatform(goos string) (kvm bool, err error) {
	switch goos {
	case "darwin":
		return true, nil
	case "linux":
		_, statErr := os.Stat("/dev/kvm")
		return statErr == nil, nil
	}
	return false, ErrUnsupportedPlatform
}

func checkHostPlatform(ctx context.Context, env Env) error {
	kvm, err := CheckPlatform(runtime.GOOS)
	if err != nil {
		return err
	}
	if runtime.GOOS == "linux" && !kvm {
		logWarning(ctx, env, "hardware acceleration is not available on this Linux VM; the emulator will be slow",
			"kvm", false)
	}
	return nil
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
