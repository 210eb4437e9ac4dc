// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package avdrunner provides a Go library for running scripts against a
// freshly booted Android emulator.
package avdrunner

import (
	"context"
	"strconv"
	"time"

	"github.com/forkbombeu/emurunner/internal/avd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Inputs holds the raw string inputs of a run, keyed like the CI inputs
// (api-level, target, arch, script, ...).
type Inputs = avd.Inputs

// DefaultInputs returns Inputs populated with every default value.
func DefaultInputs() Inputs { return avd.DefaultInputs() }

// Runner provides high-level emulator run operations.
type Runner struct {
	env  avd.Env
	opts Options
}

// Environment holds configuration for SDK tools and paths.
type Environment struct {
	SDKRoot       string // ANDROID_SDK_ROOT
	AVDHome       string // ANDROID_AVD_HOME (default ~/.android/avd)
	EmulatorBin   string // Path to emulator binary (default: derived from SDKRoot)
	ADBBin        string // Path to adb binary (default: derived from SDKRoot)
	AvdManagerBin string // Path to avdmanager binary (default: derived from SDKRoot)
	SdkManagerBin string // Path to sdkmanager binary (default: derived from SDKRoot)
	CorrelationID string // Correlation ID for log enrichment
}

// Options tunes boot polling and screenshot delivery.
type Options struct {
	BootTimeout  time.Duration // Boot timeout (default: 8m)
	BootAttempts int           // Maximum boot polls (default: 240)
	UploadURL    string        // Screenshot service base URL (default: https://app.layoutdiff.com)
}

// Report describes a finished run.
type Report struct {
	Serial   string         // Emulator serial (e.g., emulator-5554)
	Executed int            // Script lines started
	Upload   *UploadSummary // Nil when no screenshots were requested
	KillErr  error          // Teardown failure, never fatal
}

// UploadSummary describes a screenshot upload.
type UploadSummary struct {
	Attempted int
	Uploaded  int
	Errors    []error
}

// SDKOptions selects the SDK components to install.
type SDKOptions struct {
	APILevel      int    // Platform API level (required)
	Target        string // default, google_apis or google_apis_playstore
	Arch          string // x86 or x86_64
	EmulatorBuild string // Pinned emulator build (optional)
	NDK           string // NDK version (optional)
	CMake         string // CMake version (optional)
}

// RunningEmulator contains information about a running emulator.
type RunningEmulator = avd.RunningEmulator

// New creates a Runner with an auto-detected environment.
func New() *Runner {
	return &Runner{env: avd.Detect()}
}

// NewWithCorrelationID creates a Runner whose logs and spans carry id.
func NewWithCorrelationID(correlationID string) *Runner {
	env := avd.Detect()
	if correlationID != "" {
		env.CorrelationID = correlationID
	}
	return &Runner{env: env}
}

// NewWithEnv creates a Runner with a custom environment configuration.
func NewWithEnv(env Environment) *Runner {
	e := avd.NewEnv(env.SDKRoot, env.AVDHome)
	if env.EmulatorBin != "" {
		e.Emulator = env.EmulatorBin
	}
	if env.ADBBin != "" {
		e.ADB = env.ADBBin
	}
	if env.AvdManagerBin != "" {
		e.AvdMgr = env.AvdManagerBin
	}
	if env.SdkManagerBin != "" {
		e.SdkManager = env.SdkManagerBin
	}
	e.CorrelationID = env.CorrelationID
	if e.CorrelationID == "" {
		e.CorrelationID = avd.NewCorrelationID()
	}
	return &Runner{env: e}
}

// WithOptions returns a copy of r using opts.
func (r *Runner) WithOptions(opts Options) *Runner {
	return &Runner{env: r.env, opts: opts}
}

// CorrelationID returns the id attached to every log record and span.
func (r *Runner) CorrelationID() string { return r.env.CorrelationID }

func (r *Runner) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", r.env.CorrelationID))
	}
	return otel.Tracer("emurunner").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Validate checks inputs without side effects.
func (r *Runner) Validate(ctx context.Context, in Inputs) error {
	_, err := avd.Validate(ctx, r.env, in)
	return err
}

// Run installs the SDK, boots the emulator, runs the script, uploads
// screenshots if requested and always stops the emulator.
func (r *Runner) Run(ctx context.Context, in Inputs) (Report, error) {
	ctx, span := r.startSpan(ctx, "avdrunner.Run")
	defer span.End()

	runner := avd.NewRunner(r.env, avd.RunnerOptions{
		Boot:      avd.BootPolicy{Timeout: r.opts.BootTimeout, MaxAttempts: r.opts.BootAttempts},
		UploadURL: r.opts.UploadURL,
	})
	res, err := runner.Run(ctx, in)
	report := Report{Serial: res.Serial, Executed: res.Executed, KillErr: res.KillErr}
	if res.Upload != nil {
		report.Upload = summarize(*res.Upload)
	}
	if err != nil {
		span.RecordError(err)
	}
	return report, err
}

// InstallSDK installs the requested components under the SDK root. Empty
// Target and Arch select default and x86.
func (r *Runner) InstallSDK(ctx context.Context, opts SDKOptions) error {
	in := avd.DefaultInputs()
	in.APILevel = strconv.Itoa(opts.APILevel)
	if opts.Target != "" {
		in.Target = opts.Target
	}
	if opts.Arch != "" {
		in.Arch = opts.Arch
	}
	in.EmulatorBuild = opts.EmulatorBuild
	in.NDK = opts.NDK
	in.CMake = opts.CMake

	req, err := avd.ValidateSDK(in)
	if err != nil {
		return err
	}
	return avd.NewSDKInstaller(r.env).Install(ctx, req)
}

// UploadScreenshots posts every file in dir to the screenshot service. Missing
// dir, token or ref is a validation error and nothing is sent. Per-file
// failures are reported in the summary.
func (r *Runner) UploadScreenshots(ctx context.Context, dir, projectToken, ref string) (UploadSummary, error) {
	in := avd.DefaultInputs()
	in.ScreenshotsPath = dir
	in.ProjectToken = projectToken
	in.Ref = ref
	cfg, err := avd.ValidateUpload(in)
	if err != nil {
		return UploadSummary{}, err
	}
	report := avd.NewScreenshotUploader(r.env, r.opts.UploadURL).Upload(ctx, cfg)
	return *summarize(report), nil
}

// ListRunning returns all emulators running on this host.
func (r *Runner) ListRunning(ctx context.Context) ([]RunningEmulator, error) {
	return avd.ListRunning(ctx, r.env)
}

// Stop stops a running emulator by serial (e.g., "emulator-5554").
func (r *Runner) Stop(ctx context.Context, serial string) error {
	return avd.StopBySerial(ctx, r.env, serial)
}

// StopByName stops a running emulator by AVD name.
func (r *Runner) StopByName(ctx context.Context, name string) error {
	serial, err := avd.SerialForName(ctx, r.env, name)
	if err != nil || serial == "" {
		return err // Not running
	}
	return avd.StopBySerial(ctx, r.env, serial)
}

func summarize(report avd.UploadReport) *UploadSummary {
	return &UploadSummary{
		Attempted: report.Attempted,
		Uploaded:  len(report.Uploaded),
		Errors:    report.Errors,
	}
}
