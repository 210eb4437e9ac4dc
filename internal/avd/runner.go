// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const defaultKillTimeout = time.Minute

type sdkInstaller interface {
	Install(ctx context.Context, req SDKRequest) error
}

type emulatorManager interface {
	Launch(ctx context.Context, opts LaunchOptions) error
	Kill(ctx context.Context) error
	Serial() string
}

type commandExecutor interface {
	Exec(ctx context.Context, index int, dir, command string, extraEnv []string) error
}

type screenshotUploader interface {
	Upload(ctx context.Context, cfg UploadConfig) UploadReport
}

// RunnerOptions tunes a Runner. Zero values select the defaults.
type RunnerOptions struct {
	Boot        BootPolicy
	UploadURL   string
	KillTimeout time.Duration
}

// RunReport describes what a run did, including on failure.
type RunReport struct {
	Config   RunConfig     `json:"config"`
	Serial   string        `json:"serial,omitempty"`
	Executed int           `json:"executed"`
	Upload   *UploadReport `json:"upload,omitempty"`
	KillErr  error         `json:"-"`
}

// Runner drives a complete run: validate, install, launch, script, upload
// and kill.
type Runner struct {
	env         Env
	installer   sdkInstaller
	emulator    emulatorManager
	executor    commandExecutor
	uploader    screenshotUploader
	killTimeout time.Duration
}

func NewRunner(env Env, opts RunnerOptions) *Runner {
	return newRunner(env,
		NewSDKInstaller(env),
		NewEmulator(env, opts.Boot),
		NewShellExecutor(env),
		NewScreenshotUploader(env, opts.UploadURL),
		opts.KillTimeout,
	)
}

func newRunner(env Env, installer sdkInstaller, emulator emulatorManager, executor commandExecutor, uploader screenshotUploader, killTimeout time.Duration) *Runner {
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	return &Runner{
		env:         env,
		installer:   installer,
		emulator:    emulator,
		executor:    executor,
		uploader:    uploader,
		killTimeout: killTimeout,
	}
}

// Run executes one full run. The emulator is killed on every path once
// inputs have been validated, including cancellation and panics. The
// returned error is the first fatal one; upload and kill failures are only
// reported.
func (r *Runner) Run(ctx context.Context, in Inputs) (report RunReport, err error) {
	ctx, span := startSpan(ctx, r.env, "avd.Run")
	defer span.End()
	defer func() {
		if err != nil {
			recordSpanError(span, err)
		}
	}()

	if err := checkHostPlatform(ctx, r.env); err != nil {
		return report, err
	}
	cfg, err := Validate(ctx, r.env, in)
	if err != nil {
		return report, err
	}
	report.Config = cfg
	logEvent(ctx, r.env, "run configured",
		"api_level", cfg.APILevel,
		"target", cfg.Target,
		"arch", cfg.Arch,
		"avd_name", cfg.AVDName,
		"emulator_options", cfg.EmulatorOptions,
		"upload", cfg.Upload != nil,
	)
	logEvent(ctx, r.env, "script parsed", "commands", len(cfg.Script))

	defer func() {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.killTimeout)
		defer cancel()
		if kerr := r.emulator.Kill(killCtx); kerr != nil {
			report.KillErr = kerr
			logWarning(ctx, r.env, "failed to stop emulator", "error", kerr)
		}
	}()

	if err := r.installer.Install(ctx, cfg.SDKRequest()); err != nil {
		return report, err
	}
	if err := r.emulator.Launch(ctx, cfg.LaunchOptions()); err != nil {
		report.Serial = r.emulator.Serial()
		return report, err
	}
	report.Serial = r.emulator.Serial()
	span.SetAttributes(attribute.String("serial", report.Serial))

	scriptErr := r.runScript(ctx, cfg, report.Serial, &report)

	if cfg.Upload != nil {
		up := r.uploader.Upload(ctx, *cfg.Upload)
		report.Upload = &up
	}
	return report, scriptErr
}

func (r *Runner) runScript(ctx context.Context, cfg RunConfig, serial string, report *RunReport) error {
	ctx, span := startSpan(ctx, r.env, "avd.RunScript",
		attribute.Int("commands", len(cfg.Script)),
		attribute.String("working_directory", cfg.WorkingDirectory),
	)
	defer span.End()

	extraEnv := []string{"ANDROID_SERIAL=" + serial}
	for i, command := range cfg.Script {
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("script interrupted before line %d: %w", i+1, err)
			recordSpanError(span, err)
			return err
		}
		report.Executed++
		if err := r.executor.Exec(ctx, i, cfg.WorkingDirectory, command, extraEnv); err != nil {
			recordSpanError(span, err)
			logEvent(ctx, r.env, "script failed", "index", i, "command", command, "error", err)
			return err
		}
	}
	span.SetAttributes(attribute.Int("executed", report.Executed))
	return nil
}
