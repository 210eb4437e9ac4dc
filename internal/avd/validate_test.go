// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInputs() Inputs {
	in := DefaultInputs()
	in.APILevel = "29"
	in.Script = "echo hi\npwd"
	return in
}

func TestValidateDefaults(t *testing.T) {
	cfg, err := Validate(context.Background(), Env{}, validInputs())
	require.NoError(t, err)

	assert.Equal(t, 29, cfg.APILevel)
	assert.Equal(t, "default", cfg.Target)
	assert.Equal(t, "x86", cfg.Arch)
	assert.Equal(t, 2, cfg.Cores)
	assert.Equal(t, "test", cfg.AVDName)
	assert.True(t, cfg.DisableAnimations)
	assert.Equal(t, []string{"-no-window", "-gpu", "swiftshader_indirect", "-no-snapshot", "-noaudio", "-no-boot-anim"}, cfg.EmulatorOptions)
	assert.Equal(t, []string{"echo hi", "pwd"}, cfg.Script)
	assert.Nil(t, cfg.Upload)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		field string
		edit  func(*Inputs)
	}{
		{"missing api level", InputAPILevel, func(in *Inputs) { in.APILevel = "" }},
		{"non numeric api level", InputAPILevel, func(in *Inputs) { in.APILevel = "Q" }},
		{"api level too low", InputAPILevel, func(in *Inputs) { in.APILevel = "14" }},
		{"api level too high", InputAPILevel, func(in *Inputs) { in.APILevel = "99" }},
		{"unknown target", InputTarget, func(in *Inputs) { in.Target = "android-tv" }},
		{"unknown arch", InputArch, func(in *Inputs) { in.Arch = "arm64-v8a" }},
		{"zero cores", InputCores, func(in *Inputs) { in.Cores = "0" }},
		{"non numeric cores", InputCores, func(in *Inputs) { in.Cores = "two" }},
		{"bad animations flag", InputDisableAnimations, func(in *Inputs) { in.DisableAnimations = "yes" }},
		{"bad emulator build", InputEmulatorBuild, func(in *Inputs) { in.EmulatorBuild = "6061023a" }},
		{"bad ndk", InputNDK, func(in *Inputs) { in.NDK = "r21" }},
		{"bad cmake", InputCMake, func(in *Inputs) { in.CMake = "3.10-rc" }},
		{"tiny sdcard", InputSDCard, func(in *Inputs) { in.SDCardPathOrSize = "8M" }},
		{"fractional sdcard", InputSDCard, func(in *Inputs) { in.SDCardPathOrSize = "1.5G" }},
		{"sdcard with byte unit", InputSDCard, func(in *Inputs) { in.SDCardPathOrSize = "512MB" }},
		{"sdcard without unit", InputSDCard, func(in *Inputs) { in.SDCardPathOrSize = "1024" }},
		{"bad avd name", InputAVDName, func(in *Inputs) { in.AVDName = "my avd" }},
		{"empty script", InputScript, func(in *Inputs) { in.Script = " \n\t\n" }},
		{"upload without token", InputProjectToken, func(in *Inputs) {
			in.ScreenshotsPath = "shots"
			in.Ref = "main"
		}},
		{"upload without ref", InputRef, func(in *Inputs) {
			in.ScreenshotsPath = "shots"
			in.ProjectToken = "tok"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInputs()
			tt.edit(&in)
			_, err := Validate(context.Background(), Env{}, in)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, errdefs.IsInvalidArgument(err))
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Inputs)
		check func(*testing.T, RunConfig)
	}{
		{"min api level", func(in *Inputs) { in.APILevel = "15" }, func(t *testing.T, c RunConfig) { assert.Equal(t, 15, c.APILevel) }},
		{"max api level", func(in *Inputs) { in.APILevel = "36" }, func(t *testing.T, c RunConfig) { assert.Equal(t, 36, c.APILevel) }},
		{"playstore alias", func(in *Inputs) { in.Target = "playstore" }, func(t *testing.T, c RunConfig) {
			assert.Equal(t, "google_apis_playstore", c.Target)
		}},
		{"google apis x86_64", func(in *Inputs) {
			in.Target = "google_apis"
			in.Arch = "x86_64"
		}, func(t *testing.T, c RunConfig) {
			assert.Equal(t, "google_apis", c.Target)
			assert.Equal(t, "x86_64", c.Arch)
		}},
		{"animations enabled", func(in *Inputs) { in.DisableAnimations = "false" }, func(t *testing.T, c RunConfig) {
			assert.False(t, c.DisableAnimations)
		}},
		{"versions", func(in *Inputs) {
			in.NDK = "21.0.6113669"
			in.CMake = "3.10.2.4988404"
			in.EmulatorBuild = "6061023"
		}, func(t *testing.T, c RunConfig) {
			req := c.SDKRequest()
			assert.Equal(t, "21.0.6113669", req.NDK)
			assert.Equal(t, "3.10.2.4988404", req.CMake)
			assert.Equal(t, "6061023", req.EmulatorBuild)
		}},
		{"sdcard size", func(in *Inputs) { in.SDCardPathOrSize = "512M" }, func(t *testing.T, c RunConfig) {
			assert.Equal(t, "512M", c.LaunchOptions().SDCardPathOrSize)
		}},
		{"sdcard gigabytes", func(in *Inputs) { in.SDCardPathOrSize = "1G" }, func(t *testing.T, c RunConfig) {
			assert.Equal(t, "1G", c.SDCardPathOrSize)
		}},
		{"sdcard path", func(in *Inputs) { in.SDCardPathOrSize = "/tmp/sdcard.img" }, func(t *testing.T, c RunConfig) {
			assert.Equal(t, "/tmp/sdcard.img", c.SDCardPathOrSize)
		}},
		{"empty cores", func(in *Inputs) { in.Cores = "" }, func(t *testing.T, c RunConfig) { assert.Zero(t, c.Cores) }},
		{"upload trio", func(in *Inputs) {
			in.ScreenshotsPath = "shots"
			in.ProjectToken = "tok"
			in.Ref = "main"
		}, func(t *testing.T, c RunConfig) {
			require.NotNil(t, c.Upload)
			assert.Equal(t, UploadConfig{ScreenshotsPath: "shots", ProjectToken: "tok", Ref: "main"}, *c.Upload)
		}},
		{"crlf script", func(in *Inputs) { in.Script = "echo a\r\n\r\n  echo b  \r\n" }, func(t *testing.T, c RunConfig) {
			assert.Equal(t, []string{"echo a", "echo b"}, c.Script)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInputs()
			tt.edit(&in)
			cfg, err := Validate(context.Background(), Env{}, in)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLaunchOptionsCarryConfig(t *testing.T) {
	in := validInputs()
	in.Target = "google_apis"
	in.Profile = "pixel_6"
	in.AVDName = "ci-29"
	cfg, err := Validate(context.Background(), Env{}, in)
	require.NoError(t, err)

	opts := cfg.LaunchOptions()
	assert.Equal(t, "system-images;android-29;google_apis;x86", opts.systemImage())
	assert.Equal(t, "pixel_6", opts.Profile)
	assert.Equal(t, "ci-29", opts.AVDName)
	assert.Equal(t, 2, opts.Cores)
	assert.True(t, opts.DisableAnimations)
}

func TestCheckPlatform(t *testing.T) {
	_, err := CheckPlatform("windows")
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.True(t, errdefs.IsNotImplemented(err))

	kvm, err := CheckPlatform("darwin")
	require.NoError(t, err)
	assert.True(t, kvm)

	_, err = CheckPlatform("linux")
	require.NoError(t, err)

	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		silenceLogs(t)
		require.NoError(t, checkHostPlatform(context.Background(), Env{}))
	}
}

func TestValidateSDKIgnoresRunInputs(t *testing.T) {
	in := DefaultInputs()
	in.APILevel = "30"
	in.Target = "playstore"
	in.NDK = "21.0.6113669"

	req, err := ValidateSDK(in)
	require.NoError(t, err)
	assert.Equal(t, SDKRequest{APILevel: 30, Target: "google_apis_playstore", Arch: "x86", NDK: "21.0.6113669"}, req)

	in.Arch = "arm"
	_, err = ValidateSDK(in)
	assert.True(t, IsValidationError(err))
}

func TestValidateUploadRequiresPath(t *testing.T) {
	in := DefaultInputs()
	in.ProjectToken = "tok"
	in.Ref = "main"
	_, err := ValidateUpload(in)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, InputScreenshotsPath, verr.Field)

	in.ScreenshotsPath = " shots "
	up, err := ValidateUpload(in)
	require.NoError(t, err)
	assert.Equal(t, UploadConfig{ScreenshotsPath: "shots", ProjectToken: "tok", Ref: "main"}, up)
}
