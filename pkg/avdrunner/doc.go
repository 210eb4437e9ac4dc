// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package avdrunner provides a Go library for running a shell script against a
freshly booted Android emulator, the way a CI job does.

# Overview

A run validates its inputs, installs the Android SDK components it needs,
creates and boots a virtual device, runs each script line through `sh -c`,
optionally uploads screenshots and finally stops the emulator. The emulator is
stopped on every path, including script failures and cancellation.

# Quick Start

	import "github.com/forkbombeu/emurunner/pkg/avdrunner"

	func main() {
		runner := avdrunner.New()

		in := avdrunner.DefaultInputs()
		in.APILevel = "29"
		in.Target = "google_apis"
		in.Script = "./gradlew connectedCheck"

		report, err := runner.Run(context.Background(), in)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("ran", report.Executed, "commands on", report.Serial)
	}

# Inputs

Inputs are plain strings named after the CI inputs: api-level (required),
target, arch, profile, cores, sdcard-path-or-size, avd-name,
emulator-options, disable-animations, emulator-build, working-directory, ndk,
cmake, script (required), screenshots-path, project-token and ref.
Validation errors wrap errdefs.ErrInvalidArgument.

# Script

The script is split into lines; blank lines are dropped and every other line
is trimmed and run on its own, in order, in the working directory. The first
failing line stops the script. ANDROID_SERIAL points at the booted device so
plain `adb` commands target it.

# Screenshots

When screenshots-path is set, every regular file in that directory is posted
as multipart field "image" to <upload-url>/images/upload/<project-token>/<ref>.
Upload failures are reported but never fail the run.

# Environment Configuration

By default, the runner auto-detects paths from environment variables:
- ANDROID_SDK_ROOT (or ANDROID_HOME)
- ANDROID_AVD_HOME
- EMURUNNER_CORRELATION_ID (or GITHUB_RUN_ID)

Use NewWithEnv() to override with custom paths.

# Requirements

- macOS or Linux (KVM strongly recommended)
- Network access to download the SDK on first use

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package avdrunner
