// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	core "github.com/forkbombeu/emurunner/internal/avd"
)

var errInterrupted = errors.New("interrupted by termination signal")

func main() {
	shutdown, err := core.SetupTracing(context.Background(), "emurunner")
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
	}

	err = execute(newRootCmd())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = shutdown(shutdownCtx)
	cancel()

	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// execute runs the command next to a signal watcher; whichever returns first
// interrupts the other.
func execute(root *cobra.Command) error {
	var g run.Group

	{
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
		done := make(chan struct{})
		g.Add(
			func() error {
				select {
				case sig := <-sigs:
					return fmt.Errorf("%w (%s)", errInterrupted, sig)
				case <-done:
					return nil
				}
			},
			func(_ error) {
				signal.Stop(sigs)
				close(done)
			},
		)
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return root.ExecuteContext(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func newRootCmd() *cobra.Command {
	var (
		env                             core.Env
		sdkRoot, avdHome, correlationID string
		logLevel, logFormat             string
	)

	root := &cobra.Command{
		Use:           "emurunner",
		Short:         "Boot an Android emulator, run a script against it, always clean up (CI-friendly)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			if logFormat != "json" && logFormat != "text" {
				return fmt.Errorf("--log-format must be json or text, got %q", logFormat)
			}
			core.ConfigureLogging(os.Stdout, level, logFormat)

			env = core.Detect()
			if cmd.Flags().Changed("sdk-root") {
				env = env.WithSDKRoot(sdkRoot)
			}
			if cmd.Flags().Changed("avd-home") {
				env.AVDHome = avdHome
			}
			if correlationID != "" {
				env.CorrelationID = correlationID
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&sdkRoot, "sdk-root", "", "Android SDK root (default $ANDROID_SDK_ROOT or $ANDROID_HOME)")
	root.PersistentFlags().StringVar(&avdHome, "avd-home", "", "AVD home (default $ANDROID_AVD_HOME or ~/.android/avd)")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "id attached to every log line and span (default $EMURUNNER_CORRELATION_ID or $GITHUB_RUN_ID)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "json or text")

	// run
	var (
		bootTimeout  time.Duration
		bootAttempts int
		uploadURL    string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Install the SDK, boot an emulator, run the script and kill the emulator",
		Args:  cobra.NoArgs,
	}
	runInputs := bindInputFlags(runCmd)
	runCmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := runInputs.resolve(cmd, os.LookupEnv)
		if err != nil {
			return err
		}
		runner := core.NewRunner(env, core.RunnerOptions{
			Boot:      core.BootPolicy{Timeout: bootTimeout, MaxAttempts: bootAttempts},
			UploadURL: uploadURL,
		})
		report, err := runner.Run(cmd.Context(), in)
		if report.Upload != nil {
			fmt.Printf("Uploaded %d/%d screenshots\n", len(report.Upload.Uploaded), report.Upload.Attempted)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Ran %d commands on %s\n", report.Executed, report.Serial)
		return nil
	}
	runCmd.Flags().DurationVar(&bootTimeout, "boot-timeout", core.DefaultBootPolicy().Timeout, "give up waiting for boot after this long")
	runCmd.Flags().IntVar(&bootAttempts, "boot-attempts", core.DefaultBootPolicy().MaxAttempts, "give up waiting for boot after this many polls")
	runCmd.Flags().StringVar(&uploadURL, "upload-url", core.DefaultUploadURL, "screenshot service base URL")
	root.AddCommand(runCmd)

	// validate
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate inputs and print the resulting configuration as JSON",
		Args:  cobra.NoArgs,
	}
	validateInputs := bindInputFlags(validateCmd)
	validateCmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := validateInputs.resolve(cmd, os.LookupEnv)
		if err != nil {
			return err
		}
		cfg, err := core.Validate(cmd.Context(), env, in)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	root.AddCommand(validateCmd)

	// install
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the SDK components for an API level without booting anything",
		Args:  cobra.NoArgs,
	}
	installInputs := bindInputFlags(installCmd,
		core.InputAPILevel, core.InputTarget, core.InputArch,
		core.InputEmulatorBuild, core.InputNDK, core.InputCMake,
	)
	installCmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := installInputs.resolve(cmd, os.LookupEnv)
		if err != nil {
			return err
		}
		req, err := core.ValidateSDK(in)
		if err != nil {
			return err
		}
		if err := core.NewSDKInstaller(env).Install(cmd.Context(), req); err != nil {
			return err
		}
		fmt.Printf("Installed %s\n", strings.Join(req.Packages(), " "))
		return nil
	}
	root.AddCommand(installCmd)

	// upload
	var standaloneUploadURL string
	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a directory of screenshots",
		Args:  cobra.NoArgs,
	}
	uploadInputs := bindInputFlags(uploadCmd, core.InputScreenshotsPath, core.InputProjectToken, core.InputRef)
	uploadCmd.RunE = func(cmd *cobra.Command, args []string) error {
		in, err := uploadInputs.resolve(cmd, os.LookupEnv)
		if err != nil {
			return err
		}
		cfg, err := core.ValidateUpload(in)
		if err != nil {
			return err
		}
		report := core.NewScreenshotUploader(env, standaloneUploadURL).Upload(cmd.Context(), cfg)
		fmt.Printf("Uploaded %d/%d screenshots\n", len(report.Uploaded), report.Attempted)
		return report.Err()
	}
	uploadCmd.Flags().StringVar(&standaloneUploadURL, "upload-url", core.DefaultUploadURL, "screenshot service base URL")
	root.AddCommand(uploadCmd)

	// ps
	var psJSON bool
	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "List running emulators with AVD name, serial, port, PID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := core.ListRunning(cmd.Context(), env)
			if err != nil {
				return err
			}
			if psJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(procs)
			}
			if len(procs) == 0 {
				fmt.Println("(no emulators)")
				return nil
			}
			for _, p := range procs {
				state := "booting"
				if p.Booted {
					state = "ready"
				}
				fmt.Printf("%-18s %-14s port=%-5d pid=%-7d %s\n", p.Name, p.Serial, p.Port, p.PID, state)
			}
			return nil
		},
	}
	psCmd.Flags().BoolVar(&psJSON, "json", false, "output JSON")
	root.AddCommand(psCmd)

	// stop
	var stopName, stopSerial string
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running emulator by --name or --serial",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stopSerial == "" && stopName == "" {
				return errors.New("use --name or --serial")
			}
			serial := stopSerial
			if serial == "" {
				var err error
				if serial, err = core.SerialForName(cmd.Context(), env, stopName); err != nil {
					return err
				}
				if serial == "" {
					return fmt.Errorf("no running emulator named %s", stopName)
				}
			}
			if err := core.StopBySerial(cmd.Context(), env, serial); err != nil {
				return err
			}
			fmt.Printf("Stopped %s\n", serial)
			return nil
		},
	}
	stopCmd.Flags().StringVar(&stopName, "name", "", "AVD name")
	stopCmd.Flags().StringVar(&stopSerial, "serial", "", "emulator serial (e.g., emulator-5554)")
	stopCmd.MarkFlagsMutuallyExclusive("name", "serial")
	root.AddCommand(stopCmd)

	return root
}

// reportError prints err to stderr and, inside GitHub Actions, as an error
// annotation on stdout.
func reportError(err error) {
	fmt.Fprintln(os.Stderr, err)
	if os.Getenv("GITHUB_ACTIONS") == "true" {
		fmt.Println(annotation(err))
	}
}

func annotation(err error) string {
	msg := strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A").Replace(err.Error())
	return "::error::" + msg
}
