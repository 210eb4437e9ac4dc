// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Input names, as exposed by the CI configuration.
const (
	InputAPILevel          = "api-level"
	InputTarget            = "target"
	InputArch              = "arch"
	InputProfile           = "profile"
	InputCores             = "cores"
	InputSDCard            = "sdcard-path-or-size"
	InputAVDName           = "avd-name"
	InputEmulatorOptions   = "emulator-options"
	InputDisableAnimations = "disable-animations"
	InputEmulatorBuild     = "emulator-build"
	InputWorkingDirectory  = "working-directory"
	InputNDK               = "ndk"
	InputCMake             = "cmake"
	InputScript            = "script"
	InputScreenshotsPath   = "screenshots-path"
	InputProjectToken      = "project-token"
	InputRef               = "ref"
)

// Inputs holds the raw, unvalidated string inputs of a run.
type Inputs struct {
	APILevel          string `yaml:"api-level" json:"api-level"`
	Target            string `yaml:"target" json:"target"`
	Arch              string `yaml:"arch" json:"arch"`
	Profile           string `yaml:"profile" json:"profile"`
	Cores             string `yaml:"cores" json:"cores"`
	SDCardPathOrSize  string `yaml:"sdcard-path-or-size" json:"sdcard-path-or-size"`
	AVDName           string `yaml:"avd-name" json:"avd-name"`
	EmulatorOptions   string `yaml:"emulator-options" json:"emulator-options"`
	DisableAnimations string `yaml:"disable-animations" json:"disable-animations"`
	EmulatorBuild     string `yaml:"emulator-build" json:"emulator-build"`
	WorkingDirectory  string `yaml:"working-directory" json:"working-directory"`
	NDK               string `yaml:"ndk" json:"ndk"`
	CMake             string `yaml:"cmake" json:"cmake"`
	Script            string `yaml:"script" json:"script"`
	ScreenshotsPath   string `yaml:"screenshots-path" json:"screenshots-path"`
	ProjectToken      string `yaml:"project-token" json:"project-token"`
	Ref               string `yaml:"ref" json:"ref"`
}

// InputSpec describes one named input.
type InputSpec struct {
	Name    string
	Default string
	Usage   string
	field   func(*Inputs) *string
}

// InputSpecs lists every input in declaration order.
var InputSpecs = []InputSpec{
	{InputAPILevel, "", "API level of the platform and system image (required)", func(i *Inputs) *string { return &i.APILevel }},
	{InputTarget, "default", "target of the system image: default, google_apis, google_apis_playstore or playstore", func(i *Inputs) *string { return &i.Target }},
	{InputArch, "x86", "CPU architecture of the system image: x86 or x86_64", func(i *Inputs) *string { return &i.Arch }},
	{InputProfile, "", "hardware profile used for creating the AVD", func(i *Inputs) *string { return &i.Profile }},
	{InputCores, "2", "number of cores to use for the emulator", func(i *Inputs) *string { return &i.Cores }},
	{InputSDCard, "", "SD card path or size used for creating the AVD", func(i *Inputs) *string { return &i.SDCardPathOrSize }},
	{InputAVDName, "test", "custom AVD name", func(i *Inputs) *string { return &i.AVDName }},
	{InputEmulatorOptions, "-no-window -gpu swiftshader_indirect -no-snapshot -noaudio -no-boot-anim", "command-line options used when launching the emulator", func(i *Inputs) *string { return &i.EmulatorOptions }},
	{InputDisableAnimations, "true", "whether to disable animations: true or false", func(i *Inputs) *string { return &i.DisableAnimations }},
	{InputEmulatorBuild, "", "build number of a specific emulator binary to use", func(i *Inputs) *string { return &i.EmulatorBuild }},
	{InputWorkingDirectory, "", "working directory for the script", func(i *Inputs) *string { return &i.WorkingDirectory }},
	{InputNDK, "", "version of NDK to install", func(i *Inputs) *string { return &i.NDK }},
	{InputCMake, "", "version of CMake to install", func(i *Inputs) *string { return &i.CMake }},
	{InputScript, "", "shell commands to run, one per line (required)", func(i *Inputs) *string { return &i.Script }},
	{InputScreenshotsPath, "", "directory of screenshots to upload after the script", func(i *Inputs) *string { return &i.ScreenshotsPath }},
	{InputProjectToken, "", "project token of the screenshot service", func(i *Inputs) *string { return &i.ProjectToken }},
	{InputRef, "", "commit ref the screenshots belong to", func(i *Inputs) *string { return &i.Ref }},
}

// DefaultInputs returns Inputs populated with every default value.
func DefaultInputs() Inputs {
	var in Inputs
	for _, spec := range InputSpecs {
		*spec.field(&in) = spec.Default
	}
	return in
}

// Set assigns a named input.
func (in *Inputs) Set(name, value string) error {
	for _, spec := range InputSpecs {
		if spec.Name == name {
			*spec.field(in) = value
			return nil
		}
	}
	return &ValidationError{Field: name, Reason: "unknown input"}
}

// Get returns a named input.
func (in *Inputs) Get(name string) (string, bool) {
	for _, spec := range InputSpecs {
		if spec.Name == name {
			return *spec.field(in), true
		}
	}
	return "", false
}

// ApplyLookup overrides inputs with values found by lookup under the GitHub
// Actions convention INPUT_<NAME>, where NAME is upper-cased and keeps dashes.
func (in *Inputs) ApplyLookup(lookup func(string) (string, bool)) {
	for _, spec := range InputSpecs {
		key := "INPUT_" + strings.ToUpper(strings.ReplaceAll(spec.Name, " ", "_"))
		if v, ok := lookup(key); ok && v != "" {
			*spec.field(in) = v
		}
	}
}

// ApplyFile overrides inputs with the non-empty values of a YAML file.
func (in *Inputs) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading inputs file: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing inputs file %s: %w", path, err)
	}
	for name, value := range raw {
		if value == "" {
			continue
		}
		if err := in.Set(name, value); err != nil {
			return fmt.Errorf("inputs file %s: %w", path, err)
		}
	}
	return nil
}
