// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultInputs(t *testing.T) {
	in := DefaultInputs()
	assert.Equal(t, "default", in.Target)
	assert.Equal(t, "x86", in.Arch)
	assert.Equal(t, "2", in.Cores)
	assert.Equal(t, "test", in.AVDName)
	assert.Equal(t, "true", in.DisableAnimations)
	assert.Equal(t, "-no-window -gpu swiftshader_indirect -no-snapshot -noaudio -no-boot-anim", in.EmulatorOptions)
	assert.Empty(t, in.APILevel)
	assert.Empty(t, in.Script)
}

func TestInputsSetGet(t *testing.T) {
	in := DefaultInputs()
	require.NoError(t, in.Set(InputAPILevel, "30"))
	require.NoError(t, in.Set(InputSDCard, "1G"))

	v, ok := in.Get(InputAPILevel)
	assert.True(t, ok)
	assert.Equal(t, "30", v)
	assert.Equal(t, "1G", in.SDCardPathOrSize)

	err := in.Set("api_level", "30")
	assert.True(t, IsValidationError(err))
	_, ok = in.Get("nope")
	assert.False(t, ok)
}

func TestInputsApplyLookup(t *testing.T) {
	env := map[string]string{
		"INPUT_API-LEVEL":          "28",
		"INPUT_TARGET":             "playstore",
		"INPUT_DISABLE-ANIMATIONS": "false",
		"INPUT_ARCH":               "",
	}
	in := DefaultInputs()
	in.ApplyLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "28", in.APILevel)
	assert.Equal(t, "playstore", in.Target)
	assert.Equal(t, "false", in.DisableAnimations)
	assert.Equal(t, "x86", in.Arch, "empty values keep the default")
}

func TestInputsApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inputs.yaml")
	content := "api-level: \"31\"\n" +
		"arch: x86_64\n" +
		"script: |\n" +
		"  ./gradlew connectedCheck\n" +
		"  adb shell screencap /sdcard/a.png\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	in := DefaultInputs()
	require.NoError(t, in.ApplyFile(path))
	assert.Equal(t, "31", in.APILevel)
	assert.Equal(t, "x86_64", in.Arch)
	assert.Equal(t, []string{"./gradlew connectedCheck", "adb shell screencap /sdcard/a.png"}, ParseScript(in.Script))
	assert.Equal(t, "default", in.Target)
}

func TestInputsApplyFileErrors(t *testing.T) {
	in := DefaultInputs()
	assert.Error(t, in.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unknown-input: \"1\"\n"), 0o644))
	err := in.ApplyFile(path)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}
