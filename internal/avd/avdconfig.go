// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

func avdDir(env Env, name string) string {
	return filepath.Join(env.AVDHome, name+".avd")
}

// setConfigValues rewrites keys in an AVD's config.ini, dropping any previous
// value so the file never carries duplicates.
func setConfigValues(env Env, name string, values map[string]string) error {
	path := filepath.Join(avdDir(env, name), "config.ini")
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return os.WriteFile(path, mergeConfigINI(b, values), 0o644)
}

func mergeConfigINI(b []byte, values map[string]string) []byte {
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	out := make([]string, 0, len(lines)+len(values))
	for _, l := range lines {
		key, _, _ := strings.Cut(l, "=")
		if _, replaced := values[strings.TrimSpace(key)]; replaced {
			continue
		}
		out = append(out, l)
	}
	for _, key := range slices.Sorted(maps.Keys(values)) {
		out = append(out, key+"="+values[key])
	}
	return []byte(strings.Join(out, "\n") + "\n")
}
