// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import "strings"

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// ParseScript splits a multi-line script into trimmed, non-empty commands,
// keeping their order. Empty input gives an empty, non-nil slice.
func ParseScript(raw string) []string {
	lines := strings.Split(lineBreaks.Replace(raw), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
