// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"slices"

	"github.com/spf13/cobra"

	core "github.com/forkbombeu/emurunner/internal/avd"
)

// inputFlags exposes named inputs as flags. Values are layered as
// defaults < --inputs-file < INPUT_* environment < explicit flags.
type inputFlags struct {
	file   string
	values map[string]*string
}

// bindInputFlags registers one flag per input, or only the named ones.
func bindInputFlags(cmd *cobra.Command, only ...string) *inputFlags {
	f := &inputFlags{values: map[string]*string{}}
	for _, spec := range core.InputSpecs {
		if len(only) > 0 && !slices.Contains(only, spec.Name) {
			continue
		}
		f.values[spec.Name] = cmd.Flags().String(spec.Name, spec.Default, spec.Usage)
	}
	cmd.Flags().StringVar(&f.file, "inputs-file", "", "YAML file of inputs keyed by input name")
	return f
}

func (f *inputFlags) resolve(cmd *cobra.Command, lookup func(string) (string, bool)) (core.Inputs, error) {
	in := core.DefaultInputs()
	if f.file != "" {
		if err := in.ApplyFile(f.file); err != nil {
			return core.Inputs{}, err
		}
	}
	in.ApplyLookup(lookup)
	for name, value := range f.values {
		if !cmd.Flags().Changed(name) {
			continue
		}
		if err := in.Set(name, *value); err != nil {
			return core.Inputs{}, err
		}
	}
	return in, nil
}
