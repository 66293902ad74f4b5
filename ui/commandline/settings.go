// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/distrain/pkg/train/runconfig"
)

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the configuration keys and their values in defaults.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		settings := commandline.CreateSettingsFlag(runconfig.Default(), "")
//		flag.Parse()
//		cfg, err := runconfig.Load(*configPath, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		...
//	}
func CreateSettingsFlag(defaults runconfig.RunConfig, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Override configuration values. ` +
			`It should be a list of elements "key=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Keys that can be set:`,
	}
	for _, key := range runconfig.Keys() {
		value, _ := defaults.Get(key)
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	}
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintModifiedSettings pretty-prints the values of the keys set in cfg, as returned by
// runconfig.RunConfig.ApplySettings.
func SprintModifiedSettings(cfg runconfig.RunConfig, keysSet []string) string {
	var parts []string
	keysSet = slices.Clone(keysSet)
	slices.Sort(keysSet)
	keysSet = slices.Compact(keysSet)
	for _, key := range keysSet {
		value, found := cfg.Get(key)
		if !found {
			continue
		}
		if key == "ledger_dsn" {
			value = "<redacted>"
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
