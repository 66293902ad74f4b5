// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"encoding"
	"encoding/json"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/distrain/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ApplySettings overrides fields from settings, a list separated by ";": e.g.: "epochs=10;optimizer=sgd".
//
// Keys are the yaml names of the RunConfig fields. The current type of the field defines how the value is
// parsed. For integer fields "_" is removed, so large numbers can be written as 1_000_000.
//
// A setting "file:<path>" reads further settings from a file, one or more per line; empty lines and lines
// starting with "#" are ignored.
//
// It returns the list of keys set, in order.
func (c *RunConfig) ApplySettings(settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = c.applySetting(strings.TrimSpace(setting), keysSet)
		if err != nil {
			return
		}
	}
	return
}

func (c *RunConfig) applySetting(setting string, keysSet []string) ([]string, error) {
	if setting == "" {
		return keysSet, nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return keysSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return keysSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			keysSet, err = c.ApplySettings(line)
			if err != nil {
				return keysSet, err
			}
		}
		return keysSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return keysSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	key = strings.TrimSpace(key)
	field, ok := c.fieldByKey(key)
	if !ok {
		return keysSet, errors.Errorf("unknown setting %q, known keys are: %s", key, strings.Join(Keys(), ", "))
	}
	if err := parseInto(field, valueStr); err != nil {
		return keysSet, errors.Wrapf(err, "failed to parse value %q for setting %q (current value is %v)",
			valueStr, key, field.Interface())
	}
	return append(keysSet, key), nil
}

// fieldByKey returns the addressable field whose yaml name is key.
func (c *RunConfig) fieldByKey(key string) (reflect.Value, bool) {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := range t.NumField() {
		if yamlName(t.Field(i)) == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Get returns the value of the field with the given key, as accepted by ApplySettings.
func (c RunConfig) Get(key string) (value any, found bool) {
	field, found := c.fieldByKey(key)
	if !found {
		return nil, false
	}
	return field.Interface(), true
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	return name
}

// Keys returns the sorted list of keys accepted by ApplySettings.
func Keys() []string {
	t := reflect.TypeOf(RunConfig{})
	keys := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		if name := yamlName(t.Field(i)); name != "" && name != "-" {
			keys = append(keys, name)
		}
	}
	slices.Sort(keys)
	return keys
}

func parseInto(field reflect.Value, valueStr string) error {
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(valueStr))
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(valueStr)
		return nil
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	case reflect.Float32, reflect.Float64, reflect.Bool:
	default:
		return errors.Errorf("don't know how to parse type %s", field.Type())
	}
	return json.Unmarshal([]byte(valueStr), field.Addr().Interface())
}
