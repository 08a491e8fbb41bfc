// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/refcounts/refstress/flag"
)

// decodeFile decodes a configuration file into a map from flag name to
// value. Files ending in .yaml or .yml are YAML, all others TOML.
func decodeFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config TOML: %w", err)
		}
	}
	return values, nil
}

// ApplyFile sets every flag named in the configuration file at path that was
// not set on the command line.
func ApplyFile(flagSet *flag.FlagSet, path string) error {
	values, err := decodeFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file %q may not name another config file", path)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config file %q: flag %q not found", path, name)
		}
		if flag.IsSet(flagSet, name) {
			continue
		}
		var value string
		switch v := values[name].(type) {
		case string:
			value = v
		case bool, int, int64, uint64, float64:
			value = fmt.Sprint(v)
		default:
			return fmt.Errorf("config file %q: flag %q has unsupported value %v of type %T", path, name, v, v)
		}
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("config file %q: error setting flag %s=%q: %w", path, name, value, err)
		}
	}
	return nil
}
