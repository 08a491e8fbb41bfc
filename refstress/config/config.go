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

// Package config provides basic infrastructure to set configuration settings
// for refstress. Each setting can be set from a command line flag or from a
// configuration file.
package config

import (
	"fmt"

	"gvisor.dev/refcounts/pkg/log"
	"gvisor.dev/refcounts/pkg/refs"
)

// Config holds configuration that is not part of any single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is a TOML or YAML file mapping flag names to values. Flags
	// given on the command line take precedence.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// the %TIMESTAMP% and %COMMAND% variables.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows sending log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// MaxSideTables limits the number of side tables in use at once.
	MaxSideTables uint `flag:"max-side-tables"`

	// MetricsFile is where a Prometheus snapshot of all metrics is written
	// after the command completes, if not empty.
	MetricsFile string `flag:"metrics-file"`

	// MetricsPrefix prefixes every exported metric name.
	MetricsPrefix string `flag:"metrics-prefix"`
}

var logFormats = map[string]struct{}{
	"text":   {},
	"json":   {},
	"logrus": {},
}

func (c *Config) validate() error {
	if _, ok := logFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q, must be one of: text, json, logrus", c.LogFormat)
	}
	if c.MaxSideTables == 0 || uint64(c.MaxSideTables) > uint64(refs.DefaultSideTableLimit) {
		return fmt.Errorf("max-side-tables must be in [1, %d], got %d", refs.DefaultSideTableLimit, c.MaxSideTables)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.ConfigFile: %q", c.ConfigFile)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
	log.Infof("Config.MaxSideTables: %d", c.MaxSideTables)
	log.Infof("Config.MetricsFile: %q", c.MetricsFile)
}
