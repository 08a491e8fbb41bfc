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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/refcounts/pkg/prometheus"
	"gvisor.dev/refcounts/refstress/cmd/util"
	"gvisor.dev/refcounts/refstress/config"
	"gvisor.dev/refcounts/refstress/flag"
)

// summarizeMetrics parses Prometheus text data from r and writes one line
// per sample whose name matches filter to w. It returns the total of all
// consistency violation samples.
func summarizeMetrics(w io.Writer, r io.Reader, filter *regexp.Regexp) (float64, error) {
	families, err := prometheus.Families(r)
	if err != nil {
		return 0, err
	}
	var violations float64
	for _, v := range prometheus.Values(families) {
		if strings.HasSuffix(v.Name, "refs_consistency_violations") {
			violations += v.Value
		}
		if filter != nil && !filter.MatchString(v.Name) {
			continue
		}
		labels := make([]string, 0, len(v.Labels))
		for k, l := range v.Labels {
			labels = append(labels, fmt.Sprintf("%s=%q", k, l))
		}
		sort.Strings(labels)
		fmt.Fprintf(w, "%-50s %-8s %-30s %v\n", v.Name, v.Type, strings.Join(labels, ","), v.Value)
	}
	return violations, nil
}

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	filter           string
	failOnViolations bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "summarize a Prometheus metric file written by --metrics-file"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-filter=<regexp>] [-fail-on-violations] <file> - prints the samples of a Prometheus text file
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.filter, "filter", "", "only print samples whose name matches this regular expression.")
	f.BoolVar(&m.failOnViolations, "fail-on-violations", false, "fail if the file records any reference counting consistency violation.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.MetricsFile != "" && conf.MetricsFile == f.Arg(0) {
		return util.Errorf("refusing to read %q, which --metrics-file is about to overwrite", f.Arg(0))
	}

	var filter *regexp.Regexp
	if m.filter != "" {
		var err error
		if filter, err = regexp.Compile(m.filter); err != nil {
			return util.Errorf("invalid -filter: %v", err)
		}
	}
	file, err := os.Open(f.Arg(0))
	if err != nil {
		return util.Errorf("opening metric file: %v", err)
	}
	defer file.Close()

	violations, err := summarizeMetrics(os.Stdout, file, filter)
	if err != nil {
		return util.Errorf("parsing metric file %q: %v", f.Arg(0), err)
	}
	if m.failOnViolations && violations > 0 {
		return util.Errorf("%v consistency violations recorded", violations)
	}
	return subcommands.ExitSuccess
}
