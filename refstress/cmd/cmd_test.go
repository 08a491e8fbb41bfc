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
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/refcounts/pkg/prometheus"
	"gvisor.dev/refcounts/pkg/refs"
)

func TestScenarios(t *testing.T) {
	var out bytes.Buffer
	if err := runScenarios(&out, "all"); err != nil {
		t.Fatalf("runScenarios: %v\n%s", err, out.String())
	}
	for name := range scenarios {
		if !strings.Contains(out.String(), "scenario "+name+":") {
			t.Errorf("output does not mention scenario %q:\n%s", name, out.String())
		}
	}
	if got, want := strings.Count(out.String(), "PASS"), len(scenarios); got != want {
		t.Errorf("got %d passing scenarios want %d:\n%s", got, want, out.String())
	}
}

func TestUnknownScenario(t *testing.T) {
	if err := runScenarios(&bytes.Buffer{}, "bogus"); err == nil {
		t.Errorf("runScenarios(bogus) got nil error")
	}
}

func TestScenarioRunReportsDeviations(t *testing.T) {
	var out bytes.Buffer
	r := &scenarioRun{w: &out}
	r.expect("strong count", uint32(1), uint32(2))
	r.expect("dually referenced", true, true)
	if len(r.errs) != 1 {
		t.Fatalf("got %d errors want 1: %v", len(r.errs), r.errs)
	}
	if !strings.Contains(out.String(), "FAIL strong count: got 1, want 2") {
		t.Errorf("output does not report the deviation:\n%s", out.String())
	}
}

func TestStress(t *testing.T) {
	old := refs.GetLeakMode()
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(old)

	res, err := runStress(context.Background(), stressOpts{
		goroutines: 8,
		iterations: 2000,
		objects:    3,
	})
	if err != nil {
		t.Fatalf("runStress: %v", err)
	}
	if res.ops == 0 || res.weakLoads == 0 {
		t.Errorf("runStress did no work: %+v", res)
	}
	if res.leakedAfter != res.leakedBefore {
		t.Errorf("leaked objects got %d want %d", res.leakedAfter, res.leakedBefore)
	}
}

func TestStressCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runStress(ctx, stressOpts{goroutines: 2, iterations: 100, objects: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("runStress got error %v want %v", err, context.Canceled)
	}
}

func TestScramble(t *testing.T) {
	plain := runScramble(500, false)
	if plain.reallocations != 0 || plain.copies != 0 {
		t.Errorf("scramble without interference got %d reallocations and %d copies, want 0", plain.reallocations, plain.copies)
	}
	interfered := runScramble(500, true)
	if interfered.reallocations == 0 {
		t.Errorf("scramble with interference got 0 reallocations")
	}
	if diff := cmp.Diff(plain.elements, interfered.elements); diff != "" {
		t.Errorf("interference changed the result (-want +got):\n%s", diff)
	}
}

func TestSummarizeMetrics(t *testing.T) {
	violations := &prometheus.Metric{
		Name: "refs_consistency_violations",
		Type: prometheus.TypeCounter,
		Help: "Number of detected reference counting protocol violations.",
	}
	deinits := &prometheus.Metric{
		Name: "refs_deinits",
		Type: prometheus.TypeCounter,
		Help: "Number of objects whose strong count reached zero.",
	}
	snapshot := prometheus.NewSnapshot().Add(
		prometheus.LabeledIntData(violations, map[string]string{"op": "release"}, 2),
		prometheus.LabeledIntData(violations, map[string]string{"op": "retain"}, 1),
		prometheus.NewIntData(deinits, 7),
	)
	var data bytes.Buffer
	if _, err := prometheus.Write(&data, prometheus.ExportOptions{}, snapshot, prometheus.SnapshotExportOptions{ExporterPrefix: "refstress_"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out bytes.Buffer
	got, err := summarizeMetrics(&out, bytes.NewReader(data.Bytes()), regexp.MustCompile("deinits"))
	if err != nil {
		t.Fatalf("summarizeMetrics: %v", err)
	}
	if got != 3 {
		t.Errorf("violations got %v want 3", got)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "refstress_refs_deinits") || !strings.HasSuffix(lines[0], " 7") {
		t.Errorf("unexpected summary:\n%s", out.String())
	}

	if _, err := summarizeMetrics(&out, strings.NewReader("not { metrics"), nil); err == nil {
		t.Errorf("summarizeMetrics of garbage got nil error")
	}
}
