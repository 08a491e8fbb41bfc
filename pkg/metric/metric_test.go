// Copyright 2018 The gVisor Authors.
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

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/refcounts/pkg/prometheus"
)

// reset clears all global state in the metric package.
func reset() {
	initialized = false
	allMetrics = makeMetricSet()
}

const (
	fooDescription     = "Foo!"
	barDescription     = "Bar Baz"
	counterDescription = "Counter"
)

func TestInitialize(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize(): %s", err)
	}
	if err := Initialize(); err == nil {
		t.Errorf("second Initialize() got nil want error")
	}
	if _, err := NewUint64Metric("/bar", barDescription); err != ErrInitializationDone {
		t.Errorf("NewUint64Metric after Initialize got err %v want %v", err, ErrInitializationDone)
	}
}

func TestNameInUse(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", barDescription); err != ErrNameInUse {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestInvalidName(t *testing.T) {
	defer reset()

	for _, name := range []string{"", "foo", "/Foo", "/foo/", "/foo-bar", "//foo"} {
		if _, err := NewUint64Metric(name, fooDescription); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) got err %v want %v", name, err, ErrInvalidName)
		}
	}
}

func TestIncrement(t *testing.T) {
	defer reset()

	foo, err := NewUint64Metric("/foo", fooDescription)
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	foo.Increment()
	foo.IncrementBy(4)
	if got := foo.Value(); got != 5 {
		t.Errorf("Value got %d want 5", got)
	}
}

func TestFields(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/empty", counterDescription, NewField("kind", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}

	counter, err := NewUint64Metric("/violations", counterDescription, NewField("op", []string{"retain", "release"}))
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	counter.IncrementBy(4, "retain")
	counter.Increment("release")

	want := map[string]any{
		"/violations": map[string]uint64{"retain": 4, "release": 1},
	}
	if diff := cmp.Diff(want, Values()); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Increment with disallowed field value did not panic")
		}
	}()
	counter.Increment("weird")
}

func TestCustomMetric(t *testing.T) {
	defer reset()

	live := uint64(3)
	MustRegisterCustomUint64Metric("/live", false /* cumulative */, barDescription, func(...string) uint64 { return live })
	if diff := cmp.Diff(map[string]any{"/live": uint64(3)}, Values()); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
	live = 1
	if diff := cmp.Diff(map[string]any{"/live": uint64(1)}, Values()); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestRuntimeMetric(t *testing.T) {
	defer reset()

	r, err := NewRuntimeUint64Metric("/runtime/goroutines", "/sched/goroutines:goroutines")
	if err != nil {
		t.Fatalf("NewRuntimeUint64Metric got err %v want nil", err)
	}
	if r.Value() == 0 {
		t.Errorf("goroutine count got 0 want > 0")
	}
	if _, err := NewRuntimeUint64Metric("/runtime/bogus", "/no/such:metric"); err == nil {
		t.Errorf("NewRuntimeUint64Metric with unknown metric got nil want error")
	}
}

func TestWritePrometheus(t *testing.T) {
	defer reset()

	foo := MustCreateNewUint64Metric("/refs/deinits", fooDescription)
	MustRegisterCustomUint64Metric("/refs/side_tables_live", false /* cumulative */, barDescription, func(...string) uint64 { return 2 })
	field := MustCreateNewUint64Metric("/refs/consistency_violations", counterDescription, NewField("op", []string{"retain", "release"}))
	foo.IncrementBy(3)
	field.Increment("release")

	var buf bytes.Buffer
	opts := prometheus.SnapshotExportOptions{ExporterPrefix: "refstress_"}
	s, err := WritePrometheus(&buf, prometheus.ExportOptions{}, opts)
	if err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	for _, want := range []string{
		"# TYPE refstress_refs_deinits counter\n",
		"# TYPE refstress_refs_side_tables_live gauge\n",
		`refstress_refs_consistency_violations{op="release"} 1`,
		`refstress_refs_consistency_violations{op="retain"} 0`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
	if err := prometheus.NewVerifier().Verify(bytes.NewReader(buf.Bytes()), s, opts); err != nil {
		t.Errorf("Verify: %v", err)
	}
}
