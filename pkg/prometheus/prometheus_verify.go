// Copyright 2023 The gVisor Authors.
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

package prometheus

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Families parses Prometheus text exposition data, as produced by Write.
func Families(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("cannot parse Prometheus text: %w", err)
	}
	return families, nil
}

// Value is a single parsed data point.
type Value struct {
	Name   string
	Type   Type
	Labels map[string]string
	Value  float64
}

// Values flattens parsed families into a list of data points sorted by name
// and labels.
func Values(families map[string]*dto.MetricFamily) []Value {
	var values []Value
	for name, family := range families {
		typ := TypeUntyped
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			typ = TypeCounter
		case dto.MetricType_GAUGE:
			typ = TypeGauge
		}
		for _, m := range family.GetMetric() {
			v := Value{Name: name, Type: typ}
			if len(m.GetLabel()) > 0 {
				v.Labels = make(map[string]string, len(m.GetLabel()))
				for _, l := range m.GetLabel() {
					v.Labels[l.GetName()] = l.GetValue()
				}
			}
			switch typ {
			case TypeCounter:
				v.Value = m.GetCounter().GetValue()
			case TypeGauge:
				v.Value = m.GetGauge().GetValue()
			default:
				v.Value = m.GetUntyped().GetValue()
			}
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].Name != values[j].Name {
			return values[i].Name < values[j].Name
		}
		return labelKey(values[i].Labels) < labelKey(values[j].Labels)
	})
	return values
}

func labelKey(labels map[string]string) string {
	ordered, _ := OrderedLabels(labels)
	return strings.Join(ordered, ",")
}

// Verifier checks that exported metric data matches what was written, and
// that counters never go backwards across successive exports.
type Verifier struct {
	// lastCounters maps "name{labels}" to the last value seen for a counter.
	lastCounters map[string]float64
}

// NewVerifier returns a new Verifier.
func NewVerifier() *Verifier {
	return &Verifier{lastCounters: make(map[string]float64)}
}

// Verify parses the exposition text in r and checks it against snapshot,
// which must be the snapshot that was exported using options.
func (v *Verifier) Verify(r io.Reader, snapshot *Snapshot, options SnapshotExportOptions) error {
	families, err := Families(r)
	if err != nil {
		return err
	}
	got := make(map[string]Value)
	for _, val := range Values(families) {
		got[val.Name+"{"+labelKey(val.Labels)+"}"] = val
	}

	var errs []error
	for _, d := range snapshot.Data {
		labels := make(map[string]string, len(d.Labels)+len(options.ExtraLabels))
		for k, lv := range d.Labels {
			labels[k] = lv
		}
		for k, lv := range options.ExtraLabels {
			labels[k] = lv
		}
		key := options.ExporterPrefix + d.Metric.Name + "{" + labelKey(labels) + "}"
		val, ok := got[key]
		if !ok {
			errs = append(errs, fmt.Errorf("metric %s not found in exported data", key))
			continue
		}
		if val.Type != d.Metric.Type {
			errs = append(errs, fmt.Errorf("metric %s has type %v, want %v", key, val.Type, d.Metric.Type))
		}
		if want := d.Number.Value(); val.Value != want {
			errs = append(errs, fmt.Errorf("metric %s has value %v, want %v", key, val.Value, want))
		}
		if val.Type == TypeCounter {
			if last, ok := v.lastCounters[key]; ok && val.Value < last {
				errs = append(errs, fmt.Errorf("counter %s went backwards: %v -> %v", key, last, val.Value))
			}
			v.lastCounters[key] = val.Value
		}
		delete(got, key)
	}
	for key := range got {
		errs = append(errs, fmt.Errorf("unexpected metric %s in exported data", key))
	}
	return errors.Join(errs...)
}
