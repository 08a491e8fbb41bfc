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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strings"

	"gvisor.dev/refcounts/pkg/atomicbitops"
	"gvisor.dev/refcounts/pkg/log"
	"gvisor.dev/refcounts/pkg/prometheus"
	"gvisor.dev/refcounts/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// metricNameRegex is the pattern every metric name must match.
var metricNameRegex = regexp.MustCompile(`^(/[a-z_]+)+$`)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

var (
	// initialized indicates that all metrics are registered. allMetrics is
	// immutable once initialized is true.
	initialized bool

	// allMetrics are the registered metrics.
	allMetrics = makeMetricSet()
)

// Initialize marks registration as complete. Metrics created afterwards are
// rejected with ErrInitializationDone.
//
// Precondition:
//   - All metrics are registered.
//   - Initialize has not been called.
func Initialize() error {
	if initialized {
		return errors.New("metric.Initialize called after metric.Initialize")
	}
	initialized = true
	log.Debugf("Metrics initialized with %d registered metrics", len(allMetrics.uint64Metrics))
	return nil
}

type customUint64Metric struct {
	// name is the metric name, in "/component/name" form. It is immutable.
	name string

	// description describes the metric. It is immutable.
	description string

	// cumulative is true if the value only ever increases.
	cumulative bool

	// field is the optional field breaking down the metric.
	field *Field

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. We could also ignore them
		// instead, but passing in a no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)

		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}

		panic(fmt.Sprintf("disallowed field value %q", val))
	}

	return idx
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// RegisterCustomUint64Metric registers a metric with the given name.
//
// Register must only be called at init and will return and error if called
// after Initialized.
//
// Preconditions:
//   - name must be globally unique.
//   - Initialize has not been called.
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if initialized {
		return ErrInitializationDone
	}
	if !metricNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	// Metrics can exist without fields.
	if l := len(fields); l > 1 {
		return fmt.Errorf("%d fields provided, must be <= 1", l)
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	m := customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	if len(fields) == 1 {
		m.field = &fields[0]
	}
	allMetrics.uint64Metrics[name] = m
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	return &m, RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// metricSet holds metric data.
type metricSet struct {
	// mu protects uint64Metrics during registration.
	mu sync.RWMutex

	// Map of uint64 metrics.
	uint64Metrics map[string]customUint64Metric
}

// makeMetricSet returns a new metricSet.
func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics: make(map[string]customUint64Metric),
	}
}

// Values returns a snapshot of all uint64 values in m, keyed by metric name.
// The value is either a uint64 or, for metrics with one field, a
// map[string]uint64 keyed by field value.
func (m *metricSet) Values() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vals := make(map[string]any, len(m.uint64Metrics))
	for k, v := range m.uint64Metrics {
		if v.field == nil {
			vals[k] = v.value()
			continue
		}
		fieldsMap := make(map[string]uint64, len(v.field.allowedValues))
		for _, fieldValue := range v.field.allowedValues {
			fieldsMap[fieldValue] = v.value(fieldValue)
		}
		vals[k] = fieldsMap
	}
	return vals
}

// Values returns the current value of every registered metric. See
// metricSet.Values for the value types.
func Values() map[string]any {
	return allMetrics.Values()
}

// prometheusName converts "/refs/deinits" to "refs_deinits".
func prometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// GetSnapshot returns a Prometheus snapshot of all registered metrics.
// Cumulative metrics are exported as counters, the rest as gauges.
func GetSnapshot() *prometheus.Snapshot {
	allMetrics.mu.RLock()
	defer allMetrics.mu.RUnlock()

	names := make([]string, 0, len(allMetrics.uint64Metrics))
	for name := range allMetrics.uint64Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	s := prometheus.NewSnapshot()
	for _, name := range names {
		m := allMetrics.uint64Metrics[name]
		pm := &prometheus.Metric{
			Name: prometheusName(name),
			Type: prometheus.TypeGauge,
			Help: m.description,
		}
		if m.cumulative {
			pm.Type = prometheus.TypeCounter
		}
		if m.field == nil {
			s.Add(prometheus.NewIntData(pm, int64(m.value())))
			continue
		}
		for _, fieldValue := range m.field.allowedValues {
			s.Add(prometheus.LabeledIntData(pm, map[string]string{m.field.name: fieldValue}, int64(m.value(fieldValue))))
		}
	}
	return s
}

// WritePrometheus writes a snapshot of all registered metrics to w in
// Prometheus text format.
func WritePrometheus(w io.Writer, options prometheus.ExportOptions, snapshotOptions prometheus.SnapshotExportOptions) (*prometheus.Snapshot, error) {
	s := GetSnapshot()
	if _, err := prometheus.Write(w, options, s, snapshotOptions); err != nil {
		return nil, fmt.Errorf("failed to write metrics: %w", err)
	}
	return s, nil
}
