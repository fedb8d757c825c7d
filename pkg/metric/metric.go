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

// Package metric provides primitives for collecting metrics and exporting
// them in the Prometheus text exposition format.
package metric

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gvisor.dev/altp2m/pkg/atomicbitops"
	"gvisor.dev/altp2m/pkg/log"
	"gvisor.dev/altp2m/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that a metric has more than one field.
	ErrTooManyFields = errors.New("metric supports at most one field")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. It is always a cumulative counter.
type Uint64Metric struct {
	name        string
	description string

	// field is nil for metrics without fields.
	field *Field

	// values holds one counter per allowed field value, or a single counter
	// if the metric has no field.
	values []atomicbitops.Uint64
}

var (
	// allMetricsMu protects allMetrics.
	allMetricsMu sync.Mutex

	// allMetrics are the registered metrics, keyed by name.
	allMetrics = make(map[string]*Uint64Metric)
)

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for _, r := range name[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '/') {
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
	}
	switch len(fields) {
	case 0:
		m.values = make([]atomicbitops.Uint64, 1)
	case 1:
		if len(fields[0].allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		m.field = &fields[0]
		m.values = make([]atomicbitops.Uint64, len(fields[0].allowedValues))
	default:
		return nil, ErrTooManyFields
	}

	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// key returns the index into m.values for the given field values.
func (m *Uint64Metric) key(fieldValues []string) (int, bool) {
	if m.field == nil {
		return 0, len(fieldValues) == 0
	}
	if len(fieldValues) != 1 {
		return 0, false
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i, true
		}
	}
	return 0, false
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	k, ok := m.key(fieldValues)
	if !ok {
		panic(fmt.Sprintf("Invalid field values %v for metric %s", fieldValues, m.name))
	}
	return m.values[k].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
//
// Unknown field values are dropped with a warning rather than panicking:
// metrics are never allowed to take down the control path.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	k, ok := m.key(fieldValues)
	if !ok {
		log.Warningf("Dropping increment of metric %s with invalid field values %v", m.name, fieldValues)
		return
	}
	m.values[k].Add(v)
}

// promName converts /a/b_c into a_b_c.
func promName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// escapeHelp escapes a HELP docstring per the text exposition format.
func escapeHelp(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

// Write writes all registered metrics to w in the Prometheus text exposition
// format, sorted by name.
func Write(w io.Writer) error {
	allMetricsMu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	ms := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		ms = append(ms, allMetrics[name])
	}
	allMetricsMu.Unlock()

	bw := bufio.NewWriter(w)
	for _, m := range ms {
		pn := promName(m.name)
		fmt.Fprintf(bw, "# HELP %s %s\n", pn, escapeHelp(m.description))
		fmt.Fprintf(bw, "# TYPE %s counter\n", pn)
		if m.field == nil {
			fmt.Fprintf(bw, "%s %d\n", pn, m.values[0].Load())
			continue
		}
		for i, v := range m.field.allowedValues {
			fmt.Fprintf(bw, "%s{%s=%q} %d\n", pn, m.field.name, v, m.values[i].Load())
		}
	}
	return bw.Flush()
}
