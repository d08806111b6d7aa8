// Copyright 2026 The gVisor Authors.
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
//
// Metrics are registered once, usually from package-level variable
// initializers, and are exported in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a valid Prometheus
	// metric name.
	ErrInvalidName = errors.New("invalid metric name")
)

var validName = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Uint64Metric encapsulates a cumulative uint64 counter.
type Uint64Metric struct {
	name        string
	description string
	value       atomic.Uint64
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// registry holds all registered metrics.
var registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.metrics == nil {
		registry.metrics = make(map[string]*Uint64Metric)
	}
	if _, ok := registry.metrics[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	m := &Uint64Metric{name: name, description: description}
	registry.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// sortedMetrics returns all registered metrics ordered by name.
func sortedMetrics() []*Uint64Metric {
	registry.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		ms = append(ms, m)
	}
	registry.mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}

// Values returns a snapshot of all registered metrics keyed by name.
func Values() map[string]uint64 {
	vals := make(map[string]uint64)
	for _, m := range sortedMetrics() {
		vals[m.name] = m.Value()
	}
	return vals
}

// WriteText writes all registered metrics to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	for _, m := range sortedMetrics() {
		mf := &dto.MetricFamily{
			Name: proto.String(m.name),
			Help: proto.String(m.description),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(m.Value()))},
			}},
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
