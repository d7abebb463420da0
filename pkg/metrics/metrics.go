package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Sample is one series as reported by the metrics endpoint.
type Sample struct {
	Name   string            `json:"name"`
	Kind   Kind              `json:"kind"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Count  uint64            `json:"count,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
	Min    float64           `json:"min,omitempty"`
	Max    float64           `json:"max,omitempty"`
}

type series struct {
	name   string
	kind   Kind
	labels map[string]string
	value  float64
	count  uint64
	sum    float64
	min    float64
	max    float64
}

// Registry is an in-memory Collector.
type Registry struct {
	mu     sync.RWMutex
	series map[string]*series
}

var _ Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name, KindCounter, labels)
	s.value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name, KindGauge, labels)
	s.value = value
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name, KindHistogram, labels)
	if s.count == 0 || value < s.min {
		s.min = value
	}
	if s.count == 0 || value > s.max {
		s.max = value
	}
	s.count++
	s.sum += value
	s.value = s.sum / float64(s.count)
}

// get must be called with mu held.
func (r *Registry) get(name string, kind Kind, labels map[string]string) *series {
	key := seriesKey(name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, kind: kind, labels: copyLabels(labels)}
		r.series[key] = s
	}
	return s
}

// Value returns the current value of a counter or gauge, or the mean of a histogram.
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.series[seriesKey(name, labels)]
	if !ok {
		return 0, false
	}
	return s.value, true
}

// Snapshot returns all series ordered by name and labels.
func (r *Registry) Snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Sample, 0, len(keys))
	for _, k := range keys {
		s := r.series[k]
		out = append(out, Sample{
			Name:   s.name,
			Kind:   s.kind,
			Labels: copyLabels(s.labels),
			Value:  s.value,
			Count:  s.count,
			Sum:    s.sum,
			Min:    s.min,
			Max:    s.max,
		})
	}
	return out
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
