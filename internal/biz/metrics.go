package biz

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Sample is one recorded metric value.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// MetricStats is a windowed aggregate over one metric.
type MetricStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
	Sum    float64 `json:"sum"`
	Latest float64 `json:"latest"`
}

// ring is a fixed size, time ordered buffer. The oldest sample is
// overwritten once it is full.
type ring struct {
	buf   []Sample
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) *Sample {
	return &r.buf[(r.start+i)%len(r.buf)]
}

// since copies every sample with Timestamp >= cutoff, oldest first.
func (r *ring) since(cutoff time.Time) []Sample {
	first := sort.Search(r.size, func(i int) bool {
		return !r.at(i).Timestamp.Before(cutoff)
	})
	out := make([]Sample, 0, r.size-first)
	for i := first; i < r.size; i++ {
		out = append(out, *r.at(i))
	}
	return out
}

// MetricsCollector keeps a bounded ring of samples per metric name sized to
// the retention horizon. It is safe for concurrent use.
type MetricsCollector struct {
	capacity  int
	retention time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	series map[string]*ring
}

// NewMetricsCollector creates a collector retaining at most capacity samples
// per metric and never reporting samples older than retention.
func NewMetricsCollector(capacity int, retention time.Duration) *MetricsCollector {
	if capacity < 1 {
		capacity = 1
	}
	return &MetricsCollector{
		capacity:  capacity,
		retention: retention,
		now:       time.Now,
		series:    make(map[string]*ring),
	}
}

// Record appends a sample. The timestamp is taken under the lock so each
// ring stays time ordered.
func (m *MetricsCollector) Record(name string, value float64, labels map[string]string, unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.series[name]
	if !ok {
		r = newRing(m.capacity)
		m.series[name] = r
	}
	r.push(Sample{Name: name, Value: value, Timestamp: m.now(), Labels: labels, Unit: unit})
}

// Inc records a single occurrence.
func (m *MetricsCollector) Inc(name string, labels map[string]string) {
	m.Record(name, 1, labels, "count")
}

// Gauge records a point-in-time value.
func (m *MetricsCollector) Gauge(name string, value float64, labels map[string]string) {
	m.Record(name, value, labels, "")
}

// Observe records a duration in seconds.
func (m *MetricsCollector) Observe(name string, d time.Duration, labels map[string]string) {
	m.Record(name, d.Seconds(), labels, "seconds")
}

func (m *MetricsCollector) cutoff(window time.Duration) time.Time {
	now := m.now()
	if window <= 0 || (m.retention > 0 && window > m.retention) {
		window = m.retention
	}
	if window <= 0 {
		return time.Time{}
	}
	return now.Add(-window)
}

// History returns the samples of name recorded within window, oldest first.
// A non-positive window means the whole retention horizon.
func (m *MetricsCollector) History(name string, window time.Duration) []Sample {
	cutoff := m.cutoff(window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.series[name]
	if !ok {
		return nil
	}
	return r.since(cutoff)
}

// Latest returns the most recent sample of name.
func (m *MetricsCollector) Latest(name string) (Sample, bool) {
	cutoff := m.cutoff(0)

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.series[name]
	if !ok || r.size == 0 {
		return Sample{}, false
	}
	s := *r.at(r.size - 1)
	if s.Timestamp.Before(cutoff) {
		return Sample{}, false
	}
	return s, true
}

// Stats aggregates name over window. ok is false when the window holds no
// samples, which callers must treat as "no data" rather than zero.
func (m *MetricsCollector) Stats(name string, window time.Duration) (MetricStats, bool) {
	return computeStats(m.History(name, window))
}

// StatsMatching is Stats over the samples carrying every label in match.
// An empty match is the same as Stats.
func (m *MetricsCollector) StatsMatching(name string, window time.Duration, match map[string]string) (MetricStats, bool) {
	samples := m.History(name, window)
	if len(match) == 0 {
		return computeStats(samples)
	}
	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if hasLabels(s.Labels, match) {
			kept = append(kept, s)
		}
	}
	return computeStats(kept)
}

func hasLabels(labels, match map[string]string) bool {
	for k, v := range match {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Names lists every metric that has been recorded, sorted.
func (m *MetricsCollector) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary returns Stats for every metric with data in window.
func (m *MetricsCollector) Summary(window time.Duration) map[string]MetricStats {
	out := make(map[string]MetricStats)
	for _, name := range m.Names() {
		if st, ok := m.Stats(name, window); ok {
			out[name] = st
		}
	}
	return out
}

func computeStats(samples []Sample) (MetricStats, bool) {
	n := len(samples)
	if n == 0 {
		return MetricStats{}, false
	}

	values := make([]float64, n)
	st := MetricStats{Count: n, Min: math.Inf(1), Max: math.Inf(-1), Latest: samples[n-1].Value}
	for i, s := range samples {
		values[i] = s.Value
		st.Sum += s.Value
		st.Min = math.Min(st.Min, s.Value)
		st.Max = math.Max(st.Max, s.Value)
	}
	st.Avg = st.Sum / float64(n)

	sort.Float64s(values)
	if n%2 == 1 {
		st.Median = values[n/2]
	} else {
		st.Median = (values[n/2-1] + values[n/2]) / 2
	}

	// sample standard deviation; a single sample has none
	if n > 1 {
		var sq float64
		for _, v := range values {
			d := v - st.Avg
			sq += d * d
		}
		st.StdDev = math.Sqrt(sq / float64(n-1))
	}
	return st, true
}
