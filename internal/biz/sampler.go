package biz

import (
	"context"
	"runtime"
	"sort"
	"sync"
)

// GaugeFunc reads one value for the sampler.
type GaugeFunc func(ctx context.Context) (float64, error)

// SystemSampler periodically records process level gauges (goroutines,
// heap, GC) plus any gauges registered by other components.
type SystemSampler struct {
	metrics *MetricsCollector

	mu     sync.Mutex
	gauges map[string]GaugeFunc
}

// NewSystemSampler creates a sampler writing into metrics.
func NewSystemSampler(metrics *MetricsCollector) *SystemSampler {
	return &SystemSampler{metrics: metrics, gauges: make(map[string]GaugeFunc)}
}

// AddGauge registers an extra gauge recorded on every Sample.
func (s *SystemSampler) AddGauge(name string, fn GaugeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = fn
}

// Sample records one round of gauges. Failing gauges are skipped.
func (s *SystemSampler) Sample(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.metrics.Gauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
	s.metrics.Record("system_heap_alloc_bytes", float64(ms.HeapAlloc), nil, "bytes")
	s.metrics.Record("system_heap_objects", float64(ms.HeapObjects), nil, "")
	s.metrics.Record("system_sys_bytes", float64(ms.Sys), nil, "bytes")
	s.metrics.Record("system_gc_cycles", float64(ms.NumGC), nil, "count")
	s.metrics.Record("system_gc_pause_total_seconds", float64(ms.PauseTotalNs)/1e9, nil, "seconds")

	s.mu.Lock()
	names := make([]string, 0, len(s.gauges))
	for name := range s.gauges {
		names = append(names, name)
	}
	gauges := make(map[string]GaugeFunc, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if v, err := gauges[name](ctx); err == nil {
			s.metrics.Gauge(name, v, nil)
		}
	}
}
