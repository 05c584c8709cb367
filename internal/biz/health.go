package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

// Probe reports the health of one dependency; nil means healthy.
type Probe func(ctx context.Context) error

// HealthResult is the cached outcome of the latest probe run.
type HealthResult struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// ProbeSpec describes a registered probe to the scheduler.
type ProbeSpec struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
}

type probeEntry struct {
	ProbeSpec
	fn      Probe
	last    HealthResult
	checked bool
}

// HealthChecker runs named probes on their own intervals and caches the
// latest result per probe.
type HealthChecker struct {
	metrics *MetricsCollector
	log     *pkglog.LogHelper
	now     func() time.Time

	mu     sync.RWMutex
	probes map[string]*probeEntry
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker(metrics *MetricsCollector, logger log.Logger) *HealthChecker {
	return &HealthChecker{
		metrics: metrics,
		log:     pkglog.NewLogHelper(log.With(logger, "module", "biz/health")),
		now:     time.Now,
		probes:  make(map[string]*probeEntry),
	}
}

// Register adds a probe. interval and timeout must be positive.
func (hc *HealthChecker) Register(name string, fn Probe, interval, timeout time.Duration) error {
	if name == "" || fn == nil {
		return fmt.Errorf("health probe needs a name and a function")
	}
	if interval <= 0 || timeout <= 0 {
		return fmt.Errorf("health probe %s: interval and timeout must be positive", name)
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, ok := hc.probes[name]; ok {
		return fmt.Errorf("health probe %s already registered", name)
	}
	hc.probes[name] = &probeEntry{ProbeSpec: ProbeSpec{Name: name, Interval: interval, Timeout: timeout}, fn: fn}
	return nil
}

// Probes lists the registered probes sorted by name.
func (hc *HealthChecker) Probes() []ProbeSpec {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make([]ProbeSpec, 0, len(hc.probes))
	for _, p := range hc.probes {
		out = append(out, p.ProbeSpec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check runs the named probe now and caches its result.
func (hc *HealthChecker) Check(ctx context.Context, name string) (HealthResult, error) {
	hc.mu.RLock()
	entry, ok := hc.probes[name]
	hc.mu.RUnlock()
	if !ok {
		return HealthResult{}, fmt.Errorf("health probe %s not registered", name)
	}
	return hc.run(ctx, entry), nil
}

// RunDue runs, concurrently, every probe whose interval has elapsed since its
// last run. Probes still inside their interval keep their cached result.
func (hc *HealthChecker) RunDue(ctx context.Context) []HealthResult {
	now := hc.now()

	hc.mu.RLock()
	var due []*probeEntry
	for _, p := range hc.probes {
		if !p.checked || now.Sub(p.last.CheckedAt) >= p.Interval {
			due = append(due, p)
		}
	}
	hc.mu.RUnlock()

	results := make([]HealthResult, len(due))
	var g errgroup.Group
	for i, p := range due {
		i, p := i, p
		g.Go(func() error {
			results[i] = hc.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// run executes one probe under its timeout. A probe that ignores its
// context is abandoned when the timeout expires.
func (hc *HealthChecker) run(ctx context.Context, p *probeEntry) HealthResult {
	start := hc.now()
	pctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- p.fn(pctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = fmt.Errorf("probe timed out after %s", p.Timeout)
	}

	res := HealthResult{Name: p.Name, Healthy: err == nil, CheckedAt: start, Duration: hc.now().Sub(start)}
	if err != nil {
		res.Error = err.Error()
	}

	hc.mu.Lock()
	p.last = res
	p.checked = true
	hc.mu.Unlock()

	value := 0.0
	if res.Healthy {
		value = 1
	}
	hc.metrics.Gauge("health_check_"+p.Name, value, nil)
	hc.log.Health("health probe finished", res.Healthy, "probe", p.Name, "error", res.Error, "duration", res.Duration.String())
	return res
}

// Status returns the cached result of every probe. Probes that never ran
// are reported unhealthy.
func (hc *HealthChecker) Status() map[string]HealthResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]HealthResult, len(hc.probes))
	for name, p := range hc.probes {
		if !p.checked {
			out[name] = HealthResult{Name: name, Healthy: false, Error: "not yet checked"}
			continue
		}
		out[name] = p.last
	}
	return out
}

// Healthy reports whether every probe's cached result is healthy.
func (hc *HealthChecker) Healthy() bool {
	for _, res := range hc.Status() {
		if !res.Healthy {
			return false
		}
	}
	return true
}
