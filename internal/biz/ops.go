package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TicketForge/internal/conf"
)

const (
	ProbeSnapshotStore   = "snapshot_store"
	ProbeCircuitBreakers = "circuit_breakers"
)

// Ops ties the operational components together: it subscribes the circuit
// notifier, installs the alert handlers, registers the built-in health
// probes and sampler gauges. Server and service layers only talk to Ops.
type Ops struct {
	Resilience *ResilienceManager
	Metrics    *MetricsCollector
	Alerts     *AlertManager
	Health     *HealthChecker
	Sampler    *SystemSampler
	Tracker    *TicketTracker
	Processor  *TicketProcessor

	notifier *CircuitNotifier
	monitor  conf.Monitor
}

// NewOps wires the monitoring side of the pipeline.
func NewOps(
	c *conf.Monitor,
	rm *ResilienceManager,
	metrics *MetricsCollector,
	alerts *AlertManager,
	health *HealthChecker,
	sampler *SystemSampler,
	tracker *TicketTracker,
	processor *TicketProcessor,
	notifier *CircuitNotifier,
	webhook WebhookService,
	audit AuditLogger,
) (*Ops, error) {
	o := &Ops{
		Resilience: rm,
		Metrics:    metrics,
		Alerts:     alerts,
		Health:     health,
		Sampler:    sampler,
		Tracker:    tracker,
		Processor:  processor,
		notifier:   notifier,
		monitor:    conf.Monitor{AlertInterval: time.Minute, SampleInterval: 30 * time.Second, HealthInterval: time.Minute, HealthTimeout: 5 * time.Second},
	}
	if c != nil {
		o.monitor = *c
	}

	rm.Subscribe(notifier)
	alerts.AddHandler("webhook", WebhookAlertHandler(rm, webhook))
	alerts.AddHandler("audit", NewAuditAlertHandler(audit))

	if err := health.Register(ProbeSnapshotStore, tracker.Ping, o.monitor.HealthInterval, o.monitor.HealthTimeout); err != nil {
		return nil, err
	}
	if err := health.Register(ProbeCircuitBreakers, o.breakersProbe, o.monitor.HealthInterval, o.monitor.HealthTimeout); err != nil {
		return nil, err
	}

	sampler.AddGauge("tracker_records", func(context.Context) (float64, error) {
		return float64(tracker.Statistics().Total), nil
	})
	sampler.AddGauge("tracker_retry_candidates", func(context.Context) (float64, error) {
		return float64(len(tracker.RetryCandidates())), nil
	})
	sampler.AddGauge("resilience_open_circuits", func(context.Context) (float64, error) {
		return float64(len(rm.OpenCircuits())), nil
	})
	return o, nil
}

func (o *Ops) breakersProbe(context.Context) error {
	if open := o.Resilience.OpenCircuits(); len(open) > 0 {
		return fmt.Errorf("open circuits: %s", strings.Join(open, ", "))
	}
	return nil
}

// Drain waits for background circuit notifications to finish.
func (o *Ops) Drain(ctx context.Context) error {
	if o.notifier == nil {
		return nil
	}
	return o.notifier.Wait(ctx)
}

// AlertInterval is how often alert rules are evaluated.
func (o *Ops) AlertInterval() time.Duration { return o.monitor.AlertInterval }

// SampleInterval is how often the system sampler runs.
func (o *Ops) SampleInterval() time.Duration { return o.monitor.SampleInterval }
