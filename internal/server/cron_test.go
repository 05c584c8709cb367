package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"TicketForge/internal/biz"
	"TicketForge/internal/conf"
	"TicketForge/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCronServer_Jobs(t *testing.T) {
	ops := newTestOps(t, testMonitor, nil)

	s, err := NewCronServer(ops, testLogger)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"alerts",
		"health:circuit_breakers",
		"health:snapshot_store",
		"sampler",
	}, s.Jobs(), "the processor job is only registered when enabled")
}

func TestNewCronServer_ProcessorJob(t *testing.T) {
	ops := newTestOps(t, testMonitor, &conf.Processor{Enabled: true, Interval: 5 * time.Minute, Workers: 1})

	s, err := NewCronServer(ops, testLogger)
	require.NoError(t, err)
	assert.Contains(t, s.Jobs(), "processor")
}

func TestNewCronServer_RejectsZeroInterval(t *testing.T) {
	ops := newTestOps(t, &conf.Monitor{
		SampleInterval: time.Second,
		HealthInterval: time.Minute,
		HealthTimeout:  time.Second,
	}, nil)

	_, err := NewCronServer(ops, testLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron job alerts")
}

func TestCronServer_StartStop(t *testing.T) {
	ops := newTestOps(t, testMonitor, nil)
	s, err := NewCronServer(ops, testLogger)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, ops.Health.Healthy(), "Start primes the health probes")
	_, ok := ops.Metrics.Latest("system_goroutines")
	assert.True(t, ok, "Start primes the sampler")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.ctx.Err(), "job context is released on stop")
}

func TestCronServer_RunJobs(t *testing.T) {
	ops := newTestOps(t, testMonitor, &conf.Processor{Enabled: true, Interval: time.Minute, CycleTimeout: time.Second, Workers: 1})
	s, err := NewCronServer(ops, testLogger)
	require.NoError(t, err)
	t.Cleanup(s.cancel)

	s.runCycle()
	report := ops.Processor.LastReport()
	require.NotNil(t, report)
	assert.Zero(t, report.Found)

	s.checkProbe("snapshot_store")
	assert.True(t, ops.Health.Status()["snapshot_store"].Healthy)
	s.checkProbe("missing")

	s.evaluateAlerts()
	assert.Empty(t, ops.Alerts.ActiveAlerts())
}

func TestCronServer_StopDrainsNotifications(t *testing.T) {
	webhook := &gatedWebhook{gate: make(chan struct{})}
	ops := newTestOpsWithWebhook(t, testMonitor, nil, webhook)
	s, err := NewCronServer(ops, testLogger)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	ops.Resilience.SetRetryPolicy("scm", biz.RetryPolicy{MaxAttempts: 1})
	for i := 0; i < 5; i++ {
		_ = biz.Do(context.Background(), ops.Resilience, "scm", "push", func(context.Context) error {
			return errors.New("503")
		})
	}
	require.Equal(t, model.CircuitOpen, ops.Resilience.Breaker("scm").State())

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(short), context.DeadlineExceeded, "stop waits for the open notification")

	close(webhook.gate)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), webhook.opened.Load())
}
