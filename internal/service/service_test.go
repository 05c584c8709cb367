package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"TicketForge/internal/biz"
	"TicketForge/internal/conf"
	"TicketForge/internal/data"
	"TicketForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testLogger = log.NewStdLogger(io.Discard)

type stubAgent struct{}

func (stubAgent) Generate(context.Context, string) (string, error) {
	return "```go\npackage main\n```", nil
}

type discardAudit struct {
	mu sync.Mutex
	n  int
}

func (a *discardAudit) Log(context.Context, *model.AuditEntry) {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

// newTestOps assembles the monitoring stack with demo collaborators and a
// file snapshot in a temp dir.
func newTestOps(t *testing.T) *biz.Ops {
	t.Helper()
	metrics := biz.NewMetricsCollector(1000, 24*time.Hour)
	rm := biz.NewResilienceManager(nil, metrics, testLogger)
	alerts, err := biz.NewAlertManager(nil, metrics, testLogger)
	require.NoError(t, err)
	health := biz.NewHealthChecker(metrics, testLogger)
	sampler := biz.NewSystemSampler(metrics)

	repo := data.NewFileSnapshotRepo(filepath.Join(t.TempDir(), "ticket_tracking.json"), testLogger)
	tracker := biz.NewTicketTracker(&conf.Tracker{
		MaxRetries:  3,
		RetryDelays: []time.Duration{5 * time.Minute},
	}, repo, nil, metrics, testLogger)

	processor, err := biz.NewTicketProcessor(nil, tracker, rm,
		data.NewNoopIssueTracker(testLogger), data.NewNoopSourceControl(testLogger),
		stubAgent{}, biz.NewPromptBuilder(), metrics, testLogger)
	require.NoError(t, err)

	webhook, err := data.NewWebhookNotifier(nil, testLogger)
	require.NoError(t, err)
	audit := &discardAudit{}

	ops, err := biz.NewOps(nil, rm, metrics, alerts, health, sampler, tracker, processor,
		biz.NewCircuitNotifier(rm, webhook, audit, testLogger), webhook, audit)
	require.NoError(t, err)
	return ops
}
