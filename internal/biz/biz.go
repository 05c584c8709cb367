// Package biz contains the resilience, monitoring and ticket processing logic.
package biz

import (
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewMetricsCollectorFromConf,
	NewResilienceManager,
	NewAlertManager,
	NewHealthChecker,
	NewSystemSampler,
	NewTicketTracker,
	NewTicketProcessor,
	NewPromptBuilder,
	NewCircuitNotifier,
	NewOps,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(SnapshotRepo), new(*data.SnapshotStore)),
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
	wire.Bind(new(WebhookService), new(*data.WebhookNotifier)),
	wire.Bind(new(IssueTracker), new(*data.NoopIssueTracker)),
	wire.Bind(new(SourceControl), new(*data.NoopSourceControl)),
	wire.Bind(new(CodeAgent), new(*data.CodeAgentClient)),
)

// NewMetricsCollectorFromConf sizes the ring buffers as retention / resolution.
func NewMetricsCollectorFromConf(c *conf.Monitor) *MetricsCollector {
	if c == nil {
		return NewMetricsCollector(1440, 24*time.Hour)
	}
	return NewMetricsCollector(c.Capacity(), c.Retention)
}
