package biz

import (
	"context"

	"TicketForge/internal/model"
)

// SnapshotRepo persists the full ticket state map. Save replaces the whole
// snapshot; Load of a missing snapshot returns an empty map.
type SnapshotRepo interface {
	Load(ctx context.Context) (map[string]*model.TicketRecord, error)
	Save(ctx context.Context, records map[string]*model.TicketRecord) error
	Ping(ctx context.Context) error
	Backend() string
}

// AuditLogger defines the interface for audit logging.
// Implementations must not block the caller.
type AuditLogger interface {
	Log(ctx context.Context, entry *model.AuditEntry)
}

// WebhookService defines the interface for outbound notifications
type WebhookService interface {
	// NotifyAlert sends notification when an alert starts firing
	NotifyAlert(ctx context.Context, alert *model.Alert) error

	// NotifyCircuitOpened sends notification when a breaker opens
	NotifyCircuitOpened(ctx context.Context, event *model.CircuitStateChangedEvent) error

	// NotifyCircuitRecovered sends notification when a breaker closes again
	NotifyCircuitRecovered(ctx context.Context, event *model.CircuitStateChangedEvent) error
}
