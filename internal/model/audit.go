package model

import "time"

// Audit event type constants
const (
	AuditEventCircuitOpened   = "CIRCUIT_OPENED"
	AuditEventCircuitHalfOpen = "CIRCUIT_HALF_OPEN"
	AuditEventCircuitClosed   = "CIRCUIT_CLOSED"
	AuditEventTicketStarted   = "TICKET_STARTED"
	AuditEventTicketCompleted = "TICKET_COMPLETED"
	AuditEventTicketFailed    = "TICKET_FAILED"
	AuditEventTicketRequeued  = "TICKET_REQUEUED"
	AuditEventTicketCleared   = "TICKET_CLEARED"
	AuditEventTicketReprocess = "TICKET_NEEDS_REPROCESSING"
	AuditEventAlertFired      = "ALERT_FIRED"
	AuditEventAlertResolved   = "ALERT_RESOLVED"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	EventType string
	Subject   string // service name, ticket key or alert key
	From      string
	To        string
	Detail    map[string]interface{}
	At        time.Time
}
