package model

import "time"

// TicketStatus is the processing state of a tracked ticket.
type TicketStatus string

const (
	TicketNew               TicketStatus = "new"
	TicketProcessing        TicketStatus = "processing"
	TicketCompleted         TicketStatus = "completed"
	TicketFailed            TicketStatus = "failed"
	TicketNeedsReprocessing TicketStatus = "needs_reprocessing"
)

// AllTicketStatuses lists every status in display order.
var AllTicketStatuses = []TicketStatus{
	TicketNew, TicketProcessing, TicketCompleted, TicketFailed, TicketNeedsReprocessing,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, st := range AllTicketStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// TicketRecord is the persisted state of one ticket. The JSON layout is the
// snapshot format shared by the service and ticketctl.
type TicketRecord struct {
	Key             string            `json:"key"`
	Status          TicketStatus      `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	RetryCount      int               `json:"retry_count"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastUpdate      time.Time         `json:"last_update"`
	LastAttempt     *time.Time        `json:"last_attempt,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	Result          string            `json:"result,omitempty"`
	ContentHash     string            `json:"content_hash,omitempty"`
	Language        string            `json:"language,omitempty"`
	Domain          string            `json:"domain,omitempty"`
	ReprocessReason string            `json:"reprocess_reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never alias tracker state.
func (r *TicketRecord) Clone() *TicketRecord {
	c := *r
	c.LastAttempt = cloneTime(r.LastAttempt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Issue is a ticket as returned by the issue tracker.
type Issue struct {
	Key         string    `json:"key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Labels      []string  `json:"labels,omitempty"`
	Updated     time.Time `json:"updated"`
}

// PullRequest is the result of opening a change request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}
