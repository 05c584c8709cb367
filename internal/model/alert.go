package model

import "time"

// AlertSeverity 告警级别
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one firing (or resolved) instance of a threshold rule for a metric.
type Alert struct {
	ID         string            `json:"id"`
	Rule       string            `json:"rule"`
	Metric     string            `json:"metric"`
	Severity   AlertSeverity     `json:"severity"`
	Message    string            `json:"message"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	Labels     map[string]string `json:"labels,omitempty"`
	FiredAt    time.Time         `json:"fired_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Resolved   bool              `json:"resolved"`
}

// Key is the deduplication key of the alert.
func (a *Alert) Key() string {
	return AlertKey(a.Rule, a.Metric)
}

// AlertKey builds the (rule, metric) deduplication key.
func AlertKey(rule, metric string) string {
	return rule + "/" + metric
}

// Clone returns a copy safe to hand to handlers.
func (a *Alert) Clone() *Alert {
	c := *a
	if a.Labels != nil {
		c.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			c.Labels[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
