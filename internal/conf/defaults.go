package conf

import "time"

// Service names used as breaker and fallback keys.
const (
	ServiceIssueTracker  = "issue_tracker"
	ServiceSourceControl = "source_control"
	ServiceCodeAgent     = "code_agent"
	ServiceNotifier      = "notifier"
)

// Retry profile names.
const (
	RetryProfileAPICall       = "api_call"
	RetryProfileFileOperation = "file_operation"
)

// defaultServiceBreakers 各外部依赖的默认熔断参数
var defaultServiceBreakers = map[string]Breaker{
	ServiceCodeAgent:     {FailureThreshold: 3, RecoveryTimeout: 120 * time.Second},
	ServiceSourceControl: {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
	ServiceIssueTracker:  {FailureThreshold: 3, RecoveryTimeout: 90 * time.Second},
}

var defaultRetryProfiles = map[string]Retry{
	RetryProfileAPICall: {
		MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second,
		ExponentialBase: 2, Jitter: true,
	},
	RetryProfileFileOperation: {
		MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second,
		ExponentialBase: 2, Jitter: true,
	},
}

var defaultServiceRetry = map[string]string{
	ServiceIssueTracker:  RetryProfileAPICall,
	ServiceSourceControl: RetryProfileAPICall,
	ServiceCodeAgent:     RetryProfileAPICall,
	ServiceNotifier:      RetryProfileAPICall,
}

// mergeServiceDefaults fills in every built-in service and profile the config
// file did not mention. Configured entries win.
func mergeServiceDefaults(r *Resilience) {
	if r.Breakers == nil {
		r.Breakers = make(map[string]Breaker)
	}
	for name, b := range defaultServiceBreakers {
		if _, ok := r.Breakers[name]; !ok {
			r.Breakers[name] = b
		}
	}
	if r.Retries == nil {
		r.Retries = make(map[string]Retry)
	}
	for name, rp := range defaultRetryProfiles {
		if _, ok := r.Retries[name]; !ok {
			r.Retries[name] = rp
		}
	}
	if r.ServiceRetry == nil {
		r.ServiceRetry = make(map[string]string)
	}
	for service, profile := range defaultServiceRetry {
		if _, ok := r.ServiceRetry[service]; !ok {
			r.ServiceRetry[service] = profile
		}
	}
}

// DefaultAlertRules are installed when the config file lists none.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			Name: "circuit_open", Metric: "resilience_circuit_open", Comparison: "gte", Threshold: 1,
			Window: 5 * time.Minute, Severity: "critical", Aggregate: "max",
		},
		{
			Name: "ticket_failures", Metric: "pipeline_tickets_failed", Comparison: "gte", Threshold: 3,
			Window: 30 * time.Minute, Severity: "warning", Aggregate: "count",
		},
		{
			Name: "snapshot_flush_failures", Metric: "tracker_flush_failures", Comparison: "gte", Threshold: 1,
			Window: 15 * time.Minute, Severity: "error", Aggregate: "count",
		},
		{
			Name: "snapshot_store_unhealthy", Metric: "health_check_snapshot_store", Comparison: "lt", Threshold: 1,
			Window: 5 * time.Minute, Severity: "error", Aggregate: "avg",
		},
		{
			Name: "goroutine_growth", Metric: "system_goroutines", Comparison: "gt", Threshold: 10000,
			Window: 5 * time.Minute, Severity: "warning", Aggregate: "avg",
		},
	}
}
