package model

import "time"

// CircuitState is the state of one service's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Gauge maps the state onto the value recorded in resilience_circuit_state.
func (s CircuitState) Gauge() float64 {
	switch s {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	}
	return 0
}

// CircuitStateChangedEvent is emitted on every breaker transition.
type CircuitStateChangedEvent struct {
	Service      string
	From         CircuitState
	To           CircuitState
	FailureCount int
	Reason       string
	At           time.Time
	// OpenFor is how long the breaker stayed open, set when it closes again.
	OpenFor time.Duration
}

// AttemptEvent describes a single invocation of a wrapped call.
type AttemptEvent struct {
	Service   string
	Operation string
	Attempt   int // 1-based
	Duration  time.Duration
	Err       error
	Retriable bool
}

// BreakerSnapshot is the read-only view of a breaker exposed to the monitor API.
type BreakerSnapshot struct {
	Service          string        `json:"service"`
	State            CircuitState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailure      *time.Time    `json:"last_failure,omitempty"`
	StateChangedAt   time.Time     `json:"state_changed_at"`
	ProbeInFlight    bool          `json:"probe_in_flight"`
}
