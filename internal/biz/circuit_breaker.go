package biz

import (
	"sync"
	"time"

	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"
)

// BreakerConfig 熔断参数
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// breakerTransition describes a state change the caller must publish.
type breakerTransition struct {
	from     model.CircuitState
	to       model.CircuitState
	failures int
	reason   string
	at       time.Time
	openFor  time.Duration
}

// CircuitBreaker guards one external service. All state lives behind mu;
// the breaker itself never logs or notifies, it reports transitions to the
// ResilienceManager which owns the side effects.
//
// Closed: calls pass, consecutive failures are counted.
// Open: calls fail fast until RecoveryTimeout has elapsed since the last failure.
// HalfOpen: exactly one probe call is admitted; its outcome closes or reopens.
type CircuitBreaker struct {
	service string
	cfg     BreakerConfig
	now     func() time.Time

	mu             sync.Mutex
	state          model.CircuitState
	failureCount   int
	successCount   int
	lastFailure    time.Time
	openedAt       time.Time
	stateChangedAt time.Time
	probeInFlight  bool
}

// NewCircuitBreaker creates a closed breaker for service.
func NewCircuitBreaker(service string, cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		service:        service,
		cfg:            cfg,
		now:            now,
		state:          model.CircuitClosed,
		stateChangedAt: now(),
	}
}

// allow decides whether one call may proceed. probe is true when the call
// is the single HalfOpen probe; the caller must then report its outcome with
// probe=true (or release it).
func (cb *CircuitBreaker) allow() (probe bool, tr *breakerTransition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case model.CircuitOpen:
		elapsed := now.Sub(cb.lastFailure)
		if elapsed < cb.cfg.RecoveryTimeout {
			return false, nil, &pkgerrors.CircuitOpenError{Service: cb.service, RetryAfter: cb.cfg.RecoveryTimeout - elapsed}
		}
		tr = cb.moveLocked(model.CircuitHalfOpen, "recovery timeout elapsed", now)
		cb.probeInFlight = true
		return true, tr, nil

	case model.CircuitHalfOpen:
		if cb.probeInFlight {
			return false, nil, &pkgerrors.CircuitOpenError{Service: cb.service}
		}
		// previous probe ended without a verdict (cancelled), admit another
		cb.probeInFlight = true
		return true, nil, nil
	}
	return false, nil, nil
}

// onSuccess records a successful call.
func (cb *CircuitBreaker) onSuccess(probe bool) *breakerTransition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	switch cb.state {
	case model.CircuitHalfOpen:
		if !probe {
			return nil
		}
		now := cb.now()
		openFor := now.Sub(cb.openedAt)
		cb.failureCount = 0
		cb.probeInFlight = false
		tr := cb.moveLocked(model.CircuitClosed, "probe succeeded", now)
		tr.openFor = openFor
		return tr
	case model.CircuitClosed:
		// failures are counted consecutively
		cb.failureCount = 0
	}
	return nil
}

// onFailure records a failed call that counts against the service.
func (cb *CircuitBreaker) onFailure(probe bool) *breakerTransition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failureCount++
	cb.lastFailure = now

	switch cb.state {
	case model.CircuitHalfOpen:
		if !probe {
			return nil
		}
		cb.probeInFlight = false
		cb.openedAt = now
		return cb.moveLocked(model.CircuitOpen, "probe failed", now)
	case model.CircuitClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.openedAt = now
			return cb.moveLocked(model.CircuitOpen, "failure threshold reached", now)
		}
	}
	return nil
}

// release gives back a probe slot without a verdict.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == model.CircuitHalfOpen {
		cb.probeInFlight = false
	}
}

func (cb *CircuitBreaker) moveLocked(to model.CircuitState, reason string, now time.Time) *breakerTransition {
	tr := &breakerTransition{from: cb.state, to: to, failures: cb.failureCount, reason: reason, at: now}
	cb.state = to
	cb.stateChangedAt = now
	return tr
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() model.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker's counters.
func (cb *CircuitBreaker) Snapshot() model.BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := model.BreakerSnapshot{
		Service:          cb.service,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.cfg.FailureThreshold,
		RecoveryTimeout:  cb.cfg.RecoveryTimeout,
		StateChangedAt:   cb.stateChangedAt,
		ProbeInFlight:    cb.probeInFlight,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	return snap
}
