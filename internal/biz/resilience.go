package biz

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// CallFunc is one invocation of an external dependency.
type CallFunc func(ctx context.Context) (interface{}, error)

// ResilienceListener observes the wrapper. Implementations must not block.
type ResilienceListener interface {
	OnAttempt(ctx context.Context, ev *model.AttemptEvent)
	OnStateChange(ctx context.Context, ev *model.CircuitStateChangedEvent)
}

// ResilienceManager owns one CircuitBreaker per service plus the retry
// policies and fallbacks, and routes every outbound call through them.
type ResilienceManager struct {
	defaultBreaker BreakerConfig
	breakerCfg     map[string]BreakerConfig
	defaultRetry   RetryPolicy
	retries        map[string]RetryPolicy
	fallbacks      *FallbackRegistry
	metrics        *MetricsCollector
	log            *pkglog.LogHelper

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	listeners []ResilienceListener
}

// NewResilienceManager builds the manager from config. Services without an
// explicit breaker use DefaultBreaker; services without a retry profile use
// DefaultRetryPolicy.
func NewResilienceManager(c *conf.Resilience, metrics *MetricsCollector, logger log.Logger) *ResilienceManager {
	m := &ResilienceManager{
		defaultBreaker: BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		breakerCfg:     make(map[string]BreakerConfig),
		defaultRetry:   DefaultRetryPolicy,
		retries:        make(map[string]RetryPolicy),
		fallbacks:      NewFallbackRegistry(),
		metrics:        metrics,
		log:            pkglog.NewLogHelper(log.With(logger, "module", "biz/resilience")),
		now:            time.Now,
		sleep:          sleepContext,
		rand:           lockedRand(),
		breakers:       make(map[string]*CircuitBreaker),
	}

	if c == nil {
		return m
	}
	if c.DefaultBreaker.FailureThreshold > 0 {
		m.defaultBreaker = BreakerConfig(c.DefaultBreaker)
	}
	for service, b := range c.Breakers {
		m.breakerCfg[service] = BreakerConfig(b)
	}
	for service, profile := range c.ServiceRetry {
		if rp, ok := c.Retries[profile]; ok {
			m.retries[service] = RetryPolicyFromConf(rp)
		}
	}
	return m
}

func lockedRand() func() float64 {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64()
	}
}

// Subscribe adds a listener. Call during wiring, before traffic starts.
func (m *ResilienceManager) Subscribe(l ResilienceListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetRetryPolicy overrides the retry policy of one service.
func (m *ResilienceManager) SetRetryPolicy(service string, p RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[service] = p
}

// RegisterFallback installs a fallback for service.operation (or the whole
// service when operation is empty).
func (m *ResilienceManager) RegisterFallback(service, operation string, fn FallbackFunc) {
	m.fallbacks.Register(service, operation, fn)
}

// Breaker returns the shared breaker of service, creating it on first use.
func (m *ResilienceManager) Breaker(service string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[service]
	if !ok {
		cfg, found := m.breakerCfg[service]
		if !found {
			cfg = m.defaultBreaker
		}
		cb = NewCircuitBreaker(service, cfg, m.now)
		m.breakers[service] = cb
	}
	return cb
}

// Breakers returns a snapshot of every breaker created so far, sorted by service.
func (m *ResilienceManager) Breakers() []model.BreakerSnapshot {
	m.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		list = append(list, cb)
	}
	m.mu.Unlock()

	out := make([]model.BreakerSnapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// OpenCircuits lists the services whose breaker is not closed.
func (m *ResilienceManager) OpenCircuits() []string {
	var open []string
	for _, snap := range m.Breakers() {
		if snap.State != model.CircuitClosed {
			open = append(open, snap.Service)
		}
	}
	return open
}

func (m *ResilienceManager) policy(service string) RetryPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.retries[service]; ok {
		return p
	}
	return m.defaultRetry
}

func (m *ResilienceManager) snapshotListeners() []ResilienceListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ResilienceListener(nil), m.listeners...)
}

// Execute runs fn for service.operation under the service's breaker and
// retry policy, falling back when both give up.
//
// Errors the retry policy rejects (errors.Permanent, cancellation) are
// returned as-is and do not count against the breaker. A panic in fn is
// returned as a permanent PanicError. A failed HalfOpen probe is never
// retried. When the breaker opens mid-loop the last error of
// fn is kept as the cause.
func (m *ResilienceManager) Execute(ctx context.Context, service, operation string, fn CallFunc) (interface{}, error) {
	cb := m.Breaker(service)
	policy := m.policy(service)
	maxAttempts := policy.attempts()

	var lastErr error
	attempts := 0

	for i := 0; i < maxAttempts; i++ {
		probe, tr, err := cb.allow()
		m.publish(ctx, service, tr)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			m.metrics.Inc("resilience_rejected", map[string]string{"service": service, "operation": operation})
			break
		}

		attempts++
		start := m.now()
		res, callErr := m.call(ctx, service, operation, fn)
		elapsed := m.now().Sub(start)

		if callErr == nil {
			m.publish(ctx, service, cb.onSuccess(probe))
			m.observe(ctx, &model.AttemptEvent{Service: service, Operation: operation, Attempt: attempts, Duration: elapsed})
			return res, nil
		}

		lastErr = callErr
		retriable := ctx.Err() == nil && !pkgerrors.IsPanic(callErr) && policy.isRetriable(callErr)
		m.observe(ctx, &model.AttemptEvent{
			Service: service, Operation: operation, Attempt: attempts,
			Duration: elapsed, Err: callErr, Retriable: retriable,
		})

		if !retriable {
			cb.release(probe)
			return nil, callErr
		}

		m.publish(ctx, service, cb.onFailure(probe))
		if probe || i == maxAttempts-1 {
			break
		}

		delay := policy.backoff(i, m.rand)
		m.log.Retry("call failed, backing off",
			"service", service, "operation", operation,
			"attempt", attempts, "max_attempts", maxAttempts,
			"delay", delay.String(), "error", callErr)
		if err := m.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%s.%s interrupted during backoff: %w (last error: %v)", service, operation, err, lastErr)
		}
	}

	finalErr := lastErr
	if attempts > 0 && !pkgerrors.IsCircuitOpen(lastErr) {
		finalErr = &pkgerrors.TransientServiceError{Service: service, Operation: operation, Attempts: attempts, Err: lastErr}
	}

	return m.fallback(ctx, service, operation, finalErr)
}

// call runs fn and turns a panic into a permanent error, so the breaker slot
// taken by allow is always given back.
func (m *ResilienceManager) call(ctx context.Context, service, operation string, fn CallFunc) (res interface{}, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := &pkgerrors.PanicError{Where: service + "." + operation, Value: r, Stack: debug.Stack()}
		m.metrics.Inc("resilience_panics", map[string]string{"service": service, "operation": operation})
		m.log.Errorw("msg", "call panicked", "service", service, "operation", operation,
			"panic", fmt.Sprint(r), "stack", string(perr.Stack))
		res, err = nil, pkgerrors.Permanent(perr)
	}()
	return fn(ctx)
}

func (m *ResilienceManager) fallback(ctx context.Context, service, operation string, cause error) (interface{}, error) {
	fb, ok := m.fallbacks.Lookup(service, operation)
	if !ok {
		return nil, cause
	}

	labels := map[string]string{"service": service, "operation": operation}
	res, err := fb(ctx, cause)
	if err != nil {
		m.metrics.Inc("resilience_fallback_failures", labels)
		m.log.Errorw("msg", "fallback failed", "service", service, "operation", operation,
			"error", cause, "fallback_error", err)
		return nil, &pkgerrors.FallbackExhaustedError{Service: service, Operation: operation, Original: cause, FallbackErr: err}
	}

	m.metrics.Inc("resilience_fallbacks", labels)
	m.log.Fallback("using fallback result", "service", service, "operation", operation, "cause", cause)
	return res, nil
}

func (m *ResilienceManager) observe(ctx context.Context, ev *model.AttemptEvent) {
	outcome := "success"
	if ev.Err != nil {
		outcome = "failure"
	}
	labels := map[string]string{"service": ev.Service, "operation": ev.Operation, "outcome": outcome}
	m.metrics.Observe("resilience_attempt_seconds", ev.Duration, labels)
	if ev.Err != nil {
		m.metrics.Inc("resilience_attempt_failures", labels)
	}

	for _, l := range m.snapshotListeners() {
		l.OnAttempt(ctx, ev)
	}
}

func (m *ResilienceManager) publish(ctx context.Context, service string, tr *breakerTransition) {
	if tr == nil {
		return
	}

	ev := &model.CircuitStateChangedEvent{
		Service:      service,
		From:         tr.from,
		To:           tr.to,
		FailureCount: tr.failures,
		Reason:       tr.reason,
		At:           tr.at,
		OpenFor:      tr.openFor,
	}

	labels := map[string]string{"service": service}
	m.metrics.Gauge("resilience_circuit_state", tr.to.Gauge(), labels)
	open := 0.0
	if tr.to == model.CircuitOpen {
		open = 1
	}
	m.metrics.Gauge("resilience_circuit_open", open, labels)

	m.log.Breaker(service, string(tr.from), string(tr.to), "reason", tr.reason, "failures", tr.failures)

	for _, l := range m.snapshotListeners() {
		l.OnStateChange(ctx, ev)
	}
}

// Do is Execute for calls without a result.
func Do(ctx context.Context, m *ResilienceManager, service, operation string, fn func(ctx context.Context) error) error {
	_, err := m.Execute(ctx, service, operation, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Invoke is the typed form of Execute. A fallback must return a T (or nil).
func Invoke[T any](ctx context.Context, m *ResilienceManager, service, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := m.Execute(ctx, service, operation, func(ctx context.Context) (interface{}, error) {
		v, err := fn(ctx)
		return v, err
	})
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%s.%s returned %T, want %T", service, operation, res, zero)
	}
	return v, nil
}
