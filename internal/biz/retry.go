package biz

import (
	"context"
	"errors"
	"math"
	"time"

	"TicketForge/internal/conf"
	pkgerrors "TicketForge/pkg/errors"
)

// RetryPolicy controls how often and how patiently a call is retried.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// Retriable decides whether an error is worth another attempt.
	// nil means DefaultRetriable.
	Retriable func(error) bool
}

// DefaultRetryPolicy is used for services without a configured profile.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	BaseDelay:       time.Second,
	MaxDelay:        60 * time.Second,
	ExponentialBase: 2,
	Jitter:          true,
}

// RetryPolicyFromConf converts a config profile.
func RetryPolicyFromConf(c conf.Retry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		BaseDelay:       c.BaseDelay,
		MaxDelay:        c.MaxDelay,
		ExponentialBase: c.ExponentialBase,
		Jitter:          c.Jitter,
	}
}

// DefaultRetriable retries everything except cancellation and errors marked
// with errors.Permanent.
func DefaultRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !pkgerrors.IsPermanent(err)
}

func (p RetryPolicy) isRetriable(err error) bool {
	if p.Retriable != nil {
		return p.Retriable(err)
	}
	return DefaultRetriable(err)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the un-jittered backoff before retry i (0-based):
// min(BaseDelay * ExponentialBase^i, MaxDelay).
func (p RetryPolicy) Delay(i int) time.Duration {
	base := p.ExponentialBase
	if base < 1 {
		base = 1
	}
	d := float64(p.BaseDelay) * math.Pow(base, float64(i))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// backoff applies jitter to Delay(i). rnd returns a value in [0, 1), so
// the result lies in [0.5, 1.0] of the un-jittered delay.
func (p RetryPolicy) backoff(i int, rnd func() float64) time.Duration {
	d := p.Delay(i)
	if !p.Jitter || rnd == nil {
		return d
	}
	return time.Duration(float64(d) * (0.5 + rnd()*0.5))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
