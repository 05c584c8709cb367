// Package errors defines the error taxonomy shared by the resilience layer,
// the ticket tracker and the persistence adapters.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups on unknown ticket keys.
var ErrNotFound = errors.New("not found")

// ErrSnapshotCorrupt is wrapped by snapshot backends when the stored data
// does not decode. Any other load failure is treated as temporary.
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

// TransientServiceError marks a failure of an external dependency that is
// worth retrying. After the retry budget is exhausted the wrapper returns it
// around the last cause.
type TransientServiceError struct {
	Service   string
	Operation string
	Attempts  int
	Err       error
}

func (e *TransientServiceError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s.%s failed after %d attempt(s): %v", e.Service, e.Operation, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s.%s transient failure: %v", e.Service, e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *TransientServiceError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientServiceError without attempt information.
// Adapters use it to tag failures (HTTP 429/5xx, timeouts) the caller may retry.
func Transient(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientServiceError{Service: service, Operation: operation, Err: err}
}

// CircuitOpenError is returned without invoking the wrapped call when the
// service's breaker rejects it.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker for %s is open (retry after %s)", e.Service, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker for %s is open (probe in flight)", e.Service)
}

// FallbackExhaustedError reports that the primary call and its fallback both
// failed. It unwraps to the ORIGINAL error so callers classify the real cause.
type FallbackExhaustedError struct {
	Service     string
	Operation   string
	Original    error
	FallbackErr error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("%s.%s failed and fallback failed: %v (fallback: %v)", e.Service, e.Operation, e.Original, e.FallbackErr)
}

// Unwrap returns the original error, not the fallback's.
func (e *FallbackExhaustedError) Unwrap() error {
	return e.Original
}

// InvalidTransitionError is returned when a ticket record is asked to move
// along an edge the state machine does not allow.
type InvalidTransitionError struct {
	Key    string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("ticket %s: invalid transition %s -> %s", e.Key, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PersistenceWriteError wraps a failed snapshot flush. The in-memory state
// stays authoritative; the error is logged and counted.
type PersistenceWriteError struct {
	Backend string
	Err     error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("persist snapshot to %s: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *PersistenceWriteError) Unwrap() error {
	return e.Err
}

// PanicError carries a recovered panic out of a guarded call.
type PanicError struct {
	Where string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Where, e.Value)
}

// Unwrap returns the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// IsPanic checks if the error is a PanicError.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad request, auth failure).
// The default retry predicate stops on it and the breaker does not count it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent checks if err (or anything it wraps) was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsTransient checks if the error is a TransientServiceError.
func IsTransient(err error) bool {
	var t *TransientServiceError
	return errors.As(err, &t)
}

// IsCircuitOpen checks if the error is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var c *CircuitOpenError
	return errors.As(err, &c)
}

// IsFallbackExhausted checks if the error is a FallbackExhaustedError.
func IsFallbackExhausted(err error) bool {
	var f *FallbackExhaustedError
	return errors.As(err, &f)
}

// IsInvalidTransition checks if the error is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var i *InvalidTransitionError
	return errors.As(err, &i)
}

// IsSnapshotCorrupt checks if a snapshot load failed because the stored data
// does not decode.
func IsSnapshotCorrupt(err error) bool {
	return errors.Is(err, ErrSnapshotCorrupt)
}

// IsPersistenceWrite checks if the error is a PersistenceWriteError.
func IsPersistenceWrite(err error) bool {
	var p *PersistenceWriteError
	return errors.As(err, &p)
}
