package biz

import (
	"context"
	"sync"
)

// FallbackFunc produces a substitute result once the primary call, its
// retries and the breaker have given up. cause is the error that would
// otherwise be returned.
type FallbackFunc func(ctx context.Context, cause error) (interface{}, error)

// FallbackRegistry maps "service.operation" (or just "service") to a fallback.
type FallbackRegistry struct {
	mu  sync.RWMutex
	fns map[string]FallbackFunc
}

// NewFallbackRegistry creates an empty registry.
func NewFallbackRegistry() *FallbackRegistry {
	return &FallbackRegistry{fns: make(map[string]FallbackFunc)}
}

func fallbackKey(service, operation string) string {
	if operation == "" {
		return service
	}
	return service + "." + operation
}

// Register installs fn for one operation of service, or for every operation
// of service when operation is empty.
func (r *FallbackRegistry) Register(service, operation string, fn FallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[fallbackKey(service, operation)] = fn
}

// Lookup finds the most specific fallback.
func (r *FallbackRegistry) Lookup(service, operation string) (FallbackFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.fns[fallbackKey(service, operation)]; ok {
		return fn, true
	}
	fn, ok := r.fns[service]
	return fn, ok
}
