package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const traceContextKey contextKey = "ticketforge_trace_context"

// TraceContext carries correlation ids for one HTTP request or one
// processing cycle so every log line of that unit of work can be joined.
type TraceContext struct {
	TraceID   string // 10 位短 ID，如 mgrn0zfqda
	CycleID   string
	TicketKey string
	StartTime time.Time
}

var (
	randSource  = rand.NewSource(time.Now().UnixNano())
	randMutex   sync.Mutex
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateID 生成10位随机 ID (base36)
func GenerateID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithTrace starts a new trace with a fresh id.
func WithTrace(ctx context.Context) context.Context {
	return WithTraceID(ctx, GenerateID())
}

// WithTraceID starts a trace with a caller supplied id (e.g. X-Request-ID).
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceContextKey, &TraceContext{
		TraceID:   traceID,
		StartTime: time.Now(),
	})
}

// WithCycle marks ctx as belonging to processing cycle cycleID.
func WithCycle(ctx context.Context, cycleID string) context.Context {
	tc := *GetTraceContext(ctx)
	if tc.TraceID == "" {
		tc.TraceID = GenerateID()
		tc.StartTime = time.Now()
	}
	tc.CycleID = cycleID
	return context.WithValue(ctx, traceContextKey, &tc)
}

// WithTicket tags ctx with the ticket being processed.
func WithTicket(ctx context.Context, key string) context.Context {
	tc := *GetTraceContext(ctx)
	tc.TicketKey = key
	return context.WithValue(ctx, traceContextKey, &tc)
}

// GetTraceContext returns the trace stored in ctx, or an empty one.
func GetTraceContext(ctx context.Context) *TraceContext {
	if ctx != nil {
		if tc, ok := ctx.Value(traceContextKey).(*TraceContext); ok {
			return tc
		}
	}
	return &TraceContext{}
}

// TraceKVs returns the non-empty correlation fields as log key/value pairs.
func TraceKVs(ctx context.Context) []interface{} {
	tc := GetTraceContext(ctx)
	var kvs []interface{}
	if tc.TraceID != "" {
		kvs = append(kvs, "trace_id", tc.TraceID)
	}
	if tc.CycleID != "" {
		kvs = append(kvs, "cycle_id", tc.CycleID)
	}
	if tc.TicketKey != "" {
		kvs = append(kvs, "ticket", tc.TicketKey)
	}
	return kvs
}

// GetElapsedTime 获取已执行时间（毫秒）
func GetElapsedTime(ctx context.Context) int64 {
	tc := GetTraceContext(ctx)
	if tc.StartTime.IsZero() {
		return 0
	}
	return time.Since(tc.StartTime).Milliseconds()
}
