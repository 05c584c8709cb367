package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper 扩展 Kratos log.Helper
// 每个方法附加 "type" 字段，控制台编码器据此选择表情符号
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func typed(logType, msg string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", logType)
}

// Breaker 熔断器状态变化（🔌）. Opening is a warning, everything else info.
func (h *LogHelper) Breaker(service, from, to string, kvs ...interface{}) {
	msg := fmt.Sprintf("circuit %s: %s -> %s", service, from, to)
	all := typed("breaker", msg, append([]interface{}{"service", service, "from", from, "to", to}, kvs...))
	if to == "open" {
		h.Warnw(all...)
		return
	}
	h.Infow(all...)
}

// Retry 重试日志（🔁）
func (h *LogHelper) Retry(msg string, kvs ...interface{}) {
	h.Warnw(typed("retry", msg, kvs)...)
}

// Fallback 降级日志（🪂）
func (h *LogHelper) Fallback(msg string, kvs ...interface{}) {
	h.Warnw(typed("fallback", msg, kvs)...)
}

// Alert 告警触发（🚨）或恢复（🟩）
func (h *LogHelper) Alert(firing bool, msg string, kvs ...interface{}) {
	if firing {
		h.Warnw(typed("alert", msg, kvs)...)
		return
	}
	h.Infow(typed("resolved", msg, kvs)...)
}

// Health 健康检查（🩺）
func (h *LogHelper) Health(msg string, healthy bool, kvs ...interface{}) {
	all := typed("health", msg, append(kvs, "healthy", healthy))
	if healthy {
		h.Debugw(all...)
		return
	}
	h.Warnw(all...)
}

// Ticket 工单处理日志（🎫），自动附加 trace 字段
func (h *LogHelper) Ticket(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed("ticket", msg, append(TraceKVs(ctx), kvs...))...)
}

// Cycle 轮询周期汇总（🔄）
func (h *LogHelper) Cycle(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed("cycle", msg, append(TraceKVs(ctx), kvs...))...)
}

// Snapshot 快照持久化（💾）
func (h *LogHelper) Snapshot(msg string, kvs ...interface{}) {
	h.Debugw(typed("snapshot", msg, kvs)...)
}

// Audit 审计日志（📋）
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.Infow(typed("audit", msg, kvs)...)
}

// Scheduler 调度器日志（🎯）
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(typed("scheduler", msg, kvs)...)
}

// Startup 启动日志（🚀）
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(typed("startup", msg, kvs)...)
}

// Success 成功操作（✅）
func (h *LogHelper) Success(msg string, kvs ...interface{}) {
	h.Infow(typed("success", msg, kvs)...)
}

// Request 记录 HTTP 请求日志（表情符号根据状态码）
func (h *LogHelper) Request(ctx context.Context, method, path string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, path, status, durationMs)
	all := typed("request", msg, append(TraceKVs(ctx), kvs...))
	all = append(all, "method", method, "path", path, "status", status, "duration_ms", durationMs)
	if status >= 500 {
		h.Errorw(all...)
		return
	}
	h.Infow(all...)
}
