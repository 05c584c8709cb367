// Package middleware provides HTTP middleware for the monitor API.
package middleware

import (
	"context"
	"strings"
	"time"

	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequest is logged with a warning when exceeded.
const slowRequest = 2 * time.Second

// Logging 返回一个记录 HTTP 请求日志的中间件
// 复用或生成 Request ID，注入 Trace Context，检测慢请求
//
// 日志输出示例:
//
//	🟢 GET /api/v1/dashboard - 200 (3ms) | trace_id: mgrn0zfqda
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method    string
				path      string
				ip        string
				userAgent string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}
					ip = extractClientIP(httpReq)
					userAgent = httpReq.Header.Get("User-Agent")
					requestID = httpReq.Header.Get("X-Request-ID")
				}
			}
			if requestID == "" {
				requestID = pkglog.GenerateID()
			}
			ctx = pkglog.WithTraceID(ctx, requestID)

			reply, err := handler(ctx, req)

			duration := time.Since(startTime)
			status := 200
			if err != nil {
				status = extractHTTPStatus(err)
			}

			logger.Request(ctx, method, path, status, duration.Milliseconds(),
				"ip", ip,
				"user_agent", userAgent,
			)
			if duration > slowRequest {
				logger.Warnw(append(pkglog.TraceKVs(ctx), "msg", "slow request detected", "path", path, "duration_ms", duration.Milliseconds())...)
			}

			return reply, err
		}
	}
}

// extractClientIP 从请求中提取客户端真实 IP
// 优先级: X-Real-IP > X-Forwarded-For > RemoteAddr
func extractClientIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	return req.RemoteAddr
}

// extractHTTPStatus 从 Kratos 错误中提取 HTTP 状态码
func extractHTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	return int(errors.FromError(err).Code)
}
