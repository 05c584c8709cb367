package server

import (
	"context"
	nethttp "net/http"

	"TicketForge/internal/conf"
	"TicketForge/internal/server/middleware"
	"TicketForge/internal/service"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// Monitor API operations, used as kratos operation names in logs.
const (
	OperationDashboard   = "/monitor.v1.Monitor/Dashboard"
	OperationHealth      = "/monitor.v1.Monitor/Health"
	OperationBreakers    = "/monitor.v1.Monitor/Breakers"
	OperationAlerts      = "/monitor.v1.Monitor/Alerts"
	OperationMetrics     = "/monitor.v1.Monitor/Metrics"
	OperationTicketStats = "/monitor.v1.Monitor/TicketStats"
	OperationTickets     = "/monitor.v1.Monitor/ListTickets"
	OperationTicket      = "/monitor.v1.Monitor/GetTicket"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, monitor *service.MonitorService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(log.With(logger, "module", "server/http"))

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper), // 请求日志中间件：记录请求方法、路径、耗时
		),
	}
	if c != nil && c.HTTP != nil {
		if c.HTTP.Network != "" {
			opts = append(opts, http.Network(c.HTTP.Network))
		}
		if c.HTTP.Addr != "" {
			opts = append(opts, http.Address(c.HTTP.Addr))
		}
		if c.HTTP.Timeout > 0 {
			opts = append(opts, http.Timeout(c.HTTP.Timeout))
		}
	}
	srv := http.NewServer(opts...)

	RegisterMonitorHTTPServer(srv, monitor)

	return srv
}

// RegisterMonitorHTTPServer mounts the monitor API under /api/v1.
func RegisterMonitorHTTPServer(s *http.Server, svc *service.MonitorService) {
	r := s.Route("/")
	r.GET("/healthz", healthHandler(svc))
	r.GET("/api/v1/health", healthHandler(svc))
	r.GET("/api/v1/dashboard", handle(OperationDashboard, func(ctx context.Context, hc http.Context) (interface{}, error) {
		window, err := service.ParseWindow(hc.Query().Get("window"))
		if err != nil {
			return nil, err
		}
		return svc.Dashboard(ctx, window)
	}))
	r.GET("/api/v1/breakers", handle(OperationBreakers, func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.Breakers(ctx)
	}))
	r.GET("/api/v1/alerts", handle(OperationAlerts, func(ctx context.Context, hc http.Context) (interface{}, error) {
		window, err := service.ParseWindow(hc.Query().Get("window"))
		if err != nil {
			return nil, err
		}
		return svc.Alerts(ctx, window)
	}))
	r.GET("/api/v1/metrics", handle(OperationMetrics, func(ctx context.Context, hc http.Context) (interface{}, error) {
		window, err := service.ParseWindow(hc.Query().Get("window"))
		if err != nil {
			return nil, err
		}
		return svc.Metrics(ctx, hc.Query().Get("name"), window)
	}))
	r.GET("/api/v1/tickets/stats", handle(OperationTicketStats, func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.TicketStats(ctx)
	}))
	r.GET("/api/v1/tickets", handle(OperationTickets, func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.ListTickets(ctx, hc.Query().Get("status"))
	}))
	r.GET("/api/v1/tickets/{key}", handle(OperationTicket, func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.GetTicket(ctx, hc.Vars().Get("key"))
	}))
}

type handlerFunc func(ctx context.Context, hc http.Context) (interface{}, error)

// handle runs fn through the server middleware chain, the same way
// generated kratos HTTP handlers do.
func handle(operation string, fn handlerFunc) http.HandlerFunc {
	return func(hc http.Context) error {
		http.SetOperation(hc, operation)
		h := hc.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return fn(ctx, hc)
		})
		out, err := h(hc, nil)
		if err != nil {
			return err
		}
		return hc.Result(nethttp.StatusOK, out)
	}
}

// healthHandler answers 503 while any probe is unhealthy so load balancers can use it.
func healthHandler(svc *service.MonitorService) http.HandlerFunc {
	return func(hc http.Context) error {
		http.SetOperation(hc, OperationHealth)
		h := hc.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return svc.Health(ctx)
		})
		out, err := h(hc, nil)
		if err != nil {
			return err
		}
		reply := out.(*service.HealthReply)
		code := nethttp.StatusOK
		if !reply.Healthy {
			code = nethttp.StatusServiceUnavailable
		}
		return hc.Result(code, reply)
	}
}
