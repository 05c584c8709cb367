package service

import (
	"context"
	"strings"
	"time"

	"TicketForge/internal/biz"
	"TicketForge/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultWindow = time.Hour
	maxWindow     = 24 * time.Hour
)

// DashboardReply is the one-shot operational overview.
type DashboardReply struct {
	GeneratedAt  time.Time                   `json:"generated_at"`
	Healthy      bool                        `json:"healthy"`
	Health       map[string]biz.HealthResult `json:"health"`
	Breakers     []model.BreakerSnapshot     `json:"breakers"`
	OpenCircuits []string                    `json:"open_circuits"`
	ActiveAlerts []*model.Alert              `json:"active_alerts"`
	Tickets      biz.TrackerStatistics       `json:"tickets"`
	LastCycle    *biz.CycleReport            `json:"last_cycle,omitempty"`
	Metrics      map[string]biz.MetricStats  `json:"metrics"`
	Window       string                      `json:"window"`
}

type HealthReply struct {
	Healthy bool                        `json:"healthy"`
	Probes  map[string]biz.HealthResult `json:"probes"`
}

type BreakersReply struct {
	Breakers []model.BreakerSnapshot `json:"breakers"`
}

type AlertsReply struct {
	Active  []*model.Alert `json:"active"`
	History []*model.Alert `json:"history"`
}

// MetricsReply carries either a summary of every metric or one metric's
// samples and stats.
type MetricsReply struct {
	Window  string                     `json:"window"`
	Summary map[string]biz.MetricStats `json:"summary,omitempty"`
	Name    string                     `json:"name,omitempty"`
	Stats   *biz.MetricStats           `json:"stats,omitempty"`
	Samples []biz.Sample               `json:"samples,omitempty"`
}

type TicketsReply struct {
	Tickets []*model.TicketRecord `json:"tickets"`
}

type TicketReply struct {
	Ticket      *model.TicketRecord `json:"ticket"`
	NextRetryAt *time.Time          `json:"next_retry_at,omitempty"`
}

// MonitorService is the read-only monitor API.
type MonitorService struct {
	ops    *biz.Ops
	now    func() time.Time
	logger *log.Helper
}

// NewMonitorService creates a new MonitorService instance.
func NewMonitorService(ops *biz.Ops, logger log.Logger) *MonitorService {
	return &MonitorService{
		ops:    ops,
		now:    time.Now,
		logger: log.NewHelper(log.With(logger, "module", "service/monitor")),
	}
}

// ParseWindow parses a ?window= value; empty means one hour.
func ParseWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultWindow, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 || d > maxWindow {
		return 0, errors.BadRequest("INVALID_WINDOW", "window must be a positive duration up to 24h")
	}
	return d, nil
}

// Dashboard returns everything an operator looks at first.
func (s *MonitorService) Dashboard(_ context.Context, window time.Duration) (*DashboardReply, error) {
	status := s.ops.Health.Status()
	return &DashboardReply{
		GeneratedAt:  s.now(),
		Healthy:      allHealthy(status),
		Health:       status,
		Breakers:     s.ops.Resilience.Breakers(),
		OpenCircuits: s.ops.Resilience.OpenCircuits(),
		ActiveAlerts: s.ops.Alerts.ActiveAlerts(),
		Tickets:      s.ops.Tracker.Statistics(),
		LastCycle:    s.ops.Processor.LastReport(),
		Metrics:      s.ops.Metrics.Summary(window),
		Window:       window.String(),
	}, nil
}

// Health returns the cached probe results. Probes that never ran count as unhealthy.
func (s *MonitorService) Health(_ context.Context) (*HealthReply, error) {
	status := s.ops.Health.Status()
	return &HealthReply{Healthy: allHealthy(status), Probes: status}, nil
}

func (s *MonitorService) Breakers(_ context.Context) (*BreakersReply, error) {
	return &BreakersReply{Breakers: s.ops.Resilience.Breakers()}, nil
}

// Alerts returns the firing alerts plus those fired within window.
func (s *MonitorService) Alerts(_ context.Context, window time.Duration) (*AlertsReply, error) {
	return &AlertsReply{
		Active:  s.ops.Alerts.ActiveAlerts(),
		History: s.ops.Alerts.History(s.now().Add(-window)),
	}, nil
}

// Metrics returns the summary, or one metric's history when name is set.
func (s *MonitorService) Metrics(_ context.Context, name string, window time.Duration) (*MetricsReply, error) {
	reply := &MetricsReply{Window: window.String()}
	if name == "" {
		reply.Summary = s.ops.Metrics.Summary(window)
		return reply, nil
	}

	stats, ok := s.ops.Metrics.Stats(name, window)
	if !ok {
		return nil, errors.NotFound("METRIC_NOT_FOUND", "no samples for metric "+name+" in window")
	}
	reply.Name = name
	reply.Stats = &stats
	reply.Samples = s.ops.Metrics.History(name, window)
	return reply, nil
}

func (s *MonitorService) TicketStats(_ context.Context) (*biz.TrackerStatistics, error) {
	st := s.ops.Tracker.Statistics()
	return &st, nil
}

// ListTickets filters by a comma separated status list; empty lists all.
func (s *MonitorService) ListTickets(_ context.Context, statuses string) (*TicketsReply, error) {
	var filter []model.TicketStatus
	for _, raw := range strings.Split(statuses, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st := model.TicketStatus(raw)
		if !st.Valid() {
			return nil, errors.BadRequest("INVALID_STATUS", "unknown ticket status "+raw)
		}
		filter = append(filter, st)
	}
	return &TicketsReply{Tickets: s.ops.Tracker.List(filter...)}, nil
}

func (s *MonitorService) GetTicket(_ context.Context, key string) (*TicketReply, error) {
	rec, ok := s.ops.Tracker.Get(key)
	if !ok {
		return nil, errors.NotFound("TICKET_NOT_FOUND", "ticket "+key+" is not tracked")
	}
	reply := &TicketReply{Ticket: rec}
	if at, ok := s.ops.Tracker.NextRetryAt(rec); ok {
		reply.NextRetryAt = &at
	}
	return reply, nil
}

func allHealthy(status map[string]biz.HealthResult) bool {
	for _, r := range status {
		if !r.Healthy {
			return false
		}
	}
	return true
}
