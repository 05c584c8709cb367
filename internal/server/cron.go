package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	"TicketForge/internal/biz"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/robfig/cron/v3"
)

var _ transport.Server = (*CronServer)(nil)

// CronServer runs the periodic jobs (alert evaluation, system sampling,
// health probes, ticket processing) as a kratos transport.Server. Every job
// is wrapped with SkipIfStillRunning so a slow run never overlaps itself.
type CronServer struct {
	cron *cron.Cron
	ops  *biz.Ops
	log  *pkglog.LogHelper
	jobs map[string]cron.EntryID

	// ctx is handed to every job and cancelled only when Stop runs out of time.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCronServer registers the jobs; nothing runs until Start.
func NewCronServer(ops *biz.Ops, logger log.Logger) (*CronServer, error) {
	helper := pkglog.NewLogHelper(log.With(logger, "module", "server/cron"))
	cl := cronLogger{helper}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CronServer{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		ops:    ops,
		log:    helper,
		jobs:   make(map[string]cron.EntryID),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.every("alerts", ops.AlertInterval(), s.evaluateAlerts); err != nil {
		cancel()
		return nil, err
	}
	if err := s.every("sampler", ops.SampleInterval(), func() { ops.Sampler.Sample(s.ctx) }); err != nil {
		cancel()
		return nil, err
	}
	for _, p := range ops.Health.Probes() {
		name := p.Name
		if err := s.every("health:"+name, p.Interval, func() { s.checkProbe(name) }); err != nil {
			cancel()
			return nil, err
		}
	}
	if ops.Processor.Enabled() {
		if err := s.every("processor", ops.Processor.Interval(), s.runCycle); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *CronServer) every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("cron job %s: interval must be positive", name)
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), fn)
	if err != nil {
		return fmt.Errorf("register cron job %s: %w", name, err)
	}
	s.jobs[name] = id
	return nil
}

// Jobs lists the registered job names.
func (s *CronServer) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start primes health and system metrics once, then starts the scheduler.
func (s *CronServer) Start(ctx context.Context) error {
	s.ops.Sampler.Sample(s.ctx)
	s.ops.Health.RunDue(s.ctx)

	s.cron.Start()
	s.log.Scheduler("cron server started", "jobs", s.Jobs())
	return nil
}

// Stop waits for running jobs. If ctx expires first the job context is
// cancelled so in-flight work (e.g. a processing cycle) winds down.
func (s *CronServer) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.cancel()
		if err := s.ops.Drain(ctx); err != nil {
			s.log.Warnw("msg", "cron stop deadline reached with notifications in flight", "error", err)
			return err
		}
		s.log.Scheduler("cron server stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.log.Warnw("msg", "cron stop deadline reached, cancelled running jobs")
		return ctx.Err()
	}
}

func (s *CronServer) evaluateAlerts() {
	fired := s.ops.Alerts.Evaluate(s.ctx)
	if len(fired) > 0 {
		s.log.Scheduler("alert evaluation finished", "fired", len(fired), "active", len(s.ops.Alerts.ActiveAlerts()))
	}
}

func (s *CronServer) checkProbe(name string) {
	if _, err := s.ops.Health.Check(s.ctx, name); err != nil {
		s.log.Errorw("msg", "health probe failed to run", "probe", name, "error", err)
	}
}

func (s *CronServer) runCycle() {
	ctx := s.ctx
	if timeout := s.ops.Processor.CycleTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := s.ops.Processor.RunCycle(ctx); err != nil {
		s.log.Errorw("msg", "processing cycle failed", "error", err)
	}
}

// cronLogger adapts LogHelper to cron.Logger.
type cronLogger struct {
	h *pkglog.LogHelper
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.h.Debugw(append([]interface{}{"msg", msg}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.h.Errorw(append([]interface{}{"msg", msg, "error", err}, keysAndValues...)...)
}
