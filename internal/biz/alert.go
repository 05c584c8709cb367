package biz

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Comparison is the operator of a threshold rule.
type Comparison string

const (
	CompareGT  Comparison = "gt"
	CompareGTE Comparison = "gte"
	CompareLT  Comparison = "lt"
	CompareLTE Comparison = "lte"
	CompareEQ  Comparison = "eq"
)

// eqTolerance is the absolute tolerance of CompareEQ.
const eqTolerance = 0.001

// Aggregate selects which windowed statistic a rule compares.
type Aggregate string

const (
	AggregateAvg   Aggregate = "avg"
	AggregateMin   Aggregate = "min"
	AggregateMax   Aggregate = "max"
	AggregateCount Aggregate = "count"
	AggregateSum   Aggregate = "sum"
)

const alertHistorySize = 1000

// AlertRule fires when Aggregate(Metric over Window) Comparison Threshold.
// Labels select the samples aggregated (a sample must carry all of them) and
// are copied onto the alerts the rule fires.
type AlertRule struct {
	Name       string
	Metric     string
	Comparison Comparison
	Threshold  float64
	Window     time.Duration
	Severity   model.AlertSeverity
	Aggregate  Aggregate
	Labels     map[string]string
}

// AlertRuleFromConf converts a configured rule.
func AlertRuleFromConf(c conf.AlertRule) AlertRule {
	return AlertRule{
		Name:       c.Name,
		Metric:     c.Metric,
		Comparison: Comparison(c.Comparison),
		Threshold:  c.Threshold,
		Window:     c.Window,
		Severity:   model.AlertSeverity(c.Severity),
		Aggregate:  Aggregate(c.Aggregate),
		Labels:     c.Labels,
	}
}

// Validate rejects rules that can never evaluate.
func (r AlertRule) Validate() error {
	if r.Name == "" || r.Metric == "" {
		return fmt.Errorf("alert rule needs a name and a metric")
	}
	switch r.Comparison {
	case CompareGT, CompareGTE, CompareLT, CompareLTE, CompareEQ:
	default:
		return fmt.Errorf("alert rule %s: unknown comparison %q", r.Name, r.Comparison)
	}
	switch r.Aggregate {
	case "", AggregateAvg, AggregateMin, AggregateMax, AggregateCount, AggregateSum:
	default:
		return fmt.Errorf("alert rule %s: unknown aggregate %q", r.Name, r.Aggregate)
	}
	if r.Window <= 0 {
		return fmt.Errorf("alert rule %s: window must be positive", r.Name)
	}
	return nil
}

// Evaluate returns the observed aggregate and whether the rule holds over
// the samples matching its labels. With no matching data in the window ok
// is false and the rule does not fire.
func (r AlertRule) Evaluate(mc *MetricsCollector) (value float64, firing bool, ok bool) {
	st, ok := mc.StatsMatching(r.Metric, r.Window, r.Labels)
	if !ok {
		return 0, false, false
	}

	switch r.Aggregate {
	case AggregateMin:
		value = st.Min
	case AggregateMax:
		value = st.Max
	case AggregateCount:
		value = float64(st.Count)
	case AggregateSum:
		value = st.Sum
	default:
		value = st.Avg
	}

	switch r.Comparison {
	case CompareGT:
		firing = value > r.Threshold
	case CompareGTE:
		firing = value >= r.Threshold
	case CompareLT:
		firing = value < r.Threshold
	case CompareLTE:
		firing = value <= r.Threshold
	case CompareEQ:
		firing = math.Abs(value-r.Threshold) < eqTolerance
	}
	return value, firing, true
}

func (r AlertRule) aggregateName() Aggregate {
	if r.Aggregate == "" {
		return AggregateAvg
	}
	return r.Aggregate
}

// AlertHandler receives an alert on its Inactive -> Firing transition.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert *model.Alert) error
}

// AlertResolveHandler is optionally implemented by handlers that also want
// the Firing -> Inactive edge.
type AlertResolveHandler interface {
	HandleResolved(ctx context.Context, alert *model.Alert) error
}

// AlertHandlerFunc adapts a function to AlertHandler.
type AlertHandlerFunc func(ctx context.Context, alert *model.Alert) error

func (f AlertHandlerFunc) HandleAlert(ctx context.Context, alert *model.Alert) error {
	return f(ctx, alert)
}

type namedHandler struct {
	name    string
	handler AlertHandler
}

// AlertManager evaluates threshold rules against the metrics collector and
// keeps one active alert per (rule, metric). Handlers only see the
// Inactive -> Firing edge; while an alert stays firing nothing is resent.
type AlertManager struct {
	metrics *MetricsCollector
	log     *pkglog.LogHelper
	now     func() time.Time

	// evalMu serializes Evaluate so two ticks never race on the same key.
	evalMu sync.Mutex

	mu       sync.RWMutex
	rules    []AlertRule
	handlers []namedHandler
	active   map[string]*model.Alert
	history  []*model.Alert
}

// NewAlertManager creates a manager with the configured rules installed.
func NewAlertManager(c *conf.Monitor, metrics *MetricsCollector, logger log.Logger) (*AlertManager, error) {
	am := &AlertManager{
		metrics: metrics,
		log:     pkglog.NewLogHelper(log.With(logger, "module", "biz/alert")),
		now:     time.Now,
		active:  make(map[string]*model.Alert),
	}
	if c != nil {
		for _, rc := range c.AlertRules {
			if err := am.AddRule(AlertRuleFromConf(rc)); err != nil {
				return nil, err
			}
		}
	}
	return am, nil
}

// AddRule registers a rule. Names must be unique.
func (am *AlertManager) AddRule(rule AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Severity == "" {
		rule.Severity = model.SeverityWarning
	}

	am.mu.Lock()
	defer am.mu.Unlock()
	for _, existing := range am.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("alert rule %s already registered", rule.Name)
		}
	}
	am.rules = append(am.rules, rule)
	return nil
}

// Rules returns the registered rules.
func (am *AlertManager) Rules() []AlertRule {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return append([]AlertRule(nil), am.rules...)
}

// AddHandler registers a notification handler.
func (am *AlertManager) AddHandler(name string, h AlertHandler) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.handlers = append(am.handlers, namedHandler{name: name, handler: h})
}

// Evaluate runs every rule once and returns the alerts that started firing.
// A handler failure is logged and never stops the remaining rules or handlers.
func (am *AlertManager) Evaluate(ctx context.Context) []*model.Alert {
	am.evalMu.Lock()
	defer am.evalMu.Unlock()

	var fired []*model.Alert
	for _, rule := range am.Rules() {
		value, firing, ok := rule.Evaluate(am.metrics)
		key := model.AlertKey(rule.Name, rule.Metric)

		am.mu.RLock()
		current, active := am.active[key]
		am.mu.RUnlock()

		switch {
		case firing && !active:
			alert := am.fire(rule, value)
			fired = append(fired, alert)
			am.notify(ctx, alert)
		case !firing && active:
			am.resolve(ctx, current, value, ok)
		}
	}
	return fired
}

func (am *AlertManager) fire(rule AlertRule, value float64) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.NewString(),
		Rule:      rule.Name,
		Metric:    rule.Metric,
		Severity:  rule.Severity,
		Value:     value,
		Threshold: rule.Threshold,
		Labels:    rule.Labels,
		FiredAt:   am.now(),
		Message: fmt.Sprintf("%s: %s(%s) over %s is %.3f, %s %.3f",
			rule.Name, rule.aggregateName(), rule.Metric, rule.Window, value, rule.Comparison, rule.Threshold),
	}

	am.mu.Lock()
	am.active[alert.Key()] = alert
	am.appendHistoryLocked(alert)
	am.mu.Unlock()

	am.metrics.Inc("alerts_fired", map[string]string{"rule": rule.Name, "severity": string(rule.Severity)})
	am.log.Alert(true, alert.Message, "rule", rule.Name, "metric", rule.Metric, "severity", string(rule.Severity), "alert_id", alert.ID)
	return alert
}

func (am *AlertManager) resolve(ctx context.Context, alert *model.Alert, value float64, hasData bool) {
	now := am.now()

	am.mu.Lock()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(am.active, alert.Key())
	am.mu.Unlock()

	am.metrics.Inc("alerts_resolved", map[string]string{"rule": alert.Rule})
	am.log.Alert(false, "alert resolved", "rule", alert.Rule, "metric", alert.Metric,
		"alert_id", alert.ID, "value", value, "has_data", hasData, "firing_for", now.Sub(alert.FiredAt).String())

	am.mu.RLock()
	handlers := append([]namedHandler(nil), am.handlers...)
	am.mu.RUnlock()
	for _, h := range handlers {
		rh, ok := h.handler.(AlertResolveHandler)
		if !ok {
			continue
		}
		if err := am.callResolved(ctx, rh, alert.Clone()); err != nil {
			am.metrics.Inc("alert_handler_failures", map[string]string{"handler": h.name})
			am.log.Errorw("msg", "alert resolve handler failed", "handler", h.name, "rule", alert.Rule, "error", err)
		}
	}
}

func (am *AlertManager) notify(ctx context.Context, alert *model.Alert) {
	am.mu.RLock()
	handlers := append([]namedHandler(nil), am.handlers...)
	am.mu.RUnlock()

	for _, h := range handlers {
		if err := am.callHandler(ctx, h, alert.Clone()); err != nil {
			am.metrics.Inc("alert_handler_failures", map[string]string{"handler": h.name})
			am.log.Errorw("msg", "alert handler failed", "handler", h.name, "rule", alert.Rule, "error", err)
		}
	}
}

func (am *AlertManager) callHandler(ctx context.Context, h namedHandler, alert *model.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.handler.HandleAlert(ctx, alert)
}

func (am *AlertManager) callResolved(ctx context.Context, h AlertResolveHandler, alert *model.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.HandleResolved(ctx, alert)
}

func (am *AlertManager) appendHistoryLocked(alert *model.Alert) {
	if len(am.history) >= alertHistorySize {
		copy(am.history, am.history[1:])
		am.history = am.history[:len(am.history)-1]
	}
	am.history = append(am.history, alert)
}

// ActiveAlerts returns copies of the firing alerts, oldest first.
func (am *AlertManager) ActiveAlerts() []*model.Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]*model.Alert, 0, len(am.active))
	for _, a := range am.active {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out
}

// History returns copies of alerts fired at or after since, newest last.
func (am *AlertManager) History(since time.Time) []*model.Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var out []*model.Alert
	for _, a := range am.history {
		if !a.FiredAt.Before(since) {
			out = append(out, a.Clone())
		}
	}
	return out
}
