package biz

import (
	"context"
	"sync"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// notifyTimeout bounds one outbound notification sent from a listener.
const notifyTimeout = 10 * time.Second

// CircuitNotifier forwards breaker transitions to the webhook service and
// the audit trail. Webhooks are sent on their own goroutine so a slow chat
// endpoint never stalls the call that tripped the breaker.
type CircuitNotifier struct {
	rm      *ResilienceManager
	webhook WebhookService
	audit   AuditLogger
	log     *pkglog.LogHelper

	wg sync.WaitGroup
}

// NewCircuitNotifier creates a listener for ResilienceManager.Subscribe.
// Webhook deliveries go through rm as the notifier service.
func NewCircuitNotifier(rm *ResilienceManager, webhook WebhookService, audit AuditLogger, logger log.Logger) *CircuitNotifier {
	return &CircuitNotifier{
		rm:      rm,
		webhook: webhook,
		audit:   audit,
		log:     pkglog.NewLogHelper(log.With(logger, "module", "biz/notifier")),
	}
}

// OnAttempt is a no-op; attempts are already covered by metrics.
func (n *CircuitNotifier) OnAttempt(context.Context, *model.AttemptEvent) {}

// OnStateChange records the transition and notifies on open and recovery.
func (n *CircuitNotifier) OnStateChange(ctx context.Context, ev *model.CircuitStateChangedEvent) {
	var eventType string
	switch ev.To {
	case model.CircuitOpen:
		eventType = model.AuditEventCircuitOpened
	case model.CircuitHalfOpen:
		eventType = model.AuditEventCircuitHalfOpen
	default:
		eventType = model.AuditEventCircuitClosed
	}

	if n.audit != nil {
		detail := map[string]interface{}{"failure_count": ev.FailureCount, "reason": ev.Reason}
		if ev.OpenFor > 0 {
			detail["open_for"] = ev.OpenFor.String()
		}
		n.audit.Log(ctx, &model.AuditEntry{
			EventType: eventType,
			Subject:   ev.Service,
			From:      string(ev.From),
			To:        string(ev.To),
			Detail:    detail,
			At:        ev.At,
		})
	}

	if n.webhook == nil {
		return
	}
	switch {
	case ev.To == model.CircuitOpen:
		n.send(ev, n.webhook.NotifyCircuitOpened)
	case ev.To == model.CircuitClosed && ev.From != model.CircuitClosed:
		n.send(ev, n.webhook.NotifyCircuitRecovered)
	}
}

func (n *CircuitNotifier) send(ev *model.CircuitStateChangedEvent, fn func(context.Context, *model.CircuitStateChangedEvent) error) {
	event := *ev
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		err := Do(ctx, n.rm, conf.ServiceNotifier, "circuit", func(ctx context.Context) error {
			return fn(ctx, &event)
		})
		if err != nil {
			n.log.Warnw("msg", "circuit notification failed", "service", event.Service, "state", event.To, "error", err)
		}
	}()
}

// Wait blocks until every notification in flight has been delivered or has
// given up, or until ctx is done.
func (n *CircuitNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WebhookAlertHandler delivers newly fired alerts to the webhook service.
func WebhookAlertHandler(rm *ResilienceManager, webhook WebhookService) AlertHandler {
	return AlertHandlerFunc(func(ctx context.Context, alert *model.Alert) error {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		return Do(ctx, rm, conf.ServiceNotifier, "alert", func(ctx context.Context) error {
			return webhook.NotifyAlert(ctx, alert)
		})
	})
}

// AuditAlertHandler writes fired and resolved alerts to the audit trail.
type AuditAlertHandler struct {
	audit AuditLogger
}

// NewAuditAlertHandler creates the handler.
func NewAuditAlertHandler(audit AuditLogger) *AuditAlertHandler {
	return &AuditAlertHandler{audit: audit}
}

// HandleAlert records ALERT_FIRED.
func (h *AuditAlertHandler) HandleAlert(ctx context.Context, alert *model.Alert) error {
	h.audit.Log(ctx, alertEntry(model.AuditEventAlertFired, alert, alert.FiredAt))
	return nil
}

// HandleResolved records ALERT_RESOLVED.
func (h *AuditAlertHandler) HandleResolved(ctx context.Context, alert *model.Alert) error {
	at := time.Now()
	if alert.ResolvedAt != nil {
		at = *alert.ResolvedAt
	}
	h.audit.Log(ctx, alertEntry(model.AuditEventAlertResolved, alert, at))
	return nil
}

func alertEntry(eventType string, alert *model.Alert, at time.Time) *model.AuditEntry {
	return &model.AuditEntry{
		EventType: eventType,
		Subject:   alert.Key(),
		To:        string(alert.Severity),
		Detail: map[string]interface{}{
			"alert_id":  alert.ID,
			"value":     alert.Value,
			"threshold": alert.Threshold,
			"message":   alert.Message,
		},
		At: at,
	}
}
