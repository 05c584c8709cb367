package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"
	"TicketForge/pkg/httpclient"

	"github.com/go-kratos/kratos/v2/log"
)

// slackMessage is the Slack incoming-webhook payload; most chat tools accept it.
type slackMessage struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// WebhookNotifier posts alert and breaker notifications to a Slack
// compatible webhook. Without a URL it only logs the events.
type WebhookNotifier struct {
	url     string
	channel string
	client  *http.Client
	logger  *log.Helper
}

// NewWebhookNotifier creates the notifier.
func NewWebhookNotifier(c *conf.Notify, logger log.Logger) (*WebhookNotifier, error) {
	n := &WebhookNotifier{logger: log.NewHelper(log.With(logger, "module", "data/webhook"))}
	if c == nil || c.SlackWebhookURL == "" {
		return n, nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := httpclient.New(c.Proxy, timeout)
	if err != nil {
		return nil, fmt.Errorf("webhook http client: %w", err)
	}
	n.url = c.SlackWebhookURL
	n.channel = c.Channel
	n.client = client
	return n, nil
}

// Enabled reports whether a webhook URL is configured.
func (n *WebhookNotifier) Enabled() bool {
	return n.url != ""
}

// NotifyAlert posts a firing alert.
func (n *WebhookNotifier) NotifyAlert(ctx context.Context, alert *model.Alert) error {
	text := fmt.Sprintf(":rotating_light: [%s] %s", alert.Severity, alert.Message)
	return n.post(ctx, text,
		"event", "alert", "rule", alert.Rule, "metric", alert.Metric, "severity", alert.Severity, "value", alert.Value)
}

// NotifyCircuitOpened posts a breaker trip.
func (n *WebhookNotifier) NotifyCircuitOpened(ctx context.Context, event *model.CircuitStateChangedEvent) error {
	text := fmt.Sprintf(":warning: circuit for %s opened after %d failures (%s)", event.Service, event.FailureCount, event.Reason)
	return n.post(ctx, text,
		"event", "circuit_opened", "service", event.Service, "failure_count", event.FailureCount, "reason", event.Reason)
}

// NotifyCircuitRecovered posts a breaker recovery.
func (n *WebhookNotifier) NotifyCircuitRecovered(ctx context.Context, event *model.CircuitStateChangedEvent) error {
	text := fmt.Sprintf(":white_check_mark: circuit for %s closed again after %s", event.Service, event.OpenFor.Round(time.Second))
	return n.post(ctx, text,
		"event", "circuit_recovered", "service", event.Service, "open_for", event.OpenFor.String())
}

func (n *WebhookNotifier) post(ctx context.Context, text string, kvs ...interface{}) error {
	if !n.Enabled() {
		n.logger.Infow(append([]interface{}{"msg", "notification (webhook disabled)", "text", text}, kvs...)...)
		return nil
	}

	body, err := json.Marshal(slackMessage{Text: text, Channel: n.channel})
	if err != nil {
		return pkgerrors.Permanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return pkgerrors.Permanent(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httpclient.UserAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	default:
		return pkgerrors.Permanent(fmt.Errorf("webhook rejected notification (HTTP %d): %s", resp.StatusCode, string(respBody)))
	}
}
