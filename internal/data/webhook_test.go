package data

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_Disabled(t *testing.T) {
	n, err := NewWebhookNotifier(&conf.Notify{}, log.DefaultLogger)
	require.NoError(t, err)
	assert.False(t, n.Enabled())

	assert.NoError(t, n.NotifyAlert(context.Background(), &model.Alert{Rule: "r", Message: "m"}))
	assert.NoError(t, n.NotifyCircuitOpened(context.Background(), &model.CircuitStateChangedEvent{Service: "code_agent"}))
}

func TestWebhookNotifier_PostsSlackPayload(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(&conf.Notify{SlackWebhookURL: server.URL, Channel: "#ops", Timeout: time.Second}, log.DefaultLogger)
	require.NoError(t, err)

	err = n.NotifyCircuitOpened(context.Background(), &model.CircuitStateChangedEvent{
		Service:      "code_agent",
		FailureCount: 3,
		Reason:       "failure threshold reached",
	})
	require.NoError(t, err)
	assert.Equal(t, "#ops", got.Channel)
	assert.Contains(t, got.Text, "code_agent")
	assert.Contains(t, got.Text, "3 failures")

	err = n.NotifyCircuitRecovered(context.Background(), &model.CircuitStateChangedEvent{Service: "code_agent", OpenFor: 90 * time.Second})
	require.NoError(t, err)
	assert.Contains(t, got.Text, "1m30s")
}

func TestWebhookNotifier_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error is retriable", http.StatusBadGateway, false},
		{"rate limit is retriable", http.StatusTooManyRequests, false},
		{"bad request is permanent", http.StatusBadRequest, true},
		{"gone is permanent", http.StatusGone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			n, err := NewWebhookNotifier(&conf.Notify{SlackWebhookURL: server.URL}, log.DefaultLogger)
			require.NoError(t, err)

			err = n.NotifyAlert(context.Background(), &model.Alert{Rule: "r", Severity: model.SeverityError, Message: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, pkgerrors.IsPermanent(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestNewWebhookNotifier_BadProxy(t *testing.T) {
	_, err := NewWebhookNotifier(&conf.Notify{SlackWebhookURL: "http://example.com", Proxy: "ftp://proxy"}, log.DefaultLogger)
	assert.Error(t, err)
}
