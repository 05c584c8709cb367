package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestNewBootstrap_Defaults(t *testing.T) {
	bc, err := NewBootstrap("")
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, ":8080", bc.Server.HTTP.Addr)
	assert.Equal(t, "tcp", bc.Server.HTTP.Network)
	assert.Equal(t, 30*time.Second, bc.Server.HTTP.Timeout)

	assert.Equal(t, "file", bc.Data.Snapshot.Backend)
	assert.Equal(t, "ticket_tracking.json", bc.Data.Snapshot.Path)
	assert.Empty(t, bc.Data.Redis.Addr)
	assert.Empty(t, bc.Data.Database.Source)

	assert.Equal(t, 3, bc.Tracker.MaxRetries)
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour}, bc.Tracker.RetryDelays)
	assert.Equal(t, time.Hour, bc.Tracker.ProcessingTimeout)

	assert.Equal(t, 1440, bc.Monitor.Capacity())
	assert.Equal(t, time.Minute, bc.Monitor.AlertInterval)
	assert.NotEmpty(t, bc.Monitor.AlertRules)

	assert.Equal(t, 5, bc.Processor.MaxRevisionRounds)
	assert.Equal(t, 2, bc.Processor.Workers)

	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)
}

func TestNewBootstrap_ServiceDefaults(t *testing.T) {
	bc, err := NewBootstrap("")
	require.NoError(t, err)

	assert.Equal(t, Breaker{FailureThreshold: 3, RecoveryTimeout: 120 * time.Second}, bc.Resilience.Breakers[ServiceCodeAgent])
	assert.Equal(t, Breaker{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}, bc.Resilience.Breakers[ServiceSourceControl])
	assert.Equal(t, Breaker{FailureThreshold: 3, RecoveryTimeout: 90 * time.Second}, bc.Resilience.Breakers[ServiceIssueTracker])

	apiCall := bc.Resilience.Retries[RetryProfileAPICall]
	assert.Equal(t, 3, apiCall.MaxAttempts)
	assert.Equal(t, time.Second, apiCall.BaseDelay)
	assert.Equal(t, 30*time.Second, apiCall.MaxDelay)

	fileOp := bc.Resilience.Retries[RetryProfileFileOperation]
	assert.Equal(t, 5, fileOp.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, fileOp.BaseDelay)

	assert.Equal(t, RetryProfileAPICall, bc.Resilience.ServiceRetry[ServiceCodeAgent])
}

func TestNewBootstrap_FileOverrides(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :9090
resilience:
  breakers:
    issue_tracker:
      failure_threshold: 7
      recovery_timeout: 30s
  retries:
    patient:
      max_attempts: 6
      base_delay: 2s
      max_delay: 1m
      exponential_base: 3
  service_retry:
    code_agent: patient
monitor:
  alert_rules:
    - name: slow_agent
      metric: resilience_attempt_seconds
      comparison: gt
      threshold: 20
      window: 10m
      severity: warning
tracker:
  retry_delays: ["1m", "2m"]
`)

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9090", bc.Server.HTTP.Addr)
	assert.Equal(t, Breaker{FailureThreshold: 7, RecoveryTimeout: 30 * time.Second}, bc.Resilience.Breakers[ServiceIssueTracker])
	// services the file does not mention keep their defaults
	assert.Equal(t, 5, bc.Resilience.Breakers[ServiceSourceControl].FailureThreshold)

	assert.Equal(t, 6, bc.Resilience.Retries["patient"].MaxAttempts)
	assert.Equal(t, "patient", bc.Resilience.ServiceRetry[ServiceCodeAgent])
	assert.Equal(t, RetryProfileAPICall, bc.Resilience.ServiceRetry[ServiceIssueTracker])

	require.Len(t, bc.Monitor.AlertRules, 1)
	rule := bc.Monitor.AlertRules[0]
	assert.Equal(t, "slow_agent", rule.Name)
	assert.Equal(t, 10*time.Minute, rule.Window)
	assert.Equal(t, 20.0, rule.Threshold)

	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, bc.Tracker.RetryDelays)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		expectedVal func(*Bootstrap) bool
	}{
		{
			name:    "override_http_addr",
			envVars: map[string]string{"TICKETFORGE_SERVER_HTTP_ADDR": ":9999"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Server.HTTP.Addr == ":9999"
			},
		},
		{
			name:    "conventional_api_key",
			envVars: map[string]string{"OPENAI_API_KEY": "sk-test-123456789"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.CodeAgent.APIKey == "sk-test-123456789"
			},
		},
		{
			name:    "conventional_webhook",
			envVars: map[string]string{"SLACK_WEBHOOK_URL": "https://hooks.slack.test/x"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Notify.SlackWebhookURL == "https://hooks.slack.test/x"
			},
		},
		{
			name:    "override_log_level",
			envVars: map[string]string{"TICKETFORGE_LOG_LEVEL": "debug"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Log.Level == "debug"
			},
		},
		{
			name:    "override_max_retries",
			envVars: map[string]string{"TICKETFORGE_TRACKER_MAX_RETRIES": "5"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Tracker.MaxRetries == 5
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			bc, err := NewBootstrap("")
			require.NoError(t, err)
			assert.True(t, tt.expectedVal(bc))
		})
	}
}

func TestNewBootstrap_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		config        string
		expectedError string
	}{
		{
			name: "redis_backend_without_redis",
			config: `data:
  snapshot:
    backend: redis
`,
			expectedError: "data.redis.addr (REDIS_ADDR) is required",
		},
		{
			name: "unknown_backend",
			config: `data:
  snapshot:
    backend: s3
`,
			expectedError: `data.snapshot.backend "s3" must be file or redis`,
		},
		{
			name: "bad_breaker",
			config: `resilience:
  breakers:
    code_agent:
      failure_threshold: 0
      recovery_timeout: 10s
`,
			expectedError: "resilience.breakers.code_agent.failure_threshold must be >= 1",
		},
		{
			name: "bad_alert_rule",
			config: `monitor:
  alert_rules:
    - name: x
      metric: y
      comparison: above
      threshold: 1
      window: 1m
      severity: warning
`,
			expectedError: `comparison "above"`,
		},
		{
			name: "unknown_retry_profile",
			config: `resilience:
  service_retry:
    code_agent: nope
`,
			expectedError: `references unknown profile "nope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBootstrap(writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestNewBootstrap_BadRetryDelays(t *testing.T) {
	_, err := NewBootstrap(writeConfig(t, `tracker:
  retry_delays: ["soon"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker.retry_delays")
}

func TestNewBootstrap_MissingFile(t *testing.T) {
	_, err := NewBootstrap(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
