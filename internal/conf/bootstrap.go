// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "TICKETFORGE"

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with TICKETFORGE_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Secrets may also come from their conventional names:
//   - OPENAI_API_KEY: code agent API key
//   - SLACK_WEBHOOK_URL: alert notification webhook
//   - MYSQL_DSN: optional audit store
//   - REDIS_ADDR: optional redis (snapshot backend, health probe)
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("code_agent.api_key", "OPENAI_API_KEY", "TICKETFORGE_CODE_AGENT_API_KEY")
	_ = v.BindEnv("notify.slack_webhook_url", "SLACK_WEBHOOK_URL", "TICKETFORGE_NOTIFY_SLACK_WEBHOOK_URL")
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "TICKETFORGE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "TICKETFORGE_DATA_REDIS_ADDR")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc, err := load(v)
	if err != nil {
		return nil, err
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

func load(v *viper.Viper) (*Bootstrap, error) {
	bc := &Bootstrap{
		Server: &Server{
			HTTP: &HTTPServer{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Snapshot: &Snapshot{
				Backend:  strings.ToLower(v.GetString("data.snapshot.backend")),
				Path:     v.GetString("data.snapshot.path"),
				RedisKey: v.GetString("data.snapshot.redis_key"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Resilience: &Resilience{
			DefaultBreaker: Breaker{
				FailureThreshold: v.GetInt("resilience.default_breaker.failure_threshold"),
				RecoveryTimeout:  v.GetDuration("resilience.default_breaker.recovery_timeout"),
			},
		},
		Monitor: &Monitor{
			Retention:      v.GetDuration("monitor.retention"),
			Resolution:     v.GetDuration("monitor.resolution"),
			AlertInterval:  v.GetDuration("monitor.alert_interval"),
			SampleInterval: v.GetDuration("monitor.sample_interval"),
			HealthInterval: v.GetDuration("monitor.health_interval"),
			HealthTimeout:  v.GetDuration("monitor.health_timeout"),
		},
		Tracker: &Tracker{
			MaxRetries:        v.GetInt("tracker.max_retries"),
			ProcessingTimeout: v.GetDuration("tracker.processing_timeout"),
			FlushTimeout:      v.GetDuration("tracker.flush_timeout"),
		},
		Processor: &Processor{
			Enabled:           v.GetBool("processor.enabled"),
			Interval:          v.GetDuration("processor.interval"),
			CycleTimeout:      v.GetDuration("processor.cycle_timeout"),
			Query:             v.GetString("processor.query"),
			Workers:           v.GetInt("processor.workers"),
			MaxRevisionRounds: v.GetInt("processor.max_revision_rounds"),
			ArtifactDir:       v.GetString("processor.artifact_dir"),
			BaseBranch:        v.GetString("processor.base_branch"),
			AutoMerge:         v.GetBool("processor.auto_merge"),
			DoneTransition:    v.GetString("processor.done_transition"),
			SearchCacheSize:   v.GetInt("processor.search_cache_size"),
		},
		Notify: &Notify{
			SlackWebhookURL: v.GetString("notify.slack_webhook_url"),
			Channel:         v.GetString("notify.channel"),
			Timeout:         v.GetDuration("notify.timeout"),
			Proxy:           v.GetString("notify.proxy"),
		},
		CodeAgent: &CodeAgent{
			BaseURL:   v.GetString("code_agent.base_url"),
			APIKey:    v.GetString("code_agent.api_key"),
			Model:     v.GetString("code_agent.model"),
			MaxTokens: v.GetInt("code_agent.max_tokens"),
			Timeout:   v.GetDuration("code_agent.timeout"),
			Proxy:     v.GetString("code_agent.proxy"),
		},
	}

	// maps and lists go through mapstructure so "90s" style durations decode
	if err := v.UnmarshalKey("resilience.breakers", &bc.Resilience.Breakers); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.breakers: %w", err)
	}
	if err := v.UnmarshalKey("resilience.retries", &bc.Resilience.Retries); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.retries: %w", err)
	}
	bc.Resilience.ServiceRetry = v.GetStringMapString("resilience.service_retry")
	if err := v.UnmarshalKey("monitor.alert_rules", &bc.Monitor.AlertRules); err != nil {
		return nil, fmt.Errorf("failed to parse monitor.alert_rules: %w", err)
	}

	delays, err := parseDurations(v.GetStringSlice("tracker.retry_delays"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tracker.retry_delays: %w", err)
	}
	bc.Tracker.RetryDelays = delays

	mergeServiceDefaults(bc.Resilience)
	if len(bc.Monitor.AlertRules) == 0 {
		bc.Monitor.AlertRules = DefaultAlertRules()
	}

	return bc, nil
}

func parseDurations(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// redis 和 mysql 均为可选，地址为空时不连接
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)
	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.snapshot.backend", "file")
	v.SetDefault("data.snapshot.path", "ticket_tracking.json")
	v.SetDefault("data.snapshot.redis_key", "ticketforge:tracker:snapshot")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("resilience.default_breaker.failure_threshold", 5)
	v.SetDefault("resilience.default_breaker.recovery_timeout", 60*time.Second)

	v.SetDefault("monitor.retention", 24*time.Hour)
	v.SetDefault("monitor.resolution", time.Minute)
	v.SetDefault("monitor.alert_interval", time.Minute)
	v.SetDefault("monitor.sample_interval", 30*time.Second)
	v.SetDefault("monitor.health_interval", time.Minute)
	v.SetDefault("monitor.health_timeout", 5*time.Second)

	v.SetDefault("tracker.max_retries", 3)
	v.SetDefault("tracker.retry_delays", []string{"5m", "15m", "1h", "2h"})
	v.SetDefault("tracker.processing_timeout", time.Hour)
	v.SetDefault("tracker.flush_timeout", 5*time.Second)

	v.SetDefault("processor.enabled", true)
	v.SetDefault("processor.interval", time.Minute)
	v.SetDefault("processor.cycle_timeout", 30*time.Minute)
	v.SetDefault("processor.query", "status = \"To Do\" AND labels = \"autogen\"")
	v.SetDefault("processor.workers", 2)
	v.SetDefault("processor.max_revision_rounds", 5)
	v.SetDefault("processor.artifact_dir", "generated")
	v.SetDefault("processor.base_branch", "main")
	v.SetDefault("processor.auto_merge", false)
	v.SetDefault("processor.done_transition", "")
	v.SetDefault("processor.search_cache_size", 32)

	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("code_agent.base_url", "https://api.openai.com/v1")
	v.SetDefault("code_agent.model", "gpt-4o-mini")
	v.SetDefault("code_agent.max_tokens", 4096)
	v.SetDefault("code_agent.timeout", 2*time.Minute)
}

// Validate checks that every configuration field is usable.
// It returns an error listing all invalid fields.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Server == nil || bc.Server.HTTP == nil || bc.Server.HTTP.Addr == "" {
		problems = append(problems, "server.http.addr is required")
	}

	if bc.Data == nil || bc.Data.Snapshot == nil {
		problems = append(problems, "data.snapshot is required")
	} else {
		switch bc.Data.Snapshot.Backend {
		case "file":
			if bc.Data.Snapshot.Path == "" {
				problems = append(problems, "data.snapshot.path is required for the file backend")
			}
		case "redis":
			if bc.Data.Redis == nil || bc.Data.Redis.Addr == "" {
				problems = append(problems, "data.redis.addr (REDIS_ADDR) is required for the redis snapshot backend")
			}
		default:
			problems = append(problems, fmt.Sprintf("data.snapshot.backend %q must be file or redis", bc.Data.Snapshot.Backend))
		}
	}

	if r := bc.Resilience; r != nil {
		problems = append(problems, validateBreaker("resilience.default_breaker", r.DefaultBreaker)...)
		for name, b := range r.Breakers {
			problems = append(problems, validateBreaker("resilience.breakers."+name, b)...)
		}
		for name, rp := range r.Retries {
			problems = append(problems, validateRetry("resilience.retries."+name, rp)...)
		}
		for service, profile := range r.ServiceRetry {
			if _, ok := r.Retries[profile]; !ok {
				problems = append(problems, fmt.Sprintf("resilience.service_retry.%s references unknown profile %q", service, profile))
			}
		}
	}

	if m := bc.Monitor; m != nil {
		if m.Resolution <= 0 || m.Retention < m.Resolution {
			problems = append(problems, "monitor.retention must be >= monitor.resolution > 0")
		}
		for _, interval := range []struct {
			key string
			d   time.Duration
		}{
			{"monitor.alert_interval", m.AlertInterval},
			{"monitor.sample_interval", m.SampleInterval},
			{"monitor.health_interval", m.HealthInterval},
			{"monitor.health_timeout", m.HealthTimeout},
		} {
			if interval.d <= 0 {
				problems = append(problems, interval.key+" must be positive")
			}
		}
		for i, rule := range m.AlertRules {
			problems = append(problems, validateAlertRule(i, rule)...)
		}
	}

	if t := bc.Tracker; t != nil {
		if t.MaxRetries < 0 {
			problems = append(problems, "tracker.max_retries must not be negative")
		}
		if len(t.RetryDelays) == 0 {
			problems = append(problems, "tracker.retry_delays must list at least one delay")
		}
		if t.ProcessingTimeout <= 0 {
			problems = append(problems, "tracker.processing_timeout must be positive")
		}
	}

	if p := bc.Processor; p != nil {
		if p.Workers < 1 {
			problems = append(problems, "processor.workers must be >= 1")
		}
		if p.MaxRevisionRounds < 0 {
			problems = append(problems, "processor.max_revision_rounds must not be negative")
		}
		if p.Enabled && p.Interval <= 0 {
			problems = append(problems, "processor.interval must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}

func validateBreaker(key string, b Breaker) []string {
	var problems []string
	if b.FailureThreshold < 1 {
		problems = append(problems, key+".failure_threshold must be >= 1")
	}
	if b.RecoveryTimeout <= 0 {
		problems = append(problems, key+".recovery_timeout must be positive")
	}
	return problems
}

func validateRetry(key string, r Retry) []string {
	var problems []string
	if r.MaxAttempts < 1 {
		problems = append(problems, key+".max_attempts must be >= 1")
	}
	if r.BaseDelay < 0 || r.MaxDelay < r.BaseDelay {
		problems = append(problems, key+" needs 0 <= base_delay <= max_delay")
	}
	if r.ExponentialBase < 1 {
		problems = append(problems, key+".exponential_base must be >= 1")
	}
	return problems
}

var (
	validComparisons = map[string]bool{"gt": true, "gte": true, "lt": true, "lte": true, "eq": true}
	validAggregates  = map[string]bool{"": true, "avg": true, "min": true, "max": true, "count": true, "sum": true}
	validSeverities  = map[string]bool{"info": true, "warning": true, "error": true, "critical": true}
)

func validateAlertRule(i int, r AlertRule) []string {
	var problems []string
	key := fmt.Sprintf("monitor.alert_rules[%d]", i)
	if r.Name == "" || r.Metric == "" {
		problems = append(problems, key+" needs name and metric")
	}
	if !validComparisons[r.Comparison] {
		problems = append(problems, fmt.Sprintf("%s.comparison %q must be one of gt, gte, lt, lte, eq", key, r.Comparison))
	}
	if !validAggregates[r.Aggregate] {
		problems = append(problems, fmt.Sprintf("%s.aggregate %q must be one of avg, min, max, count, sum", key, r.Aggregate))
	}
	if !validSeverities[r.Severity] {
		problems = append(problems, fmt.Sprintf("%s.severity %q must be one of info, warning, error, critical", key, r.Severity))
	}
	if r.Window <= 0 {
		problems = append(problems, key+".window must be positive")
	}
	return problems
}
