package conf

import "time"

// Bootstrap is the root configuration loaded once at startup.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Log        *Log
	Resilience *Resilience
	Monitor    *Monitor
	Tracker    *Tracker
	Processor  *Processor
	Notify     *Notify
	CodeAgent  *CodeAgent
}

// Server holds the monitor API listener settings.
type Server struct {
	HTTP *HTTPServer
}

type HTTPServer struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data groups every storage backend. Redis and Database are optional; an
// empty address/DSN disables them.
type Data struct {
	Redis    *Redis
	Database *Database
	Snapshot *Snapshot
}

type Redis struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Database is the optional MySQL audit store.
type Database struct {
	Driver string
	Source string
}

// Snapshot selects where the ticket state snapshot lives.
type Snapshot struct {
	Backend  string // "file" or "redis"
	Path     string
	RedisKey string
}

type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Breaker is the circuit breaker setting for one service.
type Breaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// Retry is a named retry profile.
type Retry struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
	Jitter          bool          `mapstructure:"jitter"`
}

type Resilience struct {
	DefaultBreaker Breaker
	// Breakers overrides DefaultBreaker per service name.
	Breakers map[string]Breaker
	// Retries are named profiles; ServiceRetry maps a service to a profile.
	Retries      map[string]Retry
	ServiceRetry map[string]string
}

// AlertRule is one threshold rule as written in the config file.
type AlertRule struct {
	Name       string            `mapstructure:"name"`
	Metric     string            `mapstructure:"metric"`
	Comparison string            `mapstructure:"comparison"`
	Threshold  float64           `mapstructure:"threshold"`
	Window     time.Duration     `mapstructure:"window"`
	Severity   string            `mapstructure:"severity"`
	Aggregate  string            `mapstructure:"aggregate"`
	Labels     map[string]string `mapstructure:"labels"`
}

type Monitor struct {
	Retention      time.Duration
	Resolution     time.Duration
	AlertInterval  time.Duration
	SampleInterval time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	AlertRules     []AlertRule
}

// Capacity is the ring size per metric name.
func (m *Monitor) Capacity() int {
	if m == nil || m.Resolution <= 0 {
		return 0
	}
	return int(m.Retention / m.Resolution)
}

type Tracker struct {
	MaxRetries        int
	RetryDelays       []time.Duration
	ProcessingTimeout time.Duration
	FlushTimeout      time.Duration
}

type Processor struct {
	Enabled           bool
	Interval          time.Duration
	CycleTimeout      time.Duration
	Query             string
	Workers           int
	MaxRevisionRounds int
	ArtifactDir       string
	BaseBranch        string
	AutoMerge         bool
	DoneTransition    string
	SearchCacheSize   int
}

type Notify struct {
	SlackWebhookURL string
	Channel         string
	Timeout         time.Duration
	Proxy           string
}

// CodeAgent points at an OpenAI compatible chat completions endpoint.
type CodeAgent struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Proxy     string
}
