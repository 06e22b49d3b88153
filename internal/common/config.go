package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the job orchestrator server.
type Config struct {
	Environment  string             `toml:"environment"`
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Endpoint     EndpointConfig     `toml:"endpoint"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Storage kind constants.
const (
	StorageKindMemory  = "memory"
	StorageKindDurable = "durable"
)

// StorageConfig selects and configures the job store backend.
// The durable backend is SurrealDB; memory keeps jobs for the process lifetime only.
type StorageConfig struct {
	Kind      string `toml:"kind"` // "memory" or "durable"
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// EndpointConfig holds the remote GPU endpoint client configuration.
type EndpointConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the request timeout duration
func (c *EndpointConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// OrchestratorConfig holds the job orchestration core settings.
// Durations are duration strings ("5s", "1m") parsed through the Get* helpers.
type OrchestratorConfig struct {
	MaxRemoteSlots        int      `toml:"max_remote_slots"`
	MaxLocalJobs          int      `toml:"max_local_jobs"`
	TickInterval          string   `toml:"tick_interval"`
	TimeoutCheckInterval  string   `toml:"timeout_check_interval"`
	QueueTimeout          string   `toml:"queue_timeout"`
	ExecutionTimeout      string   `toml:"execution_timeout"`
	LeaseDuration         string   `toml:"lease_duration"` // empty = execution_timeout
	PollInitialDelay      string   `toml:"poll_initial_delay"`
	PollMaxDelay          string   `toml:"poll_max_delay"`
	PollBackoffFactor     float64  `toml:"poll_backoff_factor"`
	InitialGracePeriod    string   `toml:"initial_grace_period"`
	MaxPollErrors         int      `toml:"max_poll_errors"`
	MaxWebhookAttempts    int      `toml:"max_webhook_attempts"`
	WebhookRetryDelays    []string `toml:"webhook_retry_delays"`
	WebhookSecret         string   `toml:"webhook_secret"`
	MaxConcurrentWebhooks int      `toml:"max_concurrent_webhooks"`
	JobTTL                string   `toml:"job_ttl"`
	FanoutThreshold       int      `toml:"fanout_threshold"`
	FanoutWorkers         int      `toml:"fanout_workers"`
}

// GetMaxRemoteSlots returns the remote slot cap, defaulting to 3.
func (c *OrchestratorConfig) GetMaxRemoteSlots() int {
	if c.MaxRemoteSlots <= 0 {
		return 3
	}
	return c.MaxRemoteSlots
}

// GetMaxLocalJobs returns the local worker pool size, defaulting to 2.
func (c *OrchestratorConfig) GetMaxLocalJobs() int {
	if c.MaxLocalJobs <= 0 {
		return 2
	}
	return c.MaxLocalJobs
}

// GetTickInterval returns the supervisor tick interval, defaulting to 5s.
func (c *OrchestratorConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, 5*time.Second)
}

// GetTimeoutCheckInterval returns the timeout scan cadence, defaulting to 60s.
func (c *OrchestratorConfig) GetTimeoutCheckInterval() time.Duration {
	return parseDurationOr(c.TimeoutCheckInterval, 60*time.Second)
}

// GetQueueTimeout returns how long a job may stay queued, defaulting to 30m.
func (c *OrchestratorConfig) GetQueueTimeout() time.Duration {
	return parseDurationOr(c.QueueTimeout, 30*time.Minute)
}

// GetExecutionTimeout returns how long a job may run, defaulting to 30m.
func (c *OrchestratorConfig) GetExecutionTimeout() time.Duration {
	return parseDurationOr(c.ExecutionTimeout, 30*time.Minute)
}

// GetLeaseDuration returns the implicit lease on in-flight jobs.
// Defaults to the execution timeout.
func (c *OrchestratorConfig) GetLeaseDuration() time.Duration {
	if c.LeaseDuration == "" {
		return c.GetExecutionTimeout()
	}
	return parseDurationOr(c.LeaseDuration, c.GetExecutionTimeout())
}

// GetPollInitialDelay returns the first poll delay, defaulting to 2s.
func (c *OrchestratorConfig) GetPollInitialDelay() time.Duration {
	return parseDurationOr(c.PollInitialDelay, 2*time.Second)
}

// GetPollMaxDelay returns the poll delay cap, defaulting to 8s.
func (c *OrchestratorConfig) GetPollMaxDelay() time.Duration {
	return parseDurationOr(c.PollMaxDelay, 8*time.Second)
}

// GetPollBackoffFactor returns the poll backoff multiplier, defaulting to 1.5.
func (c *OrchestratorConfig) GetPollBackoffFactor() float64 {
	if c.PollBackoffFactor <= 1 {
		return 1.5
	}
	return c.PollBackoffFactor
}

// GetInitialGracePeriod returns how long a 404 after submission is treated as
// transient, defaulting to 30s.
func (c *OrchestratorConfig) GetInitialGracePeriod() time.Duration {
	return parseDurationOr(c.InitialGracePeriod, 30*time.Second)
}

// GetMaxPollErrors returns the non-404 poll error budget, defaulting to 5.
func (c *OrchestratorConfig) GetMaxPollErrors() int {
	if c.MaxPollErrors <= 0 {
		return 5
	}
	return c.MaxPollErrors
}

// GetMaxWebhookAttempts returns the webhook delivery budget, defaulting to 3.
func (c *OrchestratorConfig) GetMaxWebhookAttempts() int {
	if c.MaxWebhookAttempts <= 0 {
		return 3
	}
	return c.MaxWebhookAttempts
}

// GetWebhookRetryDelays returns the delays between webhook attempts,
// defaulting to 1s, 5s, 15s. A shorter list than the attempt budget repeats
// its last entry.
func (c *OrchestratorConfig) GetWebhookRetryDelays() []time.Duration {
	if len(c.WebhookRetryDelays) == 0 {
		return []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	}
	delays := make([]time.Duration, 0, len(c.WebhookRetryDelays))
	for _, s := range c.WebhookRetryDelays {
		delays = append(delays, parseDurationOr(s, 5*time.Second))
	}
	return delays
}

// GetMaxConcurrentWebhooks returns the webhook worker count, defaulting to 8.
func (c *OrchestratorConfig) GetMaxConcurrentWebhooks() int {
	if c.MaxConcurrentWebhooks <= 0 {
		return 8
	}
	return c.MaxConcurrentWebhooks
}

// GetJobTTL returns how long terminal jobs are kept, defaulting to 24h.
func (c *OrchestratorConfig) GetJobTTL() time.Duration {
	return parseDurationOr(c.JobTTL, 24*time.Hour)
}

// GetFanoutThreshold returns the segment count above which a caption_segments
// job is split across sibling submissions, defaulting to 50.
func (c *OrchestratorConfig) GetFanoutThreshold() int {
	if c.FanoutThreshold <= 0 {
		return 50
	}
	return c.FanoutThreshold
}

// GetFanoutWorkers returns the sibling submission cap for fanout, defaulting to 3.
func (c *OrchestratorConfig) GetFanoutWorkers() int {
	if c.FanoutWorkers <= 0 {
		return 3
	}
	return c.FanoutWorkers
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Kind:      StorageKindMemory,
			Address:   "ws://localhost:8000",
			Username:  "root",
			Password:  "root",
			Namespace: "apigpu",
			Database:  "jobs",
		},
		Endpoint: EndpointConfig{
			RateLimit: 10,
			Timeout:   "30s",
		},
		Orchestrator: OrchestratorConfig{
			MaxRemoteSlots:        3,
			MaxLocalJobs:          2,
			TickInterval:          "5s",
			TimeoutCheckInterval:  "60s",
			QueueTimeout:          "30m",
			ExecutionTimeout:      "30m",
			PollInitialDelay:      "2s",
			PollMaxDelay:          "8s",
			PollBackoffFactor:     1.5,
			InitialGracePeriod:    "30s",
			MaxPollErrors:         5,
			MaxWebhookAttempts:    3,
			WebhookRetryDelays:    []string{"1s", "5s", "15s"},
			MaxConcurrentWebhooks: 8,
			JobTTL:                "24h",
			FanoutThreshold:       50,
			FanoutWorkers:         3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("APIGPU_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("APIGPU_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("APIGPU_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("APIGPU_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if kind := os.Getenv("APIGPU_STORAGE_KIND"); kind != "" {
		config.Storage.Kind = kind
	}
	if v := os.Getenv("APIGPU_SURREAL_ADDR"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("APIGPU_SURREAL_USER"); v != "" {
		config.Storage.Username = v
	}
	if v := os.Getenv("APIGPU_SURREAL_PASS"); v != "" {
		config.Storage.Password = v
	}
	if v := os.Getenv("APIGPU_SURREAL_NS"); v != "" {
		config.Storage.Namespace = v
	}
	if v := os.Getenv("APIGPU_SURREAL_DB"); v != "" {
		config.Storage.Database = v
	}

	if v := os.Getenv("APIGPU_ENDPOINT_URL"); v != "" {
		config.Endpoint.BaseURL = v
	}
	if v := os.Getenv("APIGPU_ENDPOINT_API_KEY"); v != "" {
		config.Endpoint.APIKey = v
	}

	if v := os.Getenv("APIGPU_WEBHOOK_SECRET"); v != "" {
		config.Orchestrator.WebhookSecret = v
	}
}

// validate rejects configurations the orchestrator cannot run with.
func validate(config *Config) error {
	switch config.Storage.Kind {
	case StorageKindMemory, StorageKindDurable:
	default:
		return fmt.Errorf("unknown storage kind: %s (supported: memory, durable)", config.Storage.Kind)
	}
	if config.Storage.Kind == StorageKindDurable && config.Storage.Address == "" {
		return fmt.Errorf("durable storage requires an address")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
