// Package config loads the orchestrator's configuration from defaults,
// environment variables, and functional options, in that priority order —
// the same three-layer model the rest of the stack uses for its own
// configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
)

var errInvalid = orcherrors.ErrInvalidConfiguration

// Config holds every tunable named in the configuration table: circuit
// breaker thresholds, retry shape, connection pool caps, timeouts, health
// probe interval, summarization/extraction triggers, and plan attempt
// limits.
type Config struct {
	Circuit    CircuitConfig
	Retry      RetryConfig
	Pool       PoolConfig
	Timeout    TimeoutConfig
	Health     HealthConfig
	Summary    SummaryConfig
	Memory     MemoryConfig
	Plan       PlanConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Telemetry  TelemetryConfig
	HTTP       HTTPConfig
	Registry   RegistryConfig
	AI         AIConfig
}

type HTTPConfig struct {
	Addr string `env:"ORCH_HTTP_ADDR" default:":8080"`
}

type RegistryConfig struct {
	Strategy     string `env:"ORCH_REGISTRY_STRATEGY" default:"round_robin"`
	SnapshotPath string `env:"ORCH_REGISTRY_SNAPSHOT_PATH" default:"./registry-snapshot.json"`
	ManifestPath string `env:"ORCH_REGISTRY_MANIFEST_PATH" default:"./agents.yaml"`
}

type AIConfig struct {
	ModelID string `env:"ORCH_AI_MODEL_ID" default:"anthropic.claude-3-sonnet-20240229-v1:0"`
}

type CircuitConfig struct {
	FailureThreshold int           `env:"ORCH_CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	OpenTimeout      time.Duration `env:"ORCH_CIRCUIT_OPEN_TIMEOUT" default:"60s"`
	HalfOpenMaxCalls int           `env:"ORCH_CIRCUIT_HALF_OPEN_MAX_CALLS" default:"3"`
}

type RetryConfig struct {
	MaxAttempts int           `env:"ORCH_RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `env:"ORCH_RETRY_BASE_DELAY" default:"1s"`
	Backoff     float64       `env:"ORCH_RETRY_BACKOFF" default:"2.0"`
	MaxDelay    time.Duration `env:"ORCH_RETRY_MAX_DELAY" default:"30s"`
}

type PoolConfig struct {
	Total            int           `env:"ORCH_POOL_TOTAL" default:"50"`
	PerHost          int           `env:"ORCH_POOL_PER_HOST" default:"20"`
	KeepAlive        time.Duration `env:"ORCH_POOL_KEEPALIVE" default:"30s"`
	DNSCacheTTL      time.Duration `env:"ORCH_POOL_DNS_CACHE_TTL" default:"5m"`
}

type TimeoutConfig struct {
	Health   time.Duration `env:"ORCH_TIMEOUT_HEALTH" default:"10s"`
	Standard time.Duration `env:"ORCH_TIMEOUT_STANDARD" default:"30s"`
	Long     time.Duration `env:"ORCH_TIMEOUT_LONG" default:"120s"`
	Envelope time.Duration `env:"ORCH_TIMEOUT_ENVELOPE" default:"300s"`
}

type HealthConfig struct {
	Interval time.Duration `env:"ORCH_HEALTH_INTERVAL" default:"30s"`
}

type SummaryConfig struct {
	MessageThreshold int `env:"ORCH_SUMMARY_MESSAGE_THRESHOLD" default:"20"`
}

type MemoryConfig struct {
	ToolThreshold      int `env:"ORCH_MEMORY_TOOL_THRESHOLD" default:"8"`
	MaxEntitiesPerType int `env:"ORCH_MEMORY_MAX_ENTITIES_PER_TYPE" default:"50"`
}

type PlanConfig struct {
	MaxTaskAttempts int `env:"ORCH_PLAN_MAX_TASK_ATTEMPTS" default:"3"`
}

type RedisConfig struct {
	URL       string `env:"ORCH_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
	Namespace string `env:"ORCH_REDIS_NAMESPACE" default:"orchestrator"`
}

type LoggingConfig struct {
	Level  string `env:"ORCH_LOG_LEVEL" default:"info"`
	Format string `env:"ORCH_LOG_FORMAT" default:"json"`
}

type TelemetryConfig struct {
	Enabled      bool    `env:"ORCH_TELEMETRY_ENABLED" default:"false"`
	Endpoint     string  `env:"ORCH_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	ServiceName  string  `env:"ORCH_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME" default:"orchestrator"`
	SamplingRate float64 `env:"ORCH_TELEMETRY_SAMPLING_RATE" default:"1.0"`
}

// Option mutates a Config after defaults and environment variables have
// been applied; it is the highest-priority layer.
type Option func(*Config) error

// Load builds a Config from defaults, then environment overrides, then
// functional options, and validates the result.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()
	applyEnv(cfg)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("config option: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Circuit: CircuitConfig{FailureThreshold: 5, OpenTimeout: 60 * time.Second, HalfOpenMaxCalls: 3},
		Retry:   RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, Backoff: 2.0, MaxDelay: 30 * time.Second},
		Pool:    PoolConfig{Total: 50, PerHost: 20, KeepAlive: 30 * time.Second, DNSCacheTTL: 5 * time.Minute},
		Timeout: TimeoutConfig{Health: 10 * time.Second, Standard: 30 * time.Second, Long: 120 * time.Second, Envelope: 300 * time.Second},
		Health:  HealthConfig{Interval: 30 * time.Second},
		Summary: SummaryConfig{MessageThreshold: 20},
		Memory:  MemoryConfig{ToolThreshold: 8, MaxEntitiesPerType: 50},
		Plan:    PlanConfig{MaxTaskAttempts: 3},
		Redis:   RedisConfig{URL: "redis://localhost:6379", Namespace: "orchestrator"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "orchestrator", SamplingRate: 1.0},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Registry:  RegistryConfig{Strategy: "round_robin", SnapshotPath: "./registry-snapshot.json", ManifestPath: "./agents.yaml"},
		AI:        AIConfig{ModelID: "anthropic.claude-3-sonnet-20240229-v1:0"},
	}
}

// applyEnv reads only the variables below. The env tags on the Pool,
// Timeout, Health, Summary, Memory and Plan fields and on
// Telemetry.SamplingRate are not read, so those fields keep their defaults
// unless an Option sets them.
func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("ORCH_CIRCUIT_FAILURE_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Circuit.FailureThreshold = n
		}
	}
	if v, ok := lookupEnv("ORCH_CIRCUIT_OPEN_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Circuit.OpenTimeout = d
		}
	}
	if v, ok := lookupEnv("ORCH_CIRCUIT_HALF_OPEN_MAX_CALLS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Circuit.HalfOpenMaxCalls = n
		}
	}
	if v, ok := lookupEnv("ORCH_RETRY_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v, ok := lookupEnv("ORCH_RETRY_BASE_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = d
		}
	}
	if v, ok := lookupEnv("ORCH_RETRY_BACKOFF"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.Backoff = f
		}
	}
	if v, ok := lookupEnv("ORCH_RETRY_MAX_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxDelay = d
		}
	}
	if v, ok := lookupEnv("ORCH_REDIS_URL", "REDIS_URL"); ok {
		cfg.Redis.URL = v
	}
	if v, ok := lookupEnv("ORCH_REDIS_NAMESPACE"); ok {
		cfg.Redis.Namespace = v
	}
	if v, ok := lookupEnv("ORCH_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookupEnv("ORCH_LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := lookupEnv("ORCH_TELEMETRY_ENABLED"); ok {
		cfg.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v, ok := lookupEnv("ORCH_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.Telemetry.Endpoint = v
	}
	if v, ok := lookupEnv("ORCH_TELEMETRY_SERVICE_NAME", "OTEL_SERVICE_NAME"); ok {
		cfg.Telemetry.ServiceName = v
	}
	if v, ok := lookupEnv("ORCH_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookupEnv("ORCH_REGISTRY_STRATEGY"); ok {
		cfg.Registry.Strategy = v
	}
	if v, ok := lookupEnv("ORCH_REGISTRY_SNAPSHOT_PATH"); ok {
		cfg.Registry.SnapshotPath = v
	}
	if v, ok := lookupEnv("ORCH_REGISTRY_MANIFEST_PATH"); ok {
		cfg.Registry.ManifestPath = v
	}
	if v, ok := lookupEnv("ORCH_AI_MODEL_ID"); ok {
		cfg.AI.ModelID = v
	}
}

// lookupEnv checks each candidate name in order, mirroring the
// comma-separated fallback-name convention (e.g. "ORCH_REDIS_URL,REDIS_URL").
func lookupEnv(names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (c *Config) validate() error {
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("%w: circuit.failure_threshold must be positive", errInvalid)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry.max_attempts must be positive", errInvalid)
	}
	if c.Retry.Backoff < 1.0 {
		return fmt.Errorf("%w: retry.backoff must be >= 1.0", errInvalid)
	}
	if c.Pool.Total <= 0 || c.Pool.PerHost <= 0 {
		return fmt.Errorf("%w: pool caps must be positive", errInvalid)
	}
	return nil
}

// WithRedisURL overrides the conversation store's Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithPlanMaxTaskAttempts overrides the per-task attempt ceiling.
func WithPlanMaxTaskAttempts(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: plan.max_task_attempts must be positive", errInvalid)
		}
		c.Plan.MaxTaskAttempts = n
		return nil
	}
}
