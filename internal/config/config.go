package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Session  SessionConfig  `mapstructure:"session"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Browser  BrowserConfig  `mapstructure:"browser"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig configures the Redis-backed message broker. When Addr is
// empty the in-process broker is used instead.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// LLMConfig contains all language-model integration settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
}

// QueueConfig tunes job scheduling and the per-queue worker pools.
type QueueConfig struct {
	// WorkerCount is how many jobs from one queue run in parallel.
	WorkerCount int `mapstructure:"worker_count" validate:"gt=0"`
	// DefaultMaxAttempts is applied when a submission does not set one.
	DefaultMaxAttempts int `mapstructure:"default_max_attempts" validate:"gt=0"`
	// BackoffBaseSeconds is the exponential retry base delay.
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds" validate:"gt=0"`
}

// SessionConfig tunes session expiry sweeping.
type SessionConfig struct {
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" validate:"gt=0"`
}

// SandboxConfig tunes the container execution pool.
type SandboxConfig struct {
	DefaultTimeoutMs int   `mapstructure:"default_timeout_ms" validate:"gt=0"`
	MaxTimeoutMs     int   `mapstructure:"max_timeout_ms" validate:"gt=0"`
	MemoryLimitBytes int64 `mapstructure:"memory_limit_bytes" validate:"gt=0"`
}

// BrowserConfig tunes the browser context pool.
type BrowserConfig struct {
	Image                string `mapstructure:"image"`
	ActionTimeoutMs      int    `mapstructure:"action_timeout_ms" validate:"gt=0"`
	IdleSweepIntervalSec int    `mapstructure:"idle_sweep_interval_seconds" validate:"gt=0"`
	MaxIdleSec           int    `mapstructure:"max_idle_seconds" validate:"gt=0"`
}
