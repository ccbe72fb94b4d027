package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables (prefix DISPATCH_, nested keys
// joined with underscores, e.g. DISPATCH_DATABASE_URL) take precedence
// over file values; file values take precedence over defaults.
// Returns a validated Config or an error describing what is missing.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper has already seen, so keys
	// without a default (the required secrets and optional Redis
	// password) need explicit bindings to be read from the environment.
	for _, key := range []string{"database.url", "llm.gemini_api_key", "redis.password"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars may carry everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the documented default for every tunable that
// has one. Required secrets (database URL, API key) have no default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")

	v.SetDefault("queue.worker_count", 4)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.backoff_base_seconds", 2)

	v.SetDefault("session.sweep_interval_seconds", 60)

	v.SetDefault("sandbox.default_timeout_ms", 30000)
	v.SetDefault("sandbox.max_timeout_ms", 60000)
	v.SetDefault("sandbox.memory_limit_bytes", 256*1024*1024)

	v.SetDefault("browser.image", "browserless/chrome:latest")
	v.SetDefault("browser.action_timeout_ms", 30000)
	v.SetDefault("browser.idle_sweep_interval_seconds", 300)
	v.SetDefault("browser.max_idle_seconds", 600)
}
