package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over file values and use the ORCH_ prefix with underscores for
// nesting (e.g. ORCH_SERVER_PORT, ORCH_DATABASE_URL).
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file; absence is not an error.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the documented defaults for every tunable. Backoff
// and aging thresholds are deliberately configuration, not behavior: deploys
// tune them without code changes.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Keys without a meaningful default still need registering, or viper's
	// Unmarshal will not see their env-only values.
	v.SetDefault("database.url", "")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("providers.gemini.api_key", "")
	v.SetDefault("providers.piapi.api_key", "")

	v.SetDefault("scheduler.worker_count", 4)
	v.SetDefault("scheduler.queue_size", 1024)
	v.SetDefault("scheduler.aging_threshold", 5*time.Minute)
	v.SetDefault("scheduler.aging_interval", 30*time.Second)
	v.SetDefault("scheduler.max_provider_wait", 10*time.Minute)

	v.SetDefault("dispatcher.max_retries", 3)
	v.SetDefault("dispatcher.retry_base_delay", 2*time.Second)
	v.SetDefault("dispatcher.retry_max_delay", 2*time.Minute)
	v.SetDefault("dispatcher.default_timeout", 2*time.Minute)
	v.SetDefault("dispatcher.media_type_timeouts", map[string]time.Duration{
		"image_generation":    2 * time.Minute,
		"video_generation":    10 * time.Minute,
		"audio_transcription": 5 * time.Minute,
		"subtitle_generation": 2 * time.Minute,
	})

	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.base_delay", 30*time.Second)
	v.SetDefault("webhook.max_delay", time.Hour)
	v.SetDefault("webhook.retry_window", 24*time.Hour)
	v.SetDefault("webhook.request_timeout", 30*time.Second)

	v.SetDefault("providers.gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("providers.gemini.rate_limit.requests_per_second", 2.0)
	v.SetDefault("providers.gemini.rate_limit.burst", 4)
	v.SetDefault("providers.gemini.rate_limit.max_concurrent", 8)
	v.SetDefault("providers.piapi.base_url", "https://api.piapi.ai")
	v.SetDefault("providers.piapi.rate_limit.requests_per_second", 5.0)
	v.SetDefault("providers.piapi.rate_limit.burst", 10)
	v.SetDefault("providers.piapi.rate_limit.max_concurrent", 16)

	v.SetDefault("retention.window", 7*24*time.Hour)
	v.SetDefault("retention.schedule", "@every 1h")
}

// AttemptTimeout returns the execution timeout for the given media type,
// falling back to the default when no override is configured.
func (c DispatcherConfig) AttemptTimeout(mediaType string) time.Duration {
	if d, ok := c.MediaTypeTimeouts[mediaType]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}
