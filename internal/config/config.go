package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" validate:"required"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" validate:"required"`
	Webhook    WebhookConfig    `mapstructure:"webhook" validate:"required"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// RetentionConfig controls pruning of finished work.
type RetentionConfig struct {
	// Window is how long terminal tasks and finished deliveries are kept.
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
	// Schedule is the cron spec of the prune pass.
	Schedule string `mapstructure:"schedule" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains caller authorization settings. When Disabled is true
// the API accepts unauthenticated requests (local development only).
type AuthConfig struct {
	Disabled bool `mapstructure:"disabled"`
}

// SchedulerConfig tunes task ordering and admission.
type SchedulerConfig struct {
	WorkerCount int `mapstructure:"worker_count" validate:"gte=1"`
	QueueSize   int `mapstructure:"queue_size" validate:"gte=1"`

	// AgingThreshold is how long a task waits in one priority band before
	// the aging pass promotes it one band.
	AgingThreshold time.Duration `mapstructure:"aging_threshold" validate:"gt=0"`
	// AgingInterval is how often the aging pass runs.
	AgingInterval time.Duration `mapstructure:"aging_interval" validate:"gt=0"`
	// MaxProviderWait bounds how long a task may stay queued with no
	// eligible provider before it fails with a distinct reason.
	MaxProviderWait time.Duration `mapstructure:"max_provider_wait" validate:"gt=0"`
}

// DispatcherConfig tunes execution, retry and failover.
type DispatcherConfig struct {
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	// RetryMaxDelay caps the backoff regardless of attempt count.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay" validate:"gt=0"`

	// Per-media-type attempt timeouts. A zero value falls back to
	// DefaultTimeout.
	DefaultTimeout    time.Duration            `mapstructure:"default_timeout" validate:"gt=0"`
	MediaTypeTimeouts map[string]time.Duration `mapstructure:"media_type_timeouts"`
}

// WebhookConfig tunes outbound notification delivery.
type WebhookConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay      time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" validate:"gt=0"`
	RetryWindow    time.Duration `mapstructure:"retry_window" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// ProvidersConfig holds the credentials and endpoints of the external AI
// backends registered at startup.
type ProvidersConfig struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
	PiAPI  PiAPIConfig  `mapstructure:"piapi"`
}

// RateLimitConfig caps outbound request rate and concurrency towards one
// provider. Zero values disable the respective cap.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
	MaxConcurrent     int     `mapstructure:"max_concurrent" validate:"gte=0"`
}

// GeminiConfig configures the Google Gemini binding.
type GeminiConfig struct {
	APIKey    string          `mapstructure:"api_key"`
	ModelName string          `mapstructure:"model_name"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// PiAPIConfig configures the PiAPI HTTP binding.
type PiAPIConfig struct {
	APIKey    string          `mapstructure:"api_key"`
	BaseURL   string          `mapstructure:"base_url"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}
