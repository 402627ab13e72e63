package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"http_server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Payment        PaymentConfig        `mapstructure:"payment"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Notification   NotificationConfig   `mapstructure:"notification"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"min=0,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type PaymentConfig struct {
	DefaultProvider string                    `mapstructure:"default_provider" validate:"required"`
	Providers       map[string]ProviderConfig `mapstructure:"providers" validate:"required,min=1,dive"`
}

type ProviderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret" validate:"required_if=Enabled true"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RetryPolicyConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=0,max=20"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type RetryConfig struct {
	Workers      int               `mapstructure:"workers" validate:"min=0"`
	QueueSize    int               `mapstructure:"queue_size" validate:"min=0"`
	Notification RetryPolicyConfig `mapstructure:"notification"`
	Webhook      RetryPolicyConfig `mapstructure:"webhook"`
	ProviderSync RetryPolicyConfig `mapstructure:"provider_sync"`
	Refund       RetryPolicyConfig `mapstructure:"refund"`
	// ProviderCall bounds provider calls made while a caller is waiting.
	ProviderCall RetryPolicyConfig `mapstructure:"provider_call"`
}

type ReconciliationConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	Interval              time.Duration `mapstructure:"interval"`
	MaxAge                time.Duration `mapstructure:"max_age"`
	BatchLimit            int           `mapstructure:"batch_limit" validate:"min=0"`
	IncludeStaleSucceeded bool          `mapstructure:"include_stale_succeeded"`
	StaleWebhookAfter     time.Duration `mapstructure:"stale_webhook_after"`
	LockTTL               time.Duration `mapstructure:"lock_ttl"`
}

type NotificationConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ApplyDefaults fills unset operational knobs with their illustrative defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Retry.Workers <= 0 {
		c.Retry.Workers = 4
	}
	if c.Retry.QueueSize <= 0 {
		c.Retry.QueueSize = 100
	}
	c.Retry.Notification.applyDefaults(30*time.Second, 30*time.Minute)
	c.Retry.Webhook.applyDefaults(60*time.Second, 30*time.Minute)
	c.Retry.ProviderSync.applyDefaults(120*time.Second, 30*time.Minute)
	c.Retry.Refund.applyDefaults(180*time.Second, 30*time.Minute)
	c.Retry.ProviderCall.applyDefaults(250*time.Millisecond, 2*time.Second)

	if c.Reconciliation.Interval <= 0 {
		c.Reconciliation.Interval = 15 * time.Minute
	}
	if c.Reconciliation.MaxAge <= 0 {
		c.Reconciliation.MaxAge = time.Hour
	}
	if c.Reconciliation.BatchLimit <= 0 {
		c.Reconciliation.BatchLimit = 100
	}
	if c.Reconciliation.StaleWebhookAfter <= 0 {
		c.Reconciliation.StaleWebhookAfter = 24 * time.Hour
	}
	if c.Reconciliation.LockTTL <= 0 {
		c.Reconciliation.LockTTL = c.Reconciliation.Interval
	}
	if c.Notification.Timeout <= 0 {
		c.Notification.Timeout = 10 * time.Second
	}
	for name, p := range c.Payment.Providers {
		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
			c.Payment.Providers[name] = p
		}
	}
}

func (p *RetryPolicyConfig) applyDefaults(base, maxDelay time.Duration) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = maxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 30 * time.Second
	}
}

// LoadConfigFromEnv builds the configuration for container deployments.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Payment: PaymentConfig{
			DefaultProvider: getEnv("PAYMENT_DEFAULT_PROVIDER", "memory"),
			Providers:       map[string]ProviderConfig{},
		},
		Retry: RetryConfig{
			Workers:   getEnvAsInt("RETRY_WORKERS", 4),
			QueueSize: getEnvAsInt("RETRY_QUEUE_SIZE", 100),
		},
		Reconciliation: ReconciliationConfig{
			Enabled:               getEnv("RECONCILIATION_ENABLED", "true") == "true",
			Interval:              getEnvAsDuration("RECONCILIATION_INTERVAL", 15*time.Minute),
			MaxAge:                getEnvAsDuration("RECONCILIATION_MAX_AGE", time.Hour),
			BatchLimit:            getEnvAsInt("RECONCILIATION_BATCH_LIMIT", 100),
			IncludeStaleSucceeded: getEnv("RECONCILIATION_INCLUDE_STALE_SUCCEEDED", "false") == "true",
			StaleWebhookAfter:     getEnvAsDuration("RECONCILIATION_STALE_WEBHOOK_AFTER", 24*time.Hour),
		},
		Notification: NotificationConfig{
			URL:     getEnv("NOTIFICATION_URL", ""),
			Timeout: getEnvAsDuration("NOTIFICATION_TIMEOUT", 10*time.Second),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}

	for _, name := range strings.Split(getEnv("PAYMENT_PROVIDERS", "memory"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := "PAYMENT_" + strings.ToUpper(name) + "_"
		cfg.Payment.Providers[name] = ProviderConfig{
			Enabled:       true,
			APIKey:        getEnv(prefix+"API_KEY", ""),
			WebhookSecret: getEnv(prefix+"WEBHOOK_SECRET", ""),
			Timeout:       getEnvAsDuration(prefix+"TIMEOUT", 30*time.Second),
		}
	}

	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *PaymentConfig) Validate() error {
	def, ok := c.Providers[c.DefaultProvider]
	if !ok {
		return fmt.Errorf("default provider %q is not configured", c.DefaultProvider)
	}
	if !def.Enabled {
		return fmt.Errorf("default provider %q is disabled", c.DefaultProvider)
	}
	return nil
}
