// Package config loads service configuration from defaults, an optional YAML
// file and SCANLY_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServicePort   = 8080
	defaultPlatformHost  = "localhost"
	defaultHomePath      = "/"
	defaultExpiredPath   = "/expired"
	defaultPasswordPath  = "/r/password"
	defaultReadTimeout   = 10 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultDBDriver      = "sqlite"
	defaultDBDSN         = "scanly.db"
	defaultRateLimit     = 60
	defaultRateWindow    = time.Minute
	defaultDNSTimeout    = 5 * time.Second
	defaultBufferSize    = 1000
	defaultFlushInterval = time.Second
	defaultFlushThresh   = 100
	defaultKafkaTopic    = "scans.recorded"
	defaultJWTSecret     = "scanly-dev-secret-change-in-production"
	defaultTokenTTL      = 24 * time.Hour
	defaultUnlockRate    = 5
	defaultUnlockWindow  = 15 * time.Minute
	defaultLoggingLevel  = "info"
	defaultLoggingFmt    = "json"
	envPrefix            = "SCANLY"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Unlock    UnlockConfig    `mapstructure:"unlock"`
	DNS       DNSConfig       `mapstructure:"dns"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server and redirect target configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Debug        bool          `mapstructure:"debug"`
	PlatformHost string        `mapstructure:"platform_host"` // also the expected CNAME target
	HomePath     string        `mapstructure:"home_path"`
	ExpiredPath  string        `mapstructure:"expired_path"`
	PasswordPath string        `mapstructure:"password_path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig selects the GORM dialect and connection string.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the rate limiter backend. An empty address leaves
// the limiter in fail-open mode.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig holds the public per-IP scan limit.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// UnlockConfig throttles password attempts per link and IP.
type UnlockConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Window   time.Duration `mapstructure:"window"`
}

// DNSConfig holds domain verification settings.
type DNSConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// RecorderConfig tunes the buffered scan recorder.
type RecorderConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	CountryHeaders []string      `mapstructure:"country_headers"`
	SkipBots       bool          `mapstructure:"skip_bots"`
}

// KafkaConfig enables the scan event stream when brokers are set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// AuthConfig holds JWT settings for the management API.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Load reads configuration. When path is empty, config.yaml is looked up in
// the working directory and ./configs; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides are picked up.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", defaultServicePort)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.platform_host", defaultPlatformHost)
	v.SetDefault("server.home_path", defaultHomePath)
	v.SetDefault("server.expired_path", defaultExpiredPath)
	v.SetDefault("server.password_path", defaultPasswordPath)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", defaultWriteTimeout)

	v.SetDefault("database.driver", defaultDBDriver)
	v.SetDefault("database.dsn", defaultDBDSN)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.limit", defaultRateLimit)
	v.SetDefault("rate_limit.window", defaultRateWindow)

	v.SetDefault("unlock.attempts", defaultUnlockRate)
	v.SetDefault("unlock.window", defaultUnlockWindow)

	v.SetDefault("dns.timeout", defaultDNSTimeout)

	v.SetDefault("recorder.buffer_size", defaultBufferSize)
	v.SetDefault("recorder.flush_interval", defaultFlushInterval)
	v.SetDefault("recorder.flush_threshold", defaultFlushThresh)
	v.SetDefault("recorder.country_headers", []string{"CF-IPCountry", "X-Vercel-IP-Country", "CloudFront-Viewer-Country"})
	v.SetDefault("recorder.skip_bots", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", defaultKafkaTopic)

	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("auth.token_ttl", defaultTokenTTL)

	v.SetDefault("logging.level", defaultLoggingLevel)
	v.SetDefault("logging.format", defaultLoggingFmt)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.PlatformHost == "" {
		return &ValidationError{Field: "server.platform_host", Message: "is required"}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &ValidationError{Field: "database.driver", Message: "must be sqlite or postgres"}
	}
	if c.Database.DSN == "" {
		return &ValidationError{Field: "database.dsn", Message: "is required"}
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return &ValidationError{Field: "rate_limit", Message: "limit and window must be positive"}
	}
	if c.Unlock.Attempts <= 0 || c.Unlock.Window <= 0 {
		return &ValidationError{Field: "unlock", Message: "attempts and window must be positive"}
	}
	if c.DNS.Timeout <= 0 {
		return &ValidationError{Field: "dns.timeout", Message: "must be positive"}
	}
	if c.Recorder.BufferSize <= 0 || c.Recorder.FlushThreshold <= 0 || c.Recorder.FlushInterval <= 0 {
		return &ValidationError{Field: "recorder", Message: "buffer_size, flush_threshold and flush_interval must be positive"}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return &ValidationError{Field: "kafka.topic", Message: "is required when brokers are set"}
	}
	if c.Auth.JWTSecret == "" {
		return &ValidationError{Field: "auth.jwt_secret", Message: "is required"}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}
