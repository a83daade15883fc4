package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Server   ServerConfig   `yaml:"server"`
	Terminal TerminalConfig `yaml:"terminal"`
	Session  SessionConfig  `yaml:"session"`
	Channels ChannelsConfig `yaml:"channels"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GatewayConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	APIKey             string        `yaml:"api_key"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ConnectOnStart     bool          `yaml:"connect_on_start"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type TerminalConfig struct {
	// Mode selects the transport adapter: "ws" dials the terminal bridge,
	// "sim" runs against the in-process simulated terminal.
	Mode              string          `yaml:"mode"`
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	ClientID          int             `yaml:"client_id"`
	Username          string          `yaml:"username"`
	Password          string          `yaml:"password"`
	AccountID         string          `yaml:"account_id"`
	DialTimeout       time.Duration   `yaml:"dial_timeout"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// URL returns the websocket endpoint of the terminal bridge.
func (t TerminalConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", t.Host, t.Port)
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SessionConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Region            string `yaml:"region"`
	Namespace         string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			CORSAllowedOrigins: []string{"*"},
		},
		Terminal: TerminalConfig{
			Mode:              "ws",
			DialTimeout:       10 * time.Second,
			HeartbeatInterval: 20 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("IB_USERNAME"); v != "" {
		cfg.Terminal.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("IB_PASSWORD"); v != "" {
		cfg.Terminal.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("IB_ACCOUNT_ID"); v != "" {
		cfg.Terminal.AccountID = strings.TrimSpace(v)
	}
	if v := os.Getenv("TERMINAL_MODE"); v != "" {
		cfg.Terminal.Mode = strings.ToLower(strings.TrimSpace(v))
	}

	if cfg.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	// Derive the account id the way the terminal names it when not set
	// explicitly.
	if cfg.Terminal.AccountID == "" && cfg.Terminal.Username != "" {
		cfg.Terminal.AccountID = "ib_" + cfg.Terminal.Username
	}

	cfg.Archive.S3.Bucket = strings.TrimSpace(cfg.Archive.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Gateway.Name == "" {
		return fmt.Errorf("gateway.name is required")
	}
	if cfg.Gateway.Version == "" {
		return fmt.Errorf("gateway.version is required")
	}

	switch cfg.Terminal.Mode {
	case "ws", "sim":
	default:
		return fmt.Errorf("terminal.mode must be 'ws' or 'sim', got '%s'", cfg.Terminal.Mode)
	}

	if cfg.Terminal.Mode == "ws" && cfg.Terminal.Host == "" {
		return fmt.Errorf("terminal.host is required in ws mode")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	retry := cfg.Session.Retry
	if retry.MaxAttempts <= 0 {
		return fmt.Errorf("session.retry.max_attempts must be greater than 0")
	}
	if retry.BaseDelay <= 0 {
		return fmt.Errorf("session.retry.base_delay must be greater than 0")
	}
	if retry.MaxDelay < retry.BaseDelay {
		return fmt.Errorf("session.retry.max_delay must not be below base_delay")
	}
	if retry.BackoffMultiplier < 1 {
		return fmt.Errorf("session.retry.backoff_multiplier must be at least 1")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.batch_size must be greater than 0 when archiving is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0 when archiving is enabled")
		}
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archiving is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when archiving is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
