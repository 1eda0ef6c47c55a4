// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Portal  PortalConfig  `mapstructure:"portal"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Files   FilesConfig   `mapstructure:"files"`
	DB      DBConfig      `mapstructure:"db"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the control-API HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PortalConfig identifies the remote portal being crawled.
type PortalConfig struct {
	RootURL     string `mapstructure:"root_url"`
	Institution string `mapstructure:"institution"`
	FirstYear   int    `mapstructure:"first_year"`
	LastYear    int    `mapstructure:"last_year"`
	UserAgent   string `mapstructure:"user_agent"`
}

// AuthConfig carries the portal credentials. Credentials are resolved by
// the loader (file or environment); the pipeline only consumes values.
type AuthConfig struct {
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	MaxLoginAttempts int    `mapstructure:"max_login_attempts"`
	SessionTTLMin    int    `mapstructure:"session_ttl_minutes"`
}

// CrawlConfig governs dispatch concurrency, rate limiting and retries.
type CrawlConfig struct {
	Workers          int     `mapstructure:"workers"`
	RequestsPerSec   float64 `mapstructure:"requests_per_second"`
	Burst            int     `mapstructure:"burst"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	CommitBatchSize  int     `mapstructure:"commit_batch_size"`
	FailurePasses    int     `mapstructure:"failure_passes"`
	QueueDepth       int     `mapstructure:"queue_depth"`
}

// FilesConfig sets the attachment store location and the archive
// directory for pages that failed to parse.
type FilesConfig struct {
	BaseDir       string `mapstructure:"base_dir"`
	FailedPageDir string `mapstructure:"failed_page_dir"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAMPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("portal.user_agent", "Mozilla/5.0 (X11; Linux x86_64; rv:1.0) Gecko/20100101 campuscrawler")
	v.SetDefault("portal.first_year", 1978)
	v.SetDefault("portal.last_year", time.Now().Year())
	v.SetDefault("auth.max_login_attempts", 3)
	v.SetDefault("auth.session_ttl_minutes", 15)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.requests_per_second", 2.0)
	v.SetDefault("crawl.burst", 4)
	v.SetDefault("crawl.max_retries", 5)
	v.SetDefault("crawl.backoff_initial_ms", 500)
	v.SetDefault("crawl.backoff_max_ms", 30000)
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("crawl.commit_batch_size", 64)
	v.SetDefault("crawl.failure_passes", 3)
	v.SetDefault("crawl.queue_depth", 4096)
	v.SetDefault("files.base_dir", "./files")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Portal.RootURL == "" {
		return fmt.Errorf("portal.root_url is required")
	}
	if c.Portal.Institution == "" {
		return fmt.Errorf("portal.institution is required")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.RequestsPerSec <= 0 {
		return fmt.Errorf("crawl.requests_per_second must be > 0")
	}
	if c.Crawl.MaxRetries <= 0 {
		return fmt.Errorf("crawl.max_retries must be > 0")
	}
	if c.Auth.MaxLoginAttempts <= 0 {
		return fmt.Errorf("auth.max_login_attempts must be > 0")
	}
	return nil
}

// HTTPTimeout converts the fetch timeout knob into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Crawl.TimeoutSeconds) * time.Second
}

// SessionTTL converts the session re-auth window into a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLMin) * time.Minute
}

// BackoffInitial converts the first retry delay knob into a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Crawl.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the retry delay cap knob into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Crawl.BackoffMaxMs) * time.Millisecond
}
