// Package config loads and validates resolver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Surface presentation modes accepted by surface.mode.
const (
	SurfaceModeHeadless = "headless"
	SurfaceModeWindowed = "windowed"
	SurfaceModeNoop     = "noop"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Source   SourceConfig   `mapstructure:"source"`
	Report   ReportConfig   `mapstructure:"report"`
	Surface  SurfaceConfig  `mapstructure:"surface"`
	Status   StatusConfig   `mapstructure:"status"`
	DB       DBConfig       `mapstructure:"db"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines inbound API authentication and the outbound bearer
// credential attached to source, report and automation calls.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Token   string `mapstructure:"token"`
}

// ResolverConfig governs the scheduler run loop.
type ResolverConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	StabilityThreshold int `mapstructure:"stability_threshold"`
	MaxRunMinutes      int `mapstructure:"max_run_minutes"`
	ResetDelaySeconds  int `mapstructure:"reset_delay_seconds"`
}

// SourceConfig locates the permalink list.
type SourceConfig struct {
	FetchURL       string `mapstructure:"fetch_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ReportConfig locates the collector and automation endpoints.
type ReportConfig struct {
	PostURL        string `mapstructure:"post_url"`
	RunScriptURL   string `mapstructure:"run_script_url"`
	ClearDriveURL  string `mapstructure:"clear_drive_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SurfaceConfig configures the browser render surface.
type SurfaceConfig struct {
	Mode              string `mapstructure:"mode"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// StatusConfig configures optional snapshot persistence in Redis.
type StatusConfig struct {
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisKey        string `mapstructure:"redis_key"`
	RedisTTLSeconds int    `mapstructure:"redis_ttl_seconds"`
}

// DBConfig controls the optional Postgres run-history store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// minPollIntervalMs is the floor applied to resolver.poll_interval_ms.
const minPollIntervalMs = 100

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESOLVER")
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

	if cfg.Resolver.PollIntervalMs < minPollIntervalMs {
		cfg.Resolver.PollIntervalMs = minPollIntervalMs
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("resolver.concurrency", 3)
	v.SetDefault("resolver.poll_interval_ms", 8000)
	v.SetDefault("resolver.stability_threshold", 2)
	v.SetDefault("resolver.max_run_minutes", 30)
	v.SetDefault("resolver.reset_delay_seconds", 2)
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("report.timeout_seconds", 15)
	v.SetDefault("surface.mode", SurfaceModeHeadless)
	v.SetDefault("surface.nav_timeout_seconds", 25)
	v.SetDefault("status.redis_key", "linkresolver:status")
	v.SetDefault("status.redis_ttl_seconds", 3600)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Resolver.Concurrency <= 0 {
		return fmt.Errorf("resolver.concurrency must be > 0")
	}
	if c.Resolver.StabilityThreshold <= 0 {
		return fmt.Errorf("resolver.stability_threshold must be > 0")
	}
	if c.Resolver.MaxRunMinutes <= 0 {
		return fmt.Errorf("resolver.max_run_minutes must be > 0")
	}
	switch c.Surface.Mode {
	case SurfaceModeHeadless, SurfaceModeWindowed, SurfaceModeNoop:
	default:
		return fmt.Errorf("surface.mode must be one of headless, windowed, noop")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval returns the clamped poll period as a duration.
func (c Config) PollInterval() time.Duration {
	ms := c.Resolver.PollIntervalMs
	if ms < minPollIntervalMs {
		ms = minPollIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// MaxRunTime returns the hard wall-clock ceiling for one run.
func (c Config) MaxRunTime() time.Duration {
	return time.Duration(c.Resolver.MaxRunMinutes) * time.Minute
}

// ResetDelay returns the pause before a terminal run state resets to idle.
func (c Config) ResetDelay() time.Duration {
	return time.Duration(c.Resolver.ResetDelaySeconds) * time.Second
}
