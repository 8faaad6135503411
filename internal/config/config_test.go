package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Resolver.Concurrency)
	require.Equal(t, 8000, cfg.Resolver.PollIntervalMs)
	require.Equal(t, 2, cfg.Resolver.StabilityThreshold)
	require.Equal(t, 30, cfg.Resolver.MaxRunMinutes)
	require.Equal(t, SurfaceModeHeadless, cfg.Surface.Mode)
	require.Equal(t, "linkresolver:status", cfg.Status.RedisKey)
	require.Equal(t, 8*time.Second, cfg.PollInterval())
	require.Equal(t, 30*time.Minute, cfg.MaxRunTime())
	require.Equal(t, 2*time.Second, cfg.ResetDelay())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
  token: outbound-token
resolver:
  concurrency: 5
  poll_interval_ms: 2000
  stability_threshold: 3
  max_run_minutes: 10
source:
  fetch_url: https://example.com/links.txt
report:
  post_url: https://example.com/collect
surface:
  mode: noop
status:
  redis_addr: localhost:6379
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "outbound-token", cfg.Auth.Token)
	require.Equal(t, 5, cfg.Resolver.Concurrency)
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, 3, cfg.Resolver.StabilityThreshold)
	require.Equal(t, 10*time.Minute, cfg.MaxRunTime())
	require.Equal(t, "https://example.com/links.txt", cfg.Source.FetchURL)
	require.Equal(t, SurfaceModeNoop, cfg.Surface.Mode)
	require.Equal(t, "localhost:6379", cfg.Status.RedisAddr)
	require.False(t, cfg.Logging.Development)
}

func TestLoadClampsPollInterval(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver:\n  poll_interval_ms: 5\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Resolver.PollIntervalMs)
	require.Equal(t, 100*time.Millisecond, cfg.PollInterval())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero concurrency", func(c *Config) { c.Resolver.Concurrency = 0 }},
		{"zero stability threshold", func(c *Config) { c.Resolver.StabilityThreshold = 0 }},
		{"zero max run minutes", func(c *Config) { c.Resolver.MaxRunMinutes = 0 }},
		{"unknown surface mode", func(c *Config) { c.Surface.Mode = "hologram" }},
		{"auth enabled without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
