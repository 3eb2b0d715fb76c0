package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/handshake-coordinator/internal/telemetry"
)

const fullConfigYAML = `upstream:
  endpoint: https://artifacts.example.com/api
  timeout: 8s
polling:
  tickInterval: 5s
  minInterval: 10s
  scanningWindow: 15s
  maxRetries: 4
  defaultArtifactLifetime: 1m
  maxBackoff: 2m
registration:
  maxAttempts: 5
  cooldownWindow: 30s
  maxCooldown: 8m
  maxErrors: 5
  minPollInterval: 5s
breaker:
  window: 1m
  attemptThreshold: 20
  failureThreshold: 5
  cooldown: 30s
emergency:
  autoTripThreshold: 10
  autoTripWindow: 10s
  autoTripCooldown: 5m
blacklist:
  - legacy-instance-1
  - legacy-instance-2
server:
  rateLimit: 2.5
  burst: 4
telemetry:
  enabled: true
  metrics:
    enabled: true
    exporter: prometheus
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithConfigPath(writeConfig(t, fullConfigYAML)))
	require.NoError(t, err)

	assert.Equal(t, "https://artifacts.example.com/api", cfg.Upstream.Endpoint)
	assert.Equal(t, 8*time.Second, cfg.GetUpstreamTimeout())
	require.NotNil(t, cfg.Polling)
	assert.Equal(t, 4, cfg.Polling.MaxRetries)
	assert.Equal(t, time.Minute, Duration(cfg.Polling.DefaultArtifactLifetime))
	assert.Equal(t, 8*time.Minute, Duration(cfg.Registration.MaxCooldown))
	assert.Equal(t, 20, cfg.Breaker.AttemptThreshold)
	assert.Equal(t, 10, cfg.Emergency.AutoTripThreshold)
	assert.Equal(t, []string{"legacy-instance-1", "legacy-instance-2"}, cfg.Blacklist)
	assert.InDelta(t, 2.5, cfg.GetRateLimit(), 0.0001)
	assert.Equal(t, 4, cfg.GetBurst())
	require.NotNil(t, cfg.Telemetry)
	assert.Equal(t, telemetry.ExporterPrometheus, cfg.Telemetry.Metrics.Exporter)
}

func TestLoadConfig_Minimal(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithConfigPath(writeConfig(t, "upstream:\n  endpoint: http://localhost:9000\n")))
	require.NoError(t, err)

	assert.Nil(t, cfg.Polling)
	assert.Zero(t, cfg.GetUpstreamTimeout())
	assert.InDelta(t, DefaultRateLimit, cfg.GetRateLimit(), 0.0001)
	assert.Equal(t, DefaultBurst, cfg.GetBurst())
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    func(t *testing.T) []Option
		wantErr string
	}{
		{
			name:    "no path",
			opts:    func(*testing.T) []Option { return nil },
			wantErr: "path is required",
		},
		{
			name:    "empty path",
			opts:    func(*testing.T) []Option { return []Option{WithConfigPath("")} },
			wantErr: "path is required",
		},
		{
			name: "missing file",
			opts: func(t *testing.T) []Option {
				return []Option{WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))}
			},
			wantErr: "failed to evaluate symlinks",
		},
		{
			name: "malformed yaml",
			opts: func(t *testing.T) []Option {
				return []Option{WithConfigPath(writeConfig(t, "upstream: [\n"))}
			},
			wantErr: "failed to parse YAML config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(tt.opts(t)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{Upstream: UpstreamConfig{Endpoint: "https://example.com"}}
	}

	tests := []struct {
		name     string
		mutate   func(c *Config)
		wantErrs []string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:     "missing endpoint",
			mutate:   func(c *Config) { c.Upstream.Endpoint = "" },
			wantErrs: []string{"upstream.endpoint is required"},
		},
		{
			name:     "relative endpoint",
			mutate:   func(c *Config) { c.Upstream.Endpoint = "/api" },
			wantErrs: []string{"upstream.endpoint must be an absolute URL"},
		},
		{
			name: "bad durations are all reported",
			mutate: func(c *Config) {
				c.Polling = &PollingConfig{TickInterval: "soon", ScanningWindow: "-5s"}
				c.Breaker = &BreakerConfig{Cooldown: "30"}
			},
			wantErrs: []string{
				"polling.tickInterval must be a valid duration",
				"polling.scanningWindow must not be negative",
				"breaker.cooldown must be a valid duration",
			},
		},
		{
			name: "cooldown ceiling below window",
			mutate: func(c *Config) {
				c.Registration = &RegistrationConfig{CooldownWindow: "1m", MaxCooldown: "30s"}
			},
			wantErrs: []string{"registration.maxCooldown must not be shorter"},
		},
		{
			name:     "negative thresholds",
			mutate:   func(c *Config) { c.Emergency = &EmergencyConfig{AutoTripThreshold: -1} },
			wantErrs: []string{"emergency.autoTripThreshold must not be negative"},
		},
		{
			name:     "empty blacklist entry",
			mutate:   func(c *Config) { c.Blacklist = []string{"ok", ""} },
			wantErrs: []string{"blacklist[1]"},
		},
		{
			name:     "negative rate limit",
			mutate:   func(c *Config) { c.Server = &ServerConfig{RateLimit: -1} },
			wantErrs: []string{"server.rateLimit must not be negative"},
		},
		{
			name: "invalid telemetry",
			mutate: func(c *Config) {
				c.Telemetry = &telemetry.Config{Enabled: true, Metrics: &telemetry.MetricsConfig{Enabled: true, Exporter: "nope"}}
			},
			wantErrs: []string{"telemetry: metrics: exporter must be one of"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.wantErrs) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErrs {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestConfig_ValidateNil(t *testing.T) {
	t.Parallel()

	var cfg *Config
	assert.EqualError(t, cfg.Validate(), "config cannot be nil")
}
