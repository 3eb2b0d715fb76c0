// Package config provides configuration loading and management for the coordinator.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/handshake-coordinator/internal/telemetry"
)

// EnvPrefix is the prefix of the environment variables read by the CLI
const EnvPrefix = "HANDSHAKE"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure.
// Durations are Go duration strings ("15s", "2m"); empty values use the component defaults.
type Config struct {
	Upstream     UpstreamConfig      `yaml:"upstream"`
	Polling      *PollingConfig      `yaml:"polling,omitempty"`
	Registration *RegistrationConfig `yaml:"registration,omitempty"`
	Breaker      *BreakerConfig      `yaml:"breaker,omitempty"`
	Emergency    *EmergencyConfig    `yaml:"emergency,omitempty"`

	// Blacklist lists resource ids that are never monitored. Reloaded at runtime.
	Blacklist []string `yaml:"blacklist,omitempty"`

	Server    *ServerConfig     `yaml:"server,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// UpstreamConfig defines the artifact-issuing service
type UpstreamConfig struct {
	// Endpoint is the base URL; artifacts are read from {endpoint}/resource/{id}/artifact
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single HTTP request
	Timeout string `yaml:"timeout,omitempty"`
}

// PollingConfig defines the polling controller timings
type PollingConfig struct {
	TickInterval            string `yaml:"tickInterval,omitempty"`
	MinInterval             string `yaml:"minInterval,omitempty"`
	ScanningWindow          string `yaml:"scanningWindow,omitempty"`
	MaxRetries              int    `yaml:"maxRetries,omitempty"`
	DefaultArtifactLifetime string `yaml:"defaultArtifactLifetime,omitempty"`
	MaxBackoff              string `yaml:"maxBackoff,omitempty"`
}

// RegistrationConfig defines the monitor registry limits
type RegistrationConfig struct {
	MaxAttempts     int    `yaml:"maxAttempts,omitempty"`
	CooldownWindow  string `yaml:"cooldownWindow,omitempty"`
	MaxCooldown     string `yaml:"maxCooldown,omitempty"`
	MaxErrors       int    `yaml:"maxErrors,omitempty"`
	MinPollInterval string `yaml:"minPollInterval,omitempty"`
}

// BreakerConfig defines the circuit breaker thresholds
type BreakerConfig struct {
	Window           string `yaml:"window,omitempty"`
	AttemptThreshold int    `yaml:"attemptThreshold,omitempty"`
	FailureThreshold int    `yaml:"failureThreshold,omitempty"`
	Cooldown         string `yaml:"cooldown,omitempty"`
}

// EmergencyConfig defines the auto-trip heuristic
type EmergencyConfig struct {
	AutoTripThreshold int    `yaml:"autoTripThreshold,omitempty"`
	AutoTripWindow    string `yaml:"autoTripWindow,omitempty"`
	AutoTripCooldown  string `yaml:"autoTripCooldown,omitempty"`
}

// ServerConfig defines the control plane limits
type ServerConfig struct {
	// RateLimit is the number of requests per second allowed per client
	RateLimit float64 `yaml:"rateLimit,omitempty"`
	// Burst is the token bucket size per client
	Burst int `yaml:"burst,omitempty"`
}

// Server defaults
const (
	DefaultRateLimit = 5.0
	DefaultBurst     = 10
)

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	v := &validator{}

	if c.Upstream.Endpoint == "" {
		v.add(fmt.Errorf("upstream.endpoint is required"))
	} else if u, err := url.Parse(c.Upstream.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		v.add(fmt.Errorf("upstream.endpoint must be an absolute URL, got %q", c.Upstream.Endpoint))
	}
	v.duration("upstream.timeout", c.Upstream.Timeout)

	if p := c.Polling; p != nil {
		v.duration("polling.tickInterval", p.TickInterval)
		v.duration("polling.minInterval", p.MinInterval)
		v.duration("polling.scanningWindow", p.ScanningWindow)
		v.duration("polling.defaultArtifactLifetime", p.DefaultArtifactLifetime)
		v.duration("polling.maxBackoff", p.MaxBackoff)
		v.nonNegative("polling.maxRetries", p.MaxRetries)
	}

	if r := c.Registration; r != nil {
		v.nonNegative("registration.maxAttempts", r.MaxAttempts)
		v.nonNegative("registration.maxErrors", r.MaxErrors)
		v.duration("registration.cooldownWindow", r.CooldownWindow)
		v.duration("registration.maxCooldown", r.MaxCooldown)
		v.duration("registration.minPollInterval", r.MinPollInterval)
		if window, ceiling := parse(r.CooldownWindow), parse(r.MaxCooldown); window > 0 && ceiling > 0 && ceiling < window {
			v.add(fmt.Errorf("registration.maxCooldown must not be shorter than registration.cooldownWindow"))
		}
	}

	if b := c.Breaker; b != nil {
		v.duration("breaker.window", b.Window)
		v.duration("breaker.cooldown", b.Cooldown)
		v.nonNegative("breaker.attemptThreshold", b.AttemptThreshold)
		v.nonNegative("breaker.failureThreshold", b.FailureThreshold)
	}

	if e := c.Emergency; e != nil {
		v.nonNegative("emergency.autoTripThreshold", e.AutoTripThreshold)
		v.duration("emergency.autoTripWindow", e.AutoTripWindow)
		v.duration("emergency.autoTripCooldown", e.AutoTripCooldown)
	}

	for i, id := range c.Blacklist {
		if id == "" {
			v.add(fmt.Errorf("blacklist[%d]: resource id must not be empty", i))
		}
	}

	if s := c.Server; s != nil {
		if s.RateLimit < 0 {
			v.add(fmt.Errorf("server.rateLimit must not be negative"))
		}
		v.nonNegative("server.burst", s.Burst)
	}

	if err := c.Telemetry.Validate(); err != nil {
		v.add(fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(v.errs...)
}

// GetUpstreamTimeout returns the upstream request timeout, zero when unset
func (c *Config) GetUpstreamTimeout() time.Duration {
	return parse(c.Upstream.Timeout)
}

// GetRateLimit returns the per-client request rate of the control plane
func (c *Config) GetRateLimit() float64 {
	if c.Server == nil || c.Server.RateLimit == 0 {
		return DefaultRateLimit
	}
	return c.Server.RateLimit
}

// GetBurst returns the per-client burst of the control plane
func (c *Config) GetBurst() int {
	if c.Server == nil || c.Server.Burst == 0 {
		return DefaultBurst
	}
	return c.Server.Burst
}

// Duration parses a validated duration string, returning zero for empty values
func Duration(s string) time.Duration {
	return parse(s)
}

func parse(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

type validator struct {
	errs []error
}

func (v *validator) add(err error) {
	v.errs = append(v.errs, err)
}

func (v *validator) duration(field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.add(fmt.Errorf("%s must be a valid duration (e.g., '15s', '2m'): %w", field, err))
		return
	}
	if d < 0 {
		v.add(fmt.Errorf("%s must not be negative, got %s", field, value))
	}
}

func (v *validator) nonNegative(field string, value int) {
	if value < 0 {
		v.add(fmt.Errorf("%s must not be negative, got %d", field, value))
	}
}
