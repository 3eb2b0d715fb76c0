package app

import (
	"github.com/stacklok/handshake-coordinator/internal/breaker"
	"github.com/stacklok/handshake-coordinator/internal/config"
	"github.com/stacklok/handshake-coordinator/internal/coordinator"
	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/poller"
	"github.com/stacklok/handshake-coordinator/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Coordinator owns the polling controllers
	Coordinator *coordinator.Coordinator

	// Blacklist is replaced on every configuration reload
	Blacklist *monitor.StaticBlacklist

	// Telemetry holds the tracer and meter providers
	Telemetry *telemetry.Telemetry
}

// CoordinatorConfig converts the file configuration into component settings.
// Unset values stay zero and fall back to the component defaults.
func CoordinatorConfig(cfg *config.Config) coordinator.Config {
	out := coordinator.Config{
		Poller: poller.Config{FetchTimeout: cfg.GetUpstreamTimeout()},
	}

	if p := cfg.Polling; p != nil {
		out.Poller.TickInterval = config.Duration(p.TickInterval)
		out.Poller.ScanningWindow = config.Duration(p.ScanningWindow)
		out.Poller.MaxRetries = p.MaxRetries
		out.Poller.DefaultArtifactLifetime = config.Duration(p.DefaultArtifactLifetime)
		out.Poller.MaxBackoff = config.Duration(p.MaxBackoff)
		out.MinInterval = config.Duration(p.MinInterval)
	}

	if r := cfg.Registration; r != nil {
		out.Registry = monitor.Config{
			MinPollInterval: config.Duration(r.MinPollInterval),
			MaxErrors:       r.MaxErrors,
			MaxAttempts:     r.MaxAttempts,
			CooldownWindow:  config.Duration(r.CooldownWindow),
			MaxCooldown:     config.Duration(r.MaxCooldown),
		}
	}

	if b := cfg.Breaker; b != nil {
		out.Breaker = breaker.Config{
			Window:           config.Duration(b.Window),
			AttemptThreshold: b.AttemptThreshold,
			FailureThreshold: b.FailureThreshold,
			Cooldown:         config.Duration(b.Cooldown),
		}
	}

	if e := cfg.Emergency; e != nil {
		out.Detector = emergency.DetectorConfig{
			Threshold: e.AutoTripThreshold,
			Window:    config.Duration(e.AutoTripWindow),
			Cooldown:  config.Duration(e.AutoTripCooldown),
		}
	}

	return out
}
