package emergency

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/events"
)

// Detector defaults
const (
	DefaultAutoTripThreshold = 10
	DefaultAutoTripWindow    = 10 * time.Second
	DefaultAutoTripCooldown  = 5 * time.Minute
)

// Tripper sets the emergency flag
type Tripper interface {
	Trip(reason string) bool
}

// DetectorConfig holds the auto-trip thresholds
type DetectorConfig struct {
	// Threshold is the number of registrations tolerated within Window
	Threshold int
	// Window is the interval over which registrations are counted
	Window time.Duration
	// Cooldown suppresses automatic trips after one fired
	Cooldown time.Duration
}

// ShouldTrip reports whether more than threshold timestamps of buf fall within window before now
func ShouldTrip(buf []time.Time, now time.Time, window time.Duration, threshold int) bool {
	cutoff := now.Add(-window)
	count := 0
	for _, ts := range buf {
		if !ts.Before(cutoff) && !ts.After(now) {
			count++
		}
	}
	return count > threshold
}

// Detector trips the override when registrations arrive in a burst.
// It is an events.Subscriber for the registered event.
type Detector struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	tripper  Tripper
	cfg      DetectorConfig
	ring     []time.Time
	head     int
	size     int
	lastTrip time.Time
}

// DetectorOption is a function that configures the detector
type DetectorOption func(*Detector)

// WithDetectorClock sets the clock of the detector
func WithDetectorClock(c clock.PassiveClock) DetectorOption {
	return func(d *Detector) {
		d.clock = c
	}
}

// NewDetector creates a detector tripping t
func NewDetector(t Tripper, cfg DetectorConfig, opts ...DetectorOption) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAutoTripThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultAutoTripWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultAutoTripCooldown
	}

	d := &Detector{
		clock:   clock.RealClock{},
		tripper: t,
		cfg:     cfg,
		// keeping threshold+1 entries is enough to decide
		ring: make([]time.Time, cfg.Threshold+1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEvent records registrations and trips the override when the burst threshold is exceeded
func (d *Detector) OnEvent(e events.Event) {
	if e.Type != events.TypeRegistered {
		return
	}

	now := d.clock.Now()

	d.mu.Lock()
	d.push(now)
	if !d.lastTrip.IsZero() && now.Sub(d.lastTrip) < d.cfg.Cooldown {
		d.mu.Unlock()
		return
	}
	if !ShouldTrip(d.buffer(), now, d.cfg.Window, d.cfg.Threshold) {
		d.mu.Unlock()
		return
	}
	d.lastTrip = now
	d.head, d.size = 0, 0
	d.mu.Unlock()

	reason := fmt.Sprintf("more than %d registrations within %s", d.cfg.Threshold, d.cfg.Window)
	slog.Warn("Registration burst detected", "threshold", d.cfg.Threshold, "window", d.cfg.Window)
	d.tripper.Trip(reason)
}

// push appends ts, overwriting the oldest entry when full. Caller holds mu.
func (d *Detector) push(ts time.Time) {
	d.ring[(d.head+d.size)%len(d.ring)] = ts
	if d.size < len(d.ring) {
		d.size++
		return
	}
	d.head = (d.head + 1) % len(d.ring)
}

// buffer returns the buffered timestamps oldest first. Caller holds mu.
func (d *Detector) buffer() []time.Time {
	out := make([]time.Time, d.size)
	for i := 0; i < d.size; i++ {
		out[i] = d.ring[(d.head+i)%len(d.ring)]
	}
	return out
}
