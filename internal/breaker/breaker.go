// Package breaker quarantines resources that fail repeatedly or are polled in bursts.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// State represents the state of a circuit
type State string

const (
	// StateClosed means attempts are allowed
	StateClosed State = "Closed"
	// StateOpen means every attempt is rejected until the cooldown elapsed
	StateOpen State = "Open"
)

// Denial reasons
const (
	// ReasonCircuitOpen is returned while the resource circuit is open
	ReasonCircuitOpen = "circuit-open"
	// ReasonAttemptBurst is returned while a (resource, caller class) circuit is open
	ReasonAttemptBurst = "attempt-burst"
)

// Trip reasons passed to the trip hook
const (
	TripReasonFailures     = "failure-threshold"
	TripReasonAttemptBurst = "attempt-threshold"
)

// Config holds the thresholds of the breaker
type Config struct {
	// Window is the sliding window over which attempts are counted
	Window time.Duration
	// AttemptThreshold is the number of attempts tolerated within Window
	AttemptThreshold int
	// FailureThreshold is the number of failures that opens the resource circuit
	FailureThreshold int
	// Cooldown is how long an open circuit rejects attempts
	Cooldown time.Duration
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		AttemptThreshold: 20,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Decision is the result of ShouldAllow
type Decision struct {
	Allowed bool
	// Reason is empty when allowed
	Reason string
	// RetryAt is the earliest time a new attempt may succeed, zero when allowed
	RetryAt time.Time
}

// TripFunc is notified whenever a circuit opens. Class is empty for the resource circuit.
type TripFunc func(resourceID, class, reason string)

type circuitKey struct {
	resourceID string
	class      string
}

type circuit struct {
	state    State
	openedAt time.Time
	attempts []time.Time
	failures int
	lastSeen time.Time
}

func (c *circuit) close() {
	c.state = StateClosed
	c.openedAt = time.Time{}
	c.attempts = nil
	c.failures = 0
}

// Breaker tracks one circuit per resource and one per (resource, caller class)
type Breaker struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	cfg      Config
	circuits map[circuitKey]*circuit
	onTrip   []TripFunc

	lastSweep time.Time
}

// Option is a function that configures the breaker
type Option func(*Breaker)

// WithClock sets the clock of the breaker
func WithClock(c clock.PassiveClock) Option {
	return func(b *Breaker) {
		b.clock = c
	}
}

// WithTripHook registers a function called after a circuit opens
func WithTripHook(fn TripFunc) Option {
	return func(b *Breaker) {
		b.onTrip = append(b.onTrip, fn)
	}
}

// New creates a breaker. Zero values in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.AttemptThreshold <= 0 {
		cfg.AttemptThreshold = defaults.AttemptThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}

	b := &Breaker{
		clock:    clock.RealClock{},
		cfg:      cfg,
		circuits: make(map[circuitKey]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastSweep = b.clock.Now()
	return b
}

// ShouldAllow decides whether an attempt of the given caller class may proceed.
// Allowed attempts are counted in the sliding window; denied attempts are not
// and never extend a cooldown.
func (b *Breaker) ShouldAllow(resourceID, class string) Decision {
	now := b.clock.Now()

	b.mu.Lock()
	if now.Sub(b.lastSweep) >= b.cfg.Window {
		b.prune(now)
	}
	rc := b.get(circuitKey{resourceID: resourceID})
	rc.lastSeen = now
	if d, open := b.checkOpen(rc, now, ReasonCircuitOpen); open {
		b.mu.Unlock()
		return d
	}

	kc := b.get(circuitKey{resourceID: resourceID, class: class})
	kc.lastSeen = now
	if d, open := b.checkOpen(kc, now, ReasonAttemptBurst); open {
		b.mu.Unlock()
		return d
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := kc.attempts[:0]
	for _, ts := range kc.attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kc.attempts = append(kept, now)

	if len(kc.attempts) > b.cfg.AttemptThreshold {
		count := len(kc.attempts)
		kc.state = StateOpen
		kc.openedAt = now
		b.mu.Unlock()

		slog.Warn("Circuit opened on attempt burst",
			"resource_id", resourceID,
			"class", class,
			"attempts", count,
			"window", b.cfg.Window)
		b.notify(resourceID, class, TripReasonAttemptBurst)

		return Decision{Reason: ReasonAttemptBurst, RetryAt: now.Add(b.cfg.Cooldown)}
	}
	b.mu.Unlock()

	return Decision{Allowed: true}
}

// Check reports whether an open circuit would deny an attempt of the given
// caller class. Unlike ShouldAllow it counts nothing and changes no state.
func (b *Breaker) Check(resourceID, class string) Decision {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[circuitKey{resourceID: resourceID}]; ok {
		if state, retryAt := b.observe(c, now); state == StateOpen {
			return Decision{Reason: ReasonCircuitOpen, RetryAt: retryAt}
		}
	}
	if c, ok := b.circuits[circuitKey{resourceID: resourceID, class: class}]; ok {
		if state, retryAt := b.observe(c, now); state == StateOpen {
			return Decision{Reason: ReasonAttemptBurst, RetryAt: retryAt}
		}
	}
	return Decision{Allowed: true}
}

// RecordOutcome updates the failure counter of the resource circuit.
// A failure increments it and opens the circuit at the threshold; a success decays it by one.
func (b *Breaker) RecordOutcome(resourceID string, success bool) {
	now := b.clock.Now()

	b.mu.Lock()
	rc := b.get(circuitKey{resourceID: resourceID})
	rc.lastSeen = now
	if success {
		if rc.failures > 0 {
			rc.failures--
		}
		b.mu.Unlock()
		return
	}

	rc.failures++
	if rc.state == StateOpen || rc.failures < b.cfg.FailureThreshold {
		b.mu.Unlock()
		return
	}

	rc.state = StateOpen
	rc.openedAt = now
	failures := rc.failures
	b.mu.Unlock()

	slog.Warn("Circuit opened on failures",
		"resource_id", resourceID,
		"failures", failures,
		"cooldown", b.cfg.Cooldown)
	b.notify(resourceID, "", TripReasonFailures)
}

// Reset closes every circuit of the resource and clears its counters
func (b *Breaker) Reset(resourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.circuits {
		if key.resourceID == resourceID {
			delete(b.circuits, key)
		}
	}
	slog.Info("Circuit reset", "resource_id", resourceID)
}

// ClassSnapshot is the state of one (resource, caller class) circuit
type ClassSnapshot struct {
	Class          string    `json:"class"`
	State          State     `json:"state"`
	RecentAttempts int       `json:"recentAttempts"`
	RetryAt        time.Time `json:"retryAt,omitzero"`
}

// Snapshot is the state of all circuits of a resource
type Snapshot struct {
	State    State           `json:"state"`
	Failures int             `json:"failures"`
	RetryAt  time.Time       `json:"retryAt,omitzero"`
	Classes  []ClassSnapshot `json:"classes,omitempty"`
}

// IsOpen reports whether any circuit of the snapshot is open
func (s Snapshot) IsOpen() bool {
	if s.State == StateOpen {
		return true
	}
	for _, c := range s.Classes {
		if c.State == StateOpen {
			return true
		}
	}
	return false
}

// Snapshot returns the observed state of the resource's circuits.
// Circuits whose cooldown elapsed are reported as closed.
func (b *Breaker) Snapshot(resourceID string) Snapshot {
	now := b.clock.Now()
	cutoff := now.Add(-b.cfg.Window)

	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{State: StateClosed}
	for key, c := range b.circuits {
		if key.resourceID != resourceID {
			continue
		}
		state, retryAt := b.observe(c, now)
		if key.class == "" {
			snap.State = state
			snap.Failures = c.failures
			snap.RetryAt = retryAt
			continue
		}
		recent := 0
		for _, ts := range c.attempts {
			if ts.After(cutoff) {
				recent++
			}
		}
		snap.Classes = append(snap.Classes, ClassSnapshot{
			Class:          key.class,
			State:          state,
			RecentAttempts: recent,
			RetryAt:        retryAt,
		})
	}
	sort.Slice(snap.Classes, func(i, j int) bool {
		return snap.Classes[i].Class < snap.Classes[j].Class
	})
	return snap
}

func (b *Breaker) observe(c *circuit, now time.Time) (State, time.Time) {
	if c.state != StateOpen {
		return StateClosed, time.Time{}
	}
	retryAt := c.openedAt.Add(b.cfg.Cooldown)
	if !now.Before(retryAt) {
		return StateClosed, time.Time{}
	}
	return StateOpen, retryAt
}

// checkOpen closes an open circuit whose cooldown elapsed, or returns a denial. Caller holds mu.
func (b *Breaker) checkOpen(c *circuit, now time.Time, reason string) (Decision, bool) {
	if c.state != StateOpen {
		return Decision{}, false
	}
	retryAt := c.openedAt.Add(b.cfg.Cooldown)
	if now.Before(retryAt) {
		return Decision{Reason: reason, RetryAt: retryAt}, true
	}
	c.close()
	return Decision{}, false
}

// Prune drops the circuits that are closed, or whose cooldown elapsed, and saw
// no attempt or outcome for a whole window. It returns how many were dropped.
// A resource idle that long starts over with a clean failure count.
func (b *Breaker) Prune() int {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prune(now)
}

// Len returns the number of tracked circuits
func (b *Breaker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.circuits)
}

// prune is Prune with mu held
func (b *Breaker) prune(now time.Time) int {
	dropped := 0
	for key, c := range b.circuits {
		if state, _ := b.observe(c, now); state == StateOpen {
			continue
		}
		if now.Sub(c.lastSeen) < b.cfg.Window {
			continue
		}
		delete(b.circuits, key)
		dropped++
	}
	b.lastSweep = now
	return dropped
}

// get returns the circuit for key, creating it. Caller holds mu.
func (b *Breaker) get(key circuitKey) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) notify(resourceID, class, reason string) {
	for _, fn := range b.onTrip {
		fn(resourceID, class, reason)
	}
}
