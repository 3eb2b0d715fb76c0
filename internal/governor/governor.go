// Package governor enforces a minimum spacing between fetch attempts for a resource.
package governor

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultMinInterval is the spacing applied when none is configured
const DefaultMinInterval = 10 * time.Second

// sweepInterval is how often RecordAttempt drops elapsed entries
const sweepInterval = time.Minute

// Governor tracks the earliest time the next fetch attempt is permitted per resource.
// Attempts are recorded regardless of outcome.
type Governor struct {
	mu          sync.Mutex
	clock       clock.PassiveClock
	minInterval time.Duration
	next        map[string]time.Time
	lastSweep   time.Time
}

// Option is a function that configures the governor
type Option func(*Governor)

// WithClock sets the clock used to compute attempt times
func WithClock(c clock.PassiveClock) Option {
	return func(g *Governor) {
		g.clock = c
	}
}

// WithMinInterval sets the minimum spacing between attempts
func WithMinInterval(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.minInterval = d
		}
	}
}

// New creates a governor
func New(opts ...Option) *Governor {
	g := &Governor{
		clock:       clock.RealClock{},
		minInterval: DefaultMinInterval,
		next:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastSweep = g.clock.Now()
	return g
}

// MinInterval returns the configured spacing
func (g *Governor) MinInterval() time.Duration {
	return g.minInterval
}

// NextAllowedAt returns the earliest time the next attempt is permitted.
// The zero time means no attempt was recorded.
func (g *Governor) NextAllowedAt(resourceID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next[resourceID]
}

// RecordAttempt marks an attempt at the current time
func (g *Governor) RecordAttempt(resourceID string) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.lastSweep) >= sweepInterval {
		g.prune(now)
	}
	g.next[resourceID] = now.Add(g.minInterval)
}

// Allow reports whether an attempt is permitted now and, if not, how long to wait.
// It does not record an attempt.
func (g *Governor) Allow(resourceID string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next, ok := g.next[resourceID]
	if !ok {
		return true, 0
	}
	now := g.clock.Now()
	if now.Before(next) {
		return false, next.Sub(now)
	}
	return true, 0
}

// Prune drops the entries whose spacing already elapsed and returns how many
// were dropped. An elapsed entry allows the next attempt like a missing one.
func (g *Governor) Prune() int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prune(now)
}

// Len returns the number of tracked resources
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.next)
}

// prune is Prune with mu held
func (g *Governor) prune(now time.Time) int {
	dropped := 0
	for id, next := range g.next {
		if !now.Before(next) {
			delete(g.next, id)
			dropped++
		}
	}
	g.lastSweep = now
	return dropped
}
