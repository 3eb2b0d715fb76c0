// Package emergency provides the process-wide kill switch for polling and its automatic trigger.
package emergency

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/events"
)

// ErrEmergencyActive is returned by operations refused while the override is set
var ErrEmergencyActive = errors.New("emergency override active")

// State is a snapshot of the override
type State struct {
	Active     bool      `json:"active"`
	Reason     string    `json:"reason,omitempty"`
	LastToggle time.Time `json:"lastToggle,omitzero"`
	TripCount  int       `json:"tripCount"`
}

// Override is the process-wide emergency flag.
// Tripping it makes every registration fail and stops every controller;
// resetting it never restarts anything.
type Override struct {
	mu         sync.Mutex
	clock      clock.PassiveClock
	publisher  events.Publisher
	active     bool
	reason     string
	lastToggle time.Time
	tripCount  int
	hooks      []func(reason string)
}

// Option is a function that configures the override
type Option func(*Override)

// WithClock sets the clock of the override
func WithClock(c clock.PassiveClock) Option {
	return func(o *Override) {
		o.clock = c
	}
}

// WithPublisher sets the sink receiving emergency events
func WithPublisher(p events.Publisher) Option {
	return func(o *Override) {
		o.publisher = p
	}
}

// NewOverride creates an inactive override
func NewOverride(opts ...Option) *Override {
	o := &Override{
		clock:     clock.RealClock{},
		publisher: events.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnTrip registers a hook called after every trip, outside any lock
func (o *Override) OnTrip(fn func(reason string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Trip sets the flag. It returns false if the flag was already set.
func (o *Override) Trip(reason string) bool {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return false
	}
	now := o.clock.Now()
	o.active = true
	o.reason = reason
	o.lastToggle = now
	o.tripCount++
	hooks := make([]func(string), len(o.hooks))
	copy(hooks, o.hooks)
	o.mu.Unlock()

	slog.Warn("Emergency override tripped", "reason", reason)
	o.publisher.Publish(events.Event{
		Type:      events.TypeEmergencyTripped,
		Timestamp: now,
		Detail:    reason,
	})
	for _, fn := range hooks {
		fn(reason)
	}
	return true
}

// Reset clears the flag. It returns false if the flag was not set.
func (o *Override) Reset() bool {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return false
	}
	now := o.clock.Now()
	reason := o.reason
	o.active = false
	o.reason = ""
	o.lastToggle = now
	o.mu.Unlock()

	slog.Info("Emergency override reset", "previous_reason", reason)
	o.publisher.Publish(events.Event{
		Type:      events.TypeEmergencyReset,
		Timestamp: now,
	})
	return true
}

// Active reports whether the flag is set
func (o *Override) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// State returns a snapshot of the override
func (o *Override) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Active:     o.active,
		Reason:     o.reason,
		LastToggle: o.lastToggle,
		TripCount:  o.tripCount,
	}
}
