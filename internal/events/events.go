// Package events provides the one-way status sink of the coordinator.
//
// Components publish typed events to a Bus; subscribers observe them but
// cannot influence the publisher. Events can be converted to CloudEvents for
// delivery outside the process.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Type identifies the kind of event
type Type string

// Event types
const (
	TypeRegistered         Type = "registered"
	TypeRegistrationDenied Type = "registration_denied"
	TypeUnregistered       Type = "unregistered"
	TypeArtifactAvailable  Type = "artifact_available"
	TypeArtifactExpired    Type = "artifact_expired"
	TypeConnected          Type = "connected"
	TypeError              Type = "error"
	TypeRateLimited        Type = "rate_limited"
	TypeCircuitOpen        Type = "circuit_open"
	TypeEmergencyTripped   Type = "emergency_tripped"
	TypeEmergencyReset     Type = "emergency_reset"
)

// AllTypes lists every event type in a stable order
var AllTypes = []Type{
	TypeRegistered,
	TypeRegistrationDenied,
	TypeUnregistered,
	TypeArtifactAvailable,
	TypeArtifactExpired,
	TypeConnected,
	TypeError,
	TypeRateLimited,
	TypeCircuitOpen,
	TypeEmergencyTripped,
	TypeEmergencyReset,
}

// Event is a status notification. ResourceID is empty for process-wide events.
type Event struct {
	Type       Type      `json:"type"`
	ResourceID string    `json:"resourceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Detail     string    `json:"detail,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Subscriber observes events
//
//go:generate mockgen -destination=mocks/mock_subscriber.go -package=mocks github.com/stacklok/handshake-coordinator/internal/events Subscriber
type Subscriber interface {
	OnEvent(e Event)
}

// SubscriberFunc adapts a function to a Subscriber
type SubscriberFunc func(e Event)

// OnEvent calls f(e)
func (f SubscriberFunc) OnEvent(e Event) {
	f(e)
}

// Bus fans out published events to its subscribers synchronously.
// Subscribers are called without any lock held and in subscription order.
type Bus struct {
	mu     sync.RWMutex
	clock  clock.PassiveClock
	nextID int
	subs   map[int]Subscriber
	order  []int
}

// BusOption is a function that configures the bus
type BusOption func(*Bus)

// WithClock sets the clock used to stamp events without a timestamp
func WithClock(c clock.PassiveClock) BusOption {
	return func(b *Bus) {
		b.clock = c
	}
}

// NewBus creates an event bus
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		clock: clock.RealClock{},
		subs:  make(map[int]Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a subscriber and returns a function removing it
func (b *Bus) Subscribe(s Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every subscriber. A panicking subscriber is logged and skipped.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, e)
	}
}

func deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event subscriber panicked",
				"event_type", e.Type,
				"resource_id", e.ResourceID,
				"panic", r)
		}
	}()
	s.OnEvent(e)
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// LogSubscriber logs every event at debug level, errors and trips at warn level
type LogSubscriber struct{}

// OnEvent logs e
func (LogSubscriber) OnEvent(e Event) {
	level := slog.LevelDebug
	switch e.Type {
	case TypeError, TypeCircuitOpen, TypeEmergencyTripped, TypeRegistrationDenied:
		level = slog.LevelWarn
	case TypeConnected, TypeEmergencyReset:
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "Status event",
		"event_type", e.Type,
		"resource_id", e.ResourceID,
		"detail", e.Detail)
}
