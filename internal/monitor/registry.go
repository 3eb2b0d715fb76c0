// Package monitor tracks which owner is polling which resource.
//
// The Registry guarantees at most one active record per resource. A record
// held by another owner can only be superseded once it went stale, and
// registrations are throttled per resource with an exponentially growing
// cooldown.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/emergency"
)

// Denial reasons
const (
	ReasonEmergencyActive = "emergency-active"
	ReasonBlacklisted     = "blacklisted"
	ReasonDuplicateOwner  = "duplicate-owner"
	ReasonCooldown        = "registration-cooldown"
)

// staleFactor is the number of poll intervals without activity after which a record is stale
const staleFactor = 3

// ErrRegistrationDenied is matched by every registration rejection except the emergency one
var ErrRegistrationDenied = errors.New("registration denied")

// DeniedError describes a rejected registration
type DeniedError struct {
	ResourceID string
	Reason     string
	// Existing is the record of the current owner for ReasonDuplicateOwner
	Existing *Record
	// RetryAt is set for ReasonCooldown
	RetryAt time.Time
}

func (e *DeniedError) Error() string {
	if e.Reason == ReasonCooldown {
		return fmt.Sprintf("registration of %s denied: %s until %s", e.ResourceID, e.Reason, e.RetryAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("registration of %s denied: %s", e.ResourceID, e.Reason)
}

// Unwrap returns the sentinel matching the denial
func (e *DeniedError) Unwrap() error {
	if e.Reason == ReasonEmergencyActive {
		return emergency.ErrEmergencyActive
	}
	return ErrRegistrationDenied
}

// Gate reports whether registrations are globally disabled
type Gate interface {
	Active() bool
}

// Record is the registration of an owner polling a resource
type Record struct {
	ResourceID           string        `json:"resourceId"`
	OwnerID              string        `json:"ownerId"`
	RegisteredAt         time.Time     `json:"registeredAt"`
	LastActivityAt       time.Time     `json:"lastActivityAt"`
	PollInterval         time.Duration `json:"pollInterval"`
	ErrorCount           int           `json:"errorCount"`
	MaxErrors            int           `json:"maxErrors"`
	RegistrationAttempts int           `json:"registrationAttempts"`
	LastRegistrationAt   time.Time     `json:"lastRegistrationAt"`
}

// IsStale reports whether the owner stopped showing activity
func (r Record) IsStale(now time.Time) bool {
	return now.Sub(r.LastActivityAt) > staleFactor*r.PollInterval
}

// Result is the outcome of Register
type Result struct {
	Accepted bool
	Record   Record
	// Superseded is true when a stale record of another owner was replaced
	Superseded bool
	Denied     *DeniedError
}

// Err returns the denial as an error, nil when accepted
func (r Result) Err() error {
	if r.Denied == nil {
		return nil
	}
	return r.Denied
}

// Config holds the registry limits
type Config struct {
	// MinPollInterval is the lower bound of the poll interval of a record
	MinPollInterval time.Duration
	// MaxErrors is the number of consecutive errors after which a record is dropped
	MaxErrors int
	// MaxAttempts is the number of registrations allowed per cooldown window
	MaxAttempts int
	// CooldownWindow is the initial registration window
	CooldownWindow time.Duration
	// MaxCooldown caps the window after repeated lockouts
	MaxCooldown time.Duration
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		MinPollInterval: 5 * time.Second,
		MaxErrors:       5,
		MaxAttempts:     5,
		CooldownWindow:  30 * time.Second,
		MaxCooldown:     8 * time.Minute,
	}
}

type attemptWindow struct {
	count     int
	last      time.Time
	cooldown  time.Duration
	lockedOut bool
	bo        *backoff.ExponentialBackOff
}

// Registry is the set of monitor records
type Registry struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	cfg       Config
	gate      Gate
	blacklist Blacklist
	records   map[string]*Record
	attempts  map[string]*attemptWindow
	lastSweep time.Time
}

// Option is a function that configures the registry
type Option func(*Registry)

// WithClock sets the clock of the registry
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithGate sets the emergency gate checked on every registration
func WithGate(g Gate) Option {
	return func(r *Registry) {
		r.gate = g
	}
}

// WithBlacklist sets the blacklist policy
func WithBlacklist(b Blacklist) Option {
	return func(r *Registry) {
		r.blacklist = b
	}
}

// NewRegistry creates an empty registry. Zero values in cfg fall back to DefaultConfig.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	defaults := DefaultConfig()
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = defaults.MinPollInterval
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaults.MaxErrors
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = defaults.CooldownWindow
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = defaults.MaxCooldown
	}
	if cfg.MaxCooldown < cfg.CooldownWindow {
		cfg.MaxCooldown = cfg.CooldownWindow
	}

	r := &Registry{
		clock:    clock.RealClock{},
		cfg:      cfg,
		records:  make(map[string]*Record),
		attempts: make(map[string]*attemptWindow),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep = r.clock.Now()
	return r
}

// Register claims resourceID for ownerID.
// It is rejected when the emergency gate is set, the resource is blacklisted,
// the registration budget of the current window is spent, or another owner
// holds a record that is not stale.
func (r *Registry) Register(resourceID, ownerID string, requestedInterval time.Duration) Result {
	if r.gate != nil && r.gate.Active() {
		return r.deny(&DeniedError{ResourceID: resourceID, Reason: ReasonEmergencyActive})
	}
	if r.blacklist != nil && r.blacklist.Contains(resourceID) {
		return r.deny(&DeniedError{ResourceID: resourceID, Reason: ReasonBlacklisted})
	}

	now := r.clock.Now()

	r.mu.Lock()
	if now.Sub(r.lastSweep) >= r.cfg.CooldownWindow {
		r.pruneAttempts(now)
	}
	w := r.window(resourceID, now)
	if w.count >= r.cfg.MaxAttempts {
		w.lockedOut = true
		retryAt := w.last.Add(w.cooldown)
		r.mu.Unlock()
		return r.deny(&DeniedError{ResourceID: resourceID, Reason: ReasonCooldown, RetryAt: retryAt})
	}

	superseded := false
	if existing, ok := r.records[resourceID]; ok && existing.OwnerID != ownerID {
		if !existing.IsStale(now) {
			cp := *existing
			r.mu.Unlock()
			return r.deny(&DeniedError{ResourceID: resourceID, Reason: ReasonDuplicateOwner, Existing: &cp})
		}
		superseded = true
		slog.Info("Superseding stale monitor",
			"resource_id", resourceID,
			"previous_owner", existing.OwnerID,
			"last_activity", existing.LastActivityAt)
	}

	interval := max(requestedInterval, r.cfg.MinPollInterval)
	w.count++
	w.last = now

	rec := &Record{
		ResourceID:           resourceID,
		OwnerID:              ownerID,
		RegisteredAt:         now,
		LastActivityAt:       now,
		PollInterval:         interval,
		MaxErrors:            r.cfg.MaxErrors,
		RegistrationAttempts: w.count,
		LastRegistrationAt:   now,
	}
	r.records[resourceID] = rec
	out := *rec
	r.mu.Unlock()

	slog.Debug("Monitor registered",
		"resource_id", resourceID,
		"owner_id", ownerID,
		"poll_interval", interval,
		"attempts", out.RegistrationAttempts)

	return Result{Accepted: true, Record: out, Superseded: superseded}
}

// window returns the attempt window of the resource, rolling it over when it expired. Caller holds mu.
func (r *Registry) window(resourceID string, now time.Time) *attemptWindow {
	w, ok := r.attempts[resourceID]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = r.cfg.CooldownWindow
		bo.MaxInterval = r.cfg.MaxCooldown
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		bo.Reset()
		w = &attemptWindow{bo: bo, cooldown: bo.NextBackOff()}
		r.attempts[resourceID] = w
		return w
	}

	if w.count > 0 && now.Sub(w.last) >= w.cooldown {
		if w.lockedOut {
			w.cooldown = w.bo.NextBackOff()
		} else {
			w.bo.Reset()
			w.cooldown = w.bo.NextBackOff()
		}
		w.count = 0
		w.lockedOut = false
	}
	return w
}

// PruneAttempts drops the registration windows that no longer limit anything
// and returns how many were dropped. A window that ended cleanly is dropped
// once it expired; one that ended in a lockout is kept while its escalation
// could still apply.
func (r *Registry) PruneAttempts() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneAttempts(now)
}

// TrackedAttempts returns the number of resources with a registration window
func (r *Registry) TrackedAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

// pruneAttempts is PruneAttempts with mu held
func (r *Registry) pruneAttempts(now time.Time) int {
	dropped := 0
	for id, w := range r.attempts {
		idle := now.Sub(w.last)
		if w.lockedOut && idle < w.cooldown+r.cfg.MaxCooldown {
			continue
		}
		if idle < w.cooldown {
			continue
		}
		delete(r.attempts, id)
		dropped++
	}
	r.lastSweep = now
	return dropped
}

func (*Registry) deny(d *DeniedError) Result {
	slog.Warn("Monitor registration denied",
		"resource_id", d.ResourceID,
		"reason", d.Reason)
	return Result{Denied: d}
}

// Unregister removes the record of resourceID if ownerID holds it.
// It returns true when a record was removed.
func (r *Registry) Unregister(resourceID, ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceID]
	if !ok || rec.OwnerID != ownerID {
		return false
	}
	delete(r.records, resourceID)
	return true
}

// Heartbeat refreshes the activity time of the record
func (r *Registry) Heartbeat(resourceID string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceID]
	if !ok {
		return false
	}
	rec.LastActivityAt = now
	return true
}

// RecordError counts a failure of the record's owner.
// It returns false, after removing the record, once the error budget is spent,
// and false when there is no record.
func (r *Registry) RecordError(resourceID string) bool {
	r.mu.Lock()
	rec, ok := r.records[resourceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rec.ErrorCount++
	if rec.ErrorCount < rec.MaxErrors {
		r.mu.Unlock()
		return true
	}
	delete(r.records, resourceID)
	count, owner := rec.ErrorCount, rec.OwnerID
	r.mu.Unlock()

	slog.Warn("Monitor removed after repeated errors",
		"resource_id", resourceID,
		"owner_id", owner,
		"error_count", count)
	return false
}

// RecordSuccess resets the consecutive error count of the record
func (r *Registry) RecordSuccess(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[resourceID]; ok {
		rec.ErrorCount = 0
	}
}

// Owns reports whether ownerID holds the record of resourceID
func (r *Registry) Owns(resourceID, ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceID]
	return ok && rec.OwnerID == ownerID
}

// IsActive reports whether resourceID has a record
func (r *Registry) IsActive(resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.records[resourceID]
	return ok
}

// Get returns a copy of the record of resourceID
func (r *Registry) Get(resourceID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records sorted by resource id
func (r *Registry) List() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// ActiveCount returns the number of records
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
