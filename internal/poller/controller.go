// Package poller drives the fetch loop of a single consumer of a resource.
//
// A Controller registers with the monitor registry, then ticks at a fixed
// period no shorter than the registry minimum. Every tick checks the emergency
// gate, its ownership, the artifact expiry and the scanning window before it
// consults the circuit breaker and the rate governor and finally fetches the
// artifact.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/artifact"
	"github.com/stacklok/handshake-coordinator/internal/breaker"
	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/events"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/status"
	"github.com/stacklok/handshake-coordinator/internal/telemetry"
)

// Caller classes passed to the breaker
const (
	ClassPoll   = "poll"
	ClassManual = "manual"
)

// ReasonMinInterval is the denial reason of the rate governor
const ReasonMinInterval = "min-interval"

// Error details of terminal states
const (
	DetailEmergency   = "emergency override active"
	DetailMonitorLost = "monitor record lost"
)

// Registry is the subset of the monitor registry used by a controller
type Registry interface {
	Register(resourceID, ownerID string, requestedInterval time.Duration) monitor.Result
	Unregister(resourceID, ownerID string) bool
	Owns(resourceID, ownerID string) bool
	Heartbeat(resourceID string) bool
	RecordError(resourceID string) bool
	RecordSuccess(resourceID string)
}

// Breaker is the subset of the circuit breaker used by a controller
type Breaker interface {
	Check(resourceID, class string) breaker.Decision
	ShouldAllow(resourceID, class string) breaker.Decision
	RecordOutcome(resourceID string, success bool)
}

// Governor is the subset of the rate governor used by a controller
type Governor interface {
	Allow(resourceID string) (bool, time.Duration)
	RecordAttempt(resourceID string)
}

// Gate reports whether the emergency override is set
type Gate interface {
	Active() bool
}

// Config holds the timings of a controller
type Config struct {
	// TickInterval is the fixed tick period, also requested as the poll interval of the record
	TickInterval time.Duration
	// ScanningWindow: an available artifact with at least this much lifetime left is not refreshed
	ScanningWindow time.Duration
	// FetchTimeout bounds every fetch
	FetchTimeout time.Duration
	// MaxRetries is the number of consecutive failures tolerated
	MaxRetries int
	// DefaultArtifactLifetime is applied to artifacts issued without expiry
	DefaultArtifactLifetime time.Duration
	// MaxBackoff caps the delay between fetches after failures
	MaxBackoff time.Duration
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:            5 * time.Second,
		ScanningWindow:          15 * time.Second,
		FetchTimeout:            10 * time.Second,
		MaxRetries:              5,
		DefaultArtifactLifetime: 60 * time.Second,
		MaxBackoff:              2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ScanningWindow <= 0 {
		c.ScanningWindow = d.ScanningWindow
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DefaultArtifactLifetime <= 0 {
		c.DefaultArtifactLifetime = d.DefaultArtifactLifetime
	}
	if c.MaxBackoff < c.TickInterval {
		c.MaxBackoff = max(d.MaxBackoff, c.TickInterval)
	}
	return c
}

// Controller polls the artifact of one resource on behalf of one owner
type Controller struct {
	resourceID string
	ownerID    string
	cfg        Config

	clock     clock.WithTicker
	fetcher   artifact.Fetcher
	registry  Registry
	breaker   Breaker
	governor  Governor
	gate      Gate
	publisher events.Publisher
	metrics   *telemetry.CoordinatorMetrics

	// tickMu serializes ticks of the loop and manual refreshes
	tickMu sync.Mutex

	mu          sync.Mutex
	state       status.ArtifactState
	retries     int
	nextFetchAt time.Time
	bo          *backoff.ExponentialBackOff
	finished    bool
	cancel      context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// Option is a function that configures the controller
type Option func(*Controller)

// WithConfig sets the controller timings. Zero values fall back to DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithClock sets the clock driving the ticker
func WithClock(clk clock.WithTicker) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithBreaker sets the circuit breaker consulted before every fetch
func WithBreaker(b Breaker) Option {
	return func(c *Controller) {
		c.breaker = b
	}
}

// WithGovernor sets the rate governor consulted before every fetch
func WithGovernor(g Governor) Option {
	return func(c *Controller) {
		c.governor = g
	}
}

// WithGate sets the emergency gate checked first on every tick
func WithGate(g Gate) Option {
	return func(c *Controller) {
		c.gate = g
	}
}

// WithPublisher sets the status sink
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// WithMetrics sets the coordinator metrics
func WithMetrics(m *telemetry.CoordinatorMetrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates a controller. It does nothing until Start is called.
func New(resourceID, ownerID string, fetcher artifact.Fetcher, registry Registry, opts ...Option) *Controller {
	c := &Controller{
		resourceID: resourceID,
		ownerID:    ownerID,
		cfg:        DefaultConfig(),
		clock:      clock.RealClock{},
		fetcher:    fetcher,
		registry:   registry,
		publisher:  events.Discard,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	c.state = status.NewLoadingState(c.clock.Now())

	c.bo = backoff.NewExponentialBackOff()
	c.bo.InitialInterval = c.cfg.TickInterval
	c.bo.MaxInterval = c.cfg.MaxBackoff
	c.bo.Multiplier = 2
	c.bo.RandomizationFactor = 0
	c.bo.Reset()
	return c
}

// ResourceID returns the polled resource
func (c *Controller) ResourceID() string {
	return c.resourceID
}

// OwnerID returns the owner the record is registered for
func (c *Controller) OwnerID() string {
	return c.ownerID
}

// Start registers the controller and begins ticking in the background.
// A rejected registration leaves the controller finished in the Error state
// and returns the denial.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.register(); err != nil {
		return err
	}

	// the loop outlives the caller's request
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		cancel()
		c.closeDone()
		return ErrStopped
	}
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

func (c *Controller) register() error {
	res := c.registry.Register(c.resourceID, c.ownerID, c.cfg.TickInterval)
	if !res.Accepted {
		reason := res.Denied.Reason
		c.setTerminal(status.ArtifactPhaseError, reason)
		c.closeDone()
		c.metrics.RecordDenial(context.Background(), reason)
		c.publish(events.TypeRegistrationDenied, reason)
		return res.Err()
	}

	// the record holds the interval clamped to the registry minimum
	c.mu.Lock()
	if res.Record.PollInterval > c.cfg.TickInterval {
		c.cfg.TickInterval = res.Record.PollInterval
		c.cfg.MaxBackoff = max(c.cfg.MaxBackoff, c.cfg.TickInterval)
		c.bo.InitialInterval = c.cfg.TickInterval
		c.bo.MaxInterval = c.cfg.MaxBackoff
		c.bo.Reset()
	}
	c.mu.Unlock()

	slog.Info("Polling started",
		"resource_id", c.resourceID,
		"owner_id", c.ownerID,
		"poll_interval", res.Record.PollInterval,
		"superseded", res.Superseded)
	c.publish(events.TypeRegistered, c.ownerID)
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.closeDone()

	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.runTick(ctx)
	for !c.Finished() {
		select {
		case <-ticker.C():
			c.runTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) runTick(ctx context.Context) {
	err := c.tick(ctx, false)
	switch {
	case err == nil, errors.Is(err, ErrRateLimited), errors.Is(err, ErrStopped):
	default:
		slog.Debug("Tick failed", "resource_id", c.resourceID, "error", err)
	}
}

// RefreshNow fetches immediately, bypassing the scanning window and the failure backoff.
// Breaker and governor denials are returned as *RateLimitedError.
func (c *Controller) RefreshNow(ctx context.Context) error {
	return c.tick(ctx, true)
}

// Stop unregisters and cancels the tick schedule. It is safe to call repeatedly
// and concurrently with an in-flight tick, whose result is then discarded.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.finished = true
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		} else {
			c.closeDone()
		}
		c.release("stopped")
	})
}

// Abort moves the controller to the Error state and stops it
func (c *Controller) Abort(detail string) {
	if c.setTerminal(status.ArtifactPhaseError, detail) {
		c.publish(events.TypeError, detail)
	}
	c.Stop()
}

// Done is closed once the tick loop exited
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Finished reports whether the controller stopped or reached a terminal state
func (c *Controller) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// State returns the artifact state as observed now
func (c *Controller) State() status.ArtifactState {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.state.Copy()
	out.Phase = out.EffectivePhase(now)
	return out
}

// Retries returns the number of consecutive failed fetches
func (c *Controller) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Controller) tick(ctx context.Context, manual bool) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if c.Finished() {
		return ErrStopped
	}

	if c.gate != nil && c.gate.Active() {
		c.Abort(DetailEmergency)
		return emergency.ErrEmergencyActive
	}

	if !c.registry.Owns(c.resourceID, c.ownerID) {
		slog.Warn("Monitor record lost, stopping",
			"resource_id", c.resourceID,
			"owner_id", c.ownerID)
		c.Abort(DetailMonitorLost)
		return ErrStopped
	}
	c.registry.Heartbeat(c.resourceID)

	now := c.clock.Now()
	if c.expire(now) {
		c.publish(events.TypeArtifactExpired, "")
	}

	c.mu.Lock()
	st := c.state
	nextFetchAt := c.nextFetchAt
	c.mu.Unlock()

	if !manual {
		if ttl, ok := st.TimeToExpiry(now); ok && st.Phase == status.ArtifactPhaseAvailable && ttl >= c.cfg.ScanningWindow {
			slog.Debug("Tick suppressed by scanning window",
				"resource_id", c.resourceID,
				"time_to_expiry", ttl)
			return nil
		}
		if now.Before(nextFetchAt) {
			return nil
		}
	}

	if err := c.admit(ctx, manual, now); err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	start := c.clock.Now()
	resp, err := c.fetcher.Fetch(fetchCtx, c.resourceID)
	cancel()
	elapsed := c.clock.Since(start)

	if c.Finished() {
		slog.Debug("Discarding fetch result of stopped controller", "resource_id", c.resourceID)
		return ErrStopped
	}
	if err != nil {
		c.metrics.RecordFetch(ctx, elapsed, telemetry.OutcomeFailure)
		return c.onFailure(err)
	}
	return c.onResponse(ctx, resp, elapsed)
}

// admit consults the breaker, then the governor, and records the attempt.
// Attempts the governor denies never reach the breaker's burst window.
func (c *Controller) admit(ctx context.Context, manual bool, now time.Time) error {
	class := ClassPoll
	if manual {
		class = ClassManual
	}

	if c.breaker != nil {
		if d := c.breaker.Check(c.resourceID, class); !d.Allowed {
			return c.rateLimited(ctx, d.Reason, d.RetryAt)
		}
	}
	if c.governor != nil {
		if ok, wait := c.governor.Allow(c.resourceID); !ok {
			return c.rateLimited(ctx, ReasonMinInterval, now.Add(wait))
		}
	}
	if c.breaker != nil {
		if d := c.breaker.ShouldAllow(c.resourceID, class); !d.Allowed {
			return c.rateLimited(ctx, d.Reason, d.RetryAt)
		}
	}
	if c.governor != nil {
		c.governor.RecordAttempt(c.resourceID)
	}
	return nil
}

func (c *Controller) rateLimited(ctx context.Context, reason string, retryAt time.Time) error {
	slog.Debug("Fetch rate limited",
		"resource_id", c.resourceID,
		"reason", reason,
		"retry_at", retryAt)
	c.metrics.RecordDenial(ctx, reason)
	c.publish(events.TypeRateLimited, reason)
	return &RateLimitedError{ResourceID: c.resourceID, Reason: reason, RetryAt: retryAt}
}

func (c *Controller) onResponse(ctx context.Context, resp *artifact.Response, elapsed time.Duration) error {
	now := c.clock.Now()
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrStopped
	}
	// under mu so a concurrent Stop cannot hand the record to another owner first
	c.registry.RecordSuccess(c.resourceID)
	c.retries = 0
	c.nextFetchAt = time.Time{}
	c.bo.Reset()
	c.mu.Unlock()

	if c.breaker != nil {
		c.breaker.RecordOutcome(c.resourceID, true)
	}

	switch resp.Status {
	case artifact.StatusConnected:
		c.metrics.RecordFetch(ctx, elapsed, telemetry.OutcomeConnected)
		if !c.setTerminal(status.ArtifactPhaseConnected, "") {
			return ErrStopped
		}
		slog.Info("Handshake connected", "resource_id", c.resourceID)
		c.publish(events.TypeConnected, "")
		c.Stop()

	case artifact.StatusReady:
		c.metrics.RecordFetch(ctx, elapsed, telemetry.OutcomeSuccess)
		expiresAt := now.Add(c.cfg.DefaultArtifactLifetime)
		if resp.ExpiresAt != nil {
			expiresAt = *resp.ExpiresAt
		}
		c.mu.Lock()
		if c.finished {
			c.mu.Unlock()
			return ErrStopped
		}
		c.state = status.ArtifactState{
			Payload:       resp.Payload,
			Phase:         status.ArtifactPhaseAvailable,
			ExpiresAt:     &expiresAt,
			LastUpdatedAt: now,
		}
		c.mu.Unlock()
		c.publish(events.TypeArtifactAvailable, expiresAt.UTC().Format(time.RFC3339))

	default:
		c.metrics.RecordFetch(ctx, elapsed, telemetry.OutcomeSuccess)
		c.mu.Lock()
		if !c.finished && c.state.Phase != status.ArtifactPhaseLoading {
			c.state = status.NewLoadingState(now)
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) onFailure(fetchErr error) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrStopped
	}
	keep := c.registry.RecordError(c.resourceID)
	c.retries++
	retries := c.retries
	var delay time.Duration
	if keep && retries <= c.cfg.MaxRetries {
		delay = c.bo.NextBackOff()
		c.nextFetchAt = c.clock.Now().Add(delay)
	}
	c.mu.Unlock()

	if c.breaker != nil {
		c.breaker.RecordOutcome(c.resourceID, false)
	}
	if c.Finished() {
		return ErrStopped
	}

	if !keep || retries > c.cfg.MaxRetries {
		detail := fmt.Sprintf("giving up after %d consecutive failures: %v", retries, fetchErr)
		slog.Error("Polling failed permanently",
			"resource_id", c.resourceID,
			"retries", retries,
			"registry_stop", !keep,
			"error", fetchErr)
		c.Abort(detail)
		return fmt.Errorf("%w: %s", ErrTerminalFailure, detail)
	}

	slog.Warn("Artifact fetch failed",
		"resource_id", c.resourceID,
		"retries", retries,
		"next_attempt_in", delay,
		"error", fetchErr)
	return fmt.Errorf("failed to fetch artifact: %w", fetchErr)
}

// expire moves an Available artifact past its expiry to Expired
func (c *Controller) expire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != status.ArtifactPhaseAvailable || !c.state.IsExpiredAt(now) {
		return false
	}
	c.state.Phase = status.ArtifactPhaseExpired
	c.state.LastUpdatedAt = now
	return true
}

// setTerminal records a terminal phase unless the controller already stopped
// or recorded one
func (c *Controller) setTerminal(phase status.ArtifactPhase, detail string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.state.Phase.IsTerminal() {
		return false
	}
	c.state = status.ArtifactState{
		Phase:         phase,
		LastUpdatedAt: now,
		ErrorDetail:   detail,
	}
	c.finished = true
	return true
}

func (c *Controller) release(detail string) {
	if c.registry.Unregister(c.resourceID, c.ownerID) {
		slog.Info("Polling stopped",
			"resource_id", c.resourceID,
			"owner_id", c.ownerID,
			"reason", detail)
		c.publish(events.TypeUnregistered, detail)
	}
}

func (c *Controller) publish(t events.Type, detail string) {
	c.publisher.Publish(events.Event{
		Type:       t,
		ResourceID: c.resourceID,
		Timestamp:  c.clock.Now(),
		Detail:     detail,
	})
}

func (c *Controller) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
