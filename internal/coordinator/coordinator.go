// Package coordinator wires the registry, breaker, governor, emergency override
// and polling controllers into the object the hosting application talks to.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/artifact"
	"github.com/stacklok/handshake-coordinator/internal/breaker"
	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/events"
	"github.com/stacklok/handshake-coordinator/internal/governor"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/poller"
	"github.com/stacklok/handshake-coordinator/internal/status"
	"github.com/stacklok/handshake-coordinator/internal/telemetry"
)

var (
	// ErrNotMonitored is returned for resources without a controller
	ErrNotMonitored = errors.New("resource is not monitored")

	// ErrAlreadyConnected is returned when refreshing a completed handshake
	ErrAlreadyConnected = errors.New("handshake already connected")

	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// Config holds the configuration of every component
type Config struct {
	Poller      poller.Config
	Registry    monitor.Config
	Breaker     breaker.Config
	MinInterval time.Duration
	Detector    emergency.DetectorConfig
}

type entry struct {
	ctrl *poller.Controller
	cfg  poller.Config
}

// Coordinator is the explicitly constructed root of the polling pipeline
type Coordinator struct {
	clock     clock.WithTicker
	cfg       Config
	fetcher   artifact.Fetcher
	blacklist monitor.Blacklist
	metrics   *telemetry.CoordinatorMetrics

	bus      *events.Bus
	override *emergency.Override
	registry *monitor.Registry
	breaker  *breaker.Breaker
	governor *governor.Governor

	mu          sync.Mutex
	controllers map[string]*entry
	closed      bool
}

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithClock sets the clock shared by every component
func WithClock(c clock.WithTicker) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithBlacklist sets the blacklist policy of the registry
func WithBlacklist(b monitor.Blacklist) Option {
	return func(co *Coordinator) {
		co.blacklist = b
	}
}

// WithMetrics sets the coordinator metrics
func WithMetrics(m *telemetry.CoordinatorMetrics) Option {
	return func(co *Coordinator) {
		co.metrics = m
	}
}

// WithBus sets the event bus used as status sink
func WithBus(b *events.Bus) Option {
	return func(co *Coordinator) {
		co.bus = b
	}
}

// New creates a coordinator with injected dependencies
func New(fetcher artifact.Fetcher, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:       clock.RealClock{},
		cfg:         cfg,
		fetcher:     fetcher,
		controllers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.bus == nil {
		c.bus = events.NewBus(events.WithClock(c.clock))
	}
	c.override = emergency.NewOverride(
		emergency.WithClock(c.clock),
		emergency.WithPublisher(c.bus),
	)
	c.override.OnTrip(c.abortAll)

	regOpts := []monitor.Option{monitor.WithClock(c.clock), monitor.WithGate(c.override)}
	if c.blacklist != nil {
		regOpts = append(regOpts, monitor.WithBlacklist(c.blacklist))
	}
	c.registry = monitor.NewRegistry(cfg.Registry, regOpts...)
	c.breaker = breaker.New(cfg.Breaker, breaker.WithClock(c.clock), breaker.WithTripHook(c.onCircuitOpen))
	c.governor = governor.New(governor.WithClock(c.clock), governor.WithMinInterval(cfg.MinInterval))

	c.bus.Subscribe(emergency.NewDetector(c.override, cfg.Detector, emergency.WithDetectorClock(c.clock)))
	if c.metrics != nil {
		c.bus.Subscribe(c.metrics)
	}
	return c
}

// StartOption configures a single StartMonitoring call
type StartOption func(*startOptions)

type startOptions struct {
	ownerID      string
	pollInterval time.Duration
}

// WithOwner sets the owner of the monitor record. Defaults to a random id.
func WithOwner(ownerID string) StartOption {
	return func(o *startOptions) {
		o.ownerID = ownerID
	}
}

// WithPollInterval sets the tick interval of the controller
func WithPollInterval(d time.Duration) StartOption {
	return func(o *startOptions) {
		o.pollInterval = d
	}
}

// StartMonitoring starts a controller for resourceID.
// Starting a resource that the same owner already polls is a no-op.
// Registration denials are returned unchanged so callers can match them with
// errors.Is against monitor.ErrRegistrationDenied or emergency.ErrEmergencyActive.
func (c *Coordinator) StartMonitoring(ctx context.Context, resourceID string, opts ...StartOption) (string, error) {
	if resourceID == "" {
		return "", errors.New("resource id is required")
	}

	so := &startOptions{}
	for _, opt := range opts {
		opt(so)
	}

	c.mu.Lock()
	if e, ok := c.controllers[resourceID]; ok && !e.ctrl.Finished() && (so.ownerID == "" || so.ownerID == e.ctrl.OwnerID()) {
		c.mu.Unlock()
		return e.ctrl.OwnerID(), nil
	}
	c.mu.Unlock()

	if so.ownerID == "" {
		so.ownerID = uuid.NewString()
	}
	pcfg := c.cfg.Poller
	if so.pollInterval > 0 {
		pcfg.TickInterval = so.pollInterval
	}

	if err := c.start(ctx, resourceID, so.ownerID, pcfg); err != nil {
		return "", err
	}
	return so.ownerID, nil
}

// start runs outside mu: registration publishes events that may trip the override
func (c *Coordinator) start(ctx context.Context, resourceID, ownerID string, pcfg poller.Config) error {
	ctrl := poller.New(resourceID, ownerID, c.fetcher, c.registry,
		poller.WithConfig(pcfg),
		poller.WithClock(c.clock),
		poller.WithBreaker(c.breaker),
		poller.WithGovernor(c.governor),
		poller.WithGate(c.override),
		poller.WithPublisher(c.bus),
		poller.WithMetrics(c.metrics),
	)
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ctrl.Stop()
		return ErrShuttingDown
	}
	c.controllers[resourceID] = &entry{ctrl: ctrl, cfg: pcfg}
	c.mu.Unlock()

	// the registration itself may have tripped the override
	if c.override.Active() {
		ctrl.Abort(poller.DetailEmergency)
		return emergency.ErrEmergencyActive
	}

	c.metrics.RecordActiveMonitors(ctx, c.registry.ActiveCount())
	return nil
}

// StopMonitoring stops the controller of resourceID and drops it
func (c *Coordinator) StopMonitoring(resourceID string) error {
	c.mu.Lock()
	e, ok := c.controllers[resourceID]
	delete(c.controllers, resourceID)
	c.mu.Unlock()

	if !ok {
		return ErrNotMonitored
	}
	e.ctrl.Stop()
	c.metrics.RecordActiveMonitors(context.Background(), c.registry.ActiveCount())
	return nil
}

// RefreshNow fetches the artifact of resourceID immediately.
// A controller that ended in the Error state is restarted for the same owner.
// Breaker and governor denials are returned as *poller.RateLimitedError.
func (c *Coordinator) RefreshNow(ctx context.Context, resourceID string) error {
	c.mu.Lock()
	e, ok := c.controllers[resourceID]
	c.mu.Unlock()
	if !ok {
		return ErrNotMonitored
	}

	if !e.ctrl.Finished() {
		return e.ctrl.RefreshNow(ctx)
	}

	if e.ctrl.State().Phase == status.ArtifactPhaseConnected {
		return ErrAlreadyConnected
	}
	slog.Info("Restarting failed controller on manual refresh",
		"resource_id", resourceID,
		"owner_id", e.ctrl.OwnerID())
	return c.start(ctx, resourceID, e.ctrl.OwnerID(), e.cfg)
}

// TripEmergency sets the emergency override
func (c *Coordinator) TripEmergency(reason string) bool {
	if reason == "" {
		reason = "manual"
	}
	return c.override.Trip(reason)
}

// ResetEmergency clears the emergency override. Stopped controllers stay stopped.
func (c *Coordinator) ResetEmergency() bool {
	return c.override.Reset()
}

// EmergencyState returns the state of the override
func (c *Coordinator) EmergencyState() emergency.State {
	return c.override.State()
}

// ResetCircuit closes the circuits of resourceID. Refused while the override is set.
func (c *Coordinator) ResetCircuit(resourceID string) error {
	if c.override.Active() {
		return fmt.Errorf("circuit reset of %s refused: %w", resourceID, emergency.ErrEmergencyActive)
	}
	c.breaker.Reset(resourceID)
	return nil
}

// GetArtifact returns the artifact state of resourceID
func (c *Coordinator) GetArtifact(resourceID string) (status.ArtifactState, error) {
	c.mu.Lock()
	e, ok := c.controllers[resourceID]
	c.mu.Unlock()
	if !ok {
		return status.ArtifactState{}, ErrNotMonitored
	}
	return e.ctrl.State(), nil
}

// CheckReadiness reports whether the coordinator accepts new work
func (c *Coordinator) CheckReadiness(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}
	return nil
}

// Subscribe adds an observer of the status events
func (c *Coordinator) Subscribe(s events.Subscriber) func() {
	return c.bus.Subscribe(s)
}

// Shutdown stops every controller and waits for their loops to exit
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	ctrls := make([]*poller.Controller, 0, len(c.controllers))
	for id, e := range c.controllers {
		ctrls = append(ctrls, e.ctrl)
		delete(c.controllers, id)
	}
	c.mu.Unlock()

	slog.Info("Stopping polling controllers", "count", len(ctrls))
	for _, ctrl := range ctrls {
		ctrl.Stop()
	}
	for _, ctrl := range ctrls {
		select {
		case <-ctrl.Done():
		case <-ctx.Done():
			return fmt.Errorf("failed to stop polling controllers: %w", ctx.Err())
		}
	}
	return nil
}

// abortAll stops every running controller after the override tripped
func (c *Coordinator) abortAll(reason string) {
	c.mu.Lock()
	ctrls := make([]*poller.Controller, 0, len(c.controllers))
	for _, e := range c.controllers {
		ctrls = append(ctrls, e.ctrl)
	}
	c.mu.Unlock()

	slog.Warn("Stopping all controllers", "reason", reason, "count", len(ctrls))
	for _, ctrl := range ctrls {
		ctrl.Abort(poller.DetailEmergency)
	}
	c.metrics.RecordActiveMonitors(context.Background(), c.registry.ActiveCount())
}

func (c *Coordinator) onCircuitOpen(resourceID, class, reason string) {
	detail := reason
	if class != "" {
		detail = fmt.Sprintf("%s (%s)", reason, class)
	}
	c.bus.Publish(events.Event{
		Type:       events.TypeCircuitOpen,
		ResourceID: resourceID,
		Detail:     detail,
	})
}

// ResourceStats describes a single resource
type ResourceStats struct {
	ResourceID    string                `json:"resourceId"`
	Monitor       *monitor.Record       `json:"monitor,omitempty"`
	Artifact      *status.ArtifactState `json:"artifact,omitempty"`
	Circuit       breaker.Snapshot      `json:"circuit"`
	NextAllowedAt time.Time             `json:"nextAllowedAt,omitzero"`
	Retries       int                   `json:"retries"`
}

// Stats is a snapshot of the coordinator
type Stats struct {
	ActiveCount int             `json:"activeCount"`
	Emergency   emergency.State `json:"emergency"`
	Resources   []ResourceStats `json:"perResourceDetail"`
}

// GetStats returns the active monitors and the detail of every known resource
func (c *Coordinator) GetStats() Stats {
	records := c.registry.List()

	c.mu.Lock()
	ctrls := make(map[string]*poller.Controller, len(c.controllers))
	for id, e := range c.controllers {
		ctrls[id] = e.ctrl
	}
	c.mu.Unlock()

	byID := make(map[string]*ResourceStats, len(records)+len(ctrls))
	get := func(id string) *ResourceStats {
		rs, ok := byID[id]
		if !ok {
			rs = &ResourceStats{ResourceID: id}
			byID[id] = rs
		}
		return rs
	}
	for _, rec := range records {
		get(rec.ResourceID).Monitor = &rec
	}
	for id, ctrl := range ctrls {
		rs := get(id)
		st := ctrl.State()
		rs.Artifact = &st
		rs.Retries = ctrl.Retries()
	}

	stats := Stats{
		ActiveCount: len(records),
		Emergency:   c.override.State(),
		Resources:   make([]ResourceStats, 0, len(byID)),
	}
	for id, rs := range byID {
		rs.Circuit = c.breaker.Snapshot(id)
		rs.NextAllowedAt = c.governor.NextAllowedAt(id)
		stats.Resources = append(stats.Resources, *rs)
	}
	sort.Slice(stats.Resources, func(i, j int) bool {
		return stats.Resources[i].ResourceID < stats.Resources[j].ResourceID
	})

	c.metrics.RecordActiveMonitors(context.Background(), stats.ActiveCount)
	return stats
}
