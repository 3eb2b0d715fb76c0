package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/handshake-coordinator/internal/artifact"
	"github.com/stacklok/handshake-coordinator/internal/artifact/mocks"
	"github.com/stacklok/handshake-coordinator/internal/breaker"
	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/events"
	"github.com/stacklok/handshake-coordinator/internal/governor"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/status"
)

const resID = "res-1"

var t0 = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(t events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	clock    *clocktesting.FakeClock
	registry *monitor.Registry
	breaker  *breaker.Breaker
	governor *governor.Governor
	gate     *emergency.Override
	fetcher  *mocks.MockFetcher
	pub      *recordingPublisher
}

func newHarness(t *testing.T, minInterval time.Duration) *harness {
	t.Helper()

	fc := clocktesting.NewFakeClock(t0)
	pub := &recordingPublisher{}
	gate := emergency.NewOverride(emergency.WithClock(fc), emergency.WithPublisher(pub))
	return &harness{
		clock:    fc,
		registry: monitor.NewRegistry(monitor.Config{}, monitor.WithClock(fc), monitor.WithGate(gate)),
		breaker:  breaker.New(breaker.Config{}, breaker.WithClock(fc)),
		governor: governor.New(governor.WithClock(fc), governor.WithMinInterval(minInterval)),
		gate:     gate,
		fetcher:  mocks.NewMockFetcher(gomock.NewController(t)),
		pub:      pub,
	}
}

func (h *harness) controller(owner string) *Controller {
	return New(resID, owner, h.fetcher, h.registry,
		WithClock(h.clock),
		WithBreaker(h.breaker),
		WithGovernor(h.governor),
		WithGate(h.gate),
		WithPublisher(h.pub),
	)
}

// registered returns a controller that holds the record without a running loop
func (h *harness) registered(t *testing.T) *Controller {
	t.Helper()
	c := h.controller("owner-a")
	require.NoError(t, c.register())
	return c
}

func ready(payload string, expiresAt time.Time) *artifact.Response {
	return &artifact.Response{Status: artifact.StatusReady, Payload: payload, ExpiresAt: &expiresAt}
}

func TestController_StartDeniedForSecondOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.registered(t)

	second := h.controller("owner-b")
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrRegistrationDenied)

	var denied *monitor.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, monitor.ReasonDuplicateOwner, denied.Reason)
	assert.Equal(t, "owner-a", denied.Existing.OwnerID)

	state := second.State()
	assert.Equal(t, status.ArtifactPhaseError, state.Phase)
	assert.Equal(t, monitor.ReasonDuplicateOwner, state.ErrorDetail)
	assert.True(t, second.Finished())
	assert.Equal(t, 1, h.pub.count(events.TypeRegistrationDenied))
	assert.True(t, h.registry.Owns(resID, "owner-a"), "the first owner keeps the record")

	select {
	case <-second.Done():
	default:
		t.Fatal("done must be closed after a denied start")
	}
}

func TestController_StartDeniedDuringEmergency(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.gate.Trip("test")

	err := h.controller("owner-a").Start(context.Background())
	assert.ErrorIs(t, err, emergency.ErrEmergencyActive)
	assert.False(t, h.registry.IsActive(resID))
}

func TestController_ScanningWindowSuppressesTicksButNotManualRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5*time.Second)
	c := h.registered(t)
	ctx := context.Background()

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(ready("code-1", t0.Add(20*time.Second)), nil)
	require.NoError(t, c.tick(ctx, false))

	state := c.State()
	assert.Equal(t, status.ArtifactPhaseAvailable, state.Phase)
	assert.Equal(t, "code-1", state.Payload)
	assert.Equal(t, 1, h.pub.count(events.TypeArtifactAvailable))

	// 15s left of the artifact: the scheduled tick does not fetch
	h.clock.Step(5 * time.Second)
	require.NoError(t, c.tick(ctx, false))

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(ready("code-2", t0.Add(80*time.Second)), nil)
	require.NoError(t, c.RefreshNow(ctx))
	assert.Equal(t, "code-2", c.State().Payload)
}

func TestController_ExpiryReArmsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)
	ctx := context.Background()

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(ready("code", t0.Add(30*time.Second)), nil)
	require.NoError(t, c.tick(ctx, false))

	h.clock.Step(31 * time.Second)
	assert.Equal(t, status.ArtifactPhaseExpired, c.State().Phase, "expiry is observable before the next tick")

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(&artifact.Response{Status: artifact.StatusPending}, nil)
	require.NoError(t, c.tick(ctx, false))

	assert.Equal(t, 1, h.pub.count(events.TypeArtifactExpired))
	state := c.State()
	assert.Equal(t, status.ArtifactPhaseLoading, state.Phase)
	assert.Empty(t, state.Payload)
}

func TestController_ArtifactWithoutExpiryGetsDefaultLifetime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(&artifact.Response{Status: artifact.StatusReady, Payload: "code"}, nil)
	require.NoError(t, c.tick(context.Background(), false))

	state := c.State()
	require.NotNil(t, state.ExpiresAt)
	assert.Equal(t, t0.Add(DefaultConfig().DefaultArtifactLifetime), *state.ExpiresAt)
}

func TestController_ConnectedStopsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)
	ctx := context.Background()

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(&artifact.Response{Status: artifact.StatusConnected}, nil).Times(1)
	require.NoError(t, c.tick(ctx, false))

	assert.Equal(t, status.ArtifactPhaseConnected, c.State().Phase)
	assert.True(t, c.Finished())
	assert.False(t, h.registry.IsActive(resID))
	assert.Equal(t, 1, h.pub.count(events.TypeConnected))
	assert.Equal(t, 1, h.pub.count(events.TypeUnregistered))

	h.clock.Step(time.Minute)
	assert.ErrorIs(t, c.tick(ctx, false), ErrStopped)
	assert.ErrorIs(t, c.RefreshNow(ctx), ErrStopped)
}

func TestController_RepeatedFailuresAreTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)
	ctx := context.Background()
	maxErrors := monitor.DefaultConfig().MaxErrors

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(nil, errors.New("connection reset")).Times(maxErrors)

	for i := 1; i < maxErrors; i++ {
		err := c.tick(ctx, false)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTerminalFailure)
		assert.Equal(t, i, c.Retries())
		assert.Equal(t, status.ArtifactPhaseLoading, c.State().Phase)
		h.clock.Step(DefaultConfig().MaxBackoff)
	}

	err := c.tick(ctx, false)
	assert.ErrorIs(t, err, ErrTerminalFailure)

	state := c.State()
	assert.Equal(t, status.ArtifactPhaseError, state.Phase)
	assert.Contains(t, state.ErrorDetail, "connection reset")
	assert.False(t, h.registry.IsActive(resID))
	assert.True(t, c.Finished())
	assert.Equal(t, 1, h.pub.count(events.TypeError))
}

func TestController_OpenBreakerPreventsFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)
	ctx := context.Background()

	for range breaker.DefaultConfig().FailureThreshold {
		h.breaker.RecordOutcome(resID, false)
	}

	for _, manual := range []bool{false, true} {
		err := c.tick(ctx, manual)
		var rl *RateLimitedError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, breaker.ReasonCircuitOpen, rl.Reason)
		assert.Equal(t, t0.Add(breaker.DefaultConfig().Cooldown), rl.RetryAt)
		h.clock.Step(10 * time.Second)
	}
	assert.Equal(t, 2, h.pub.count(events.TypeRateLimited))
	assert.Equal(t, status.ArtifactPhaseLoading, c.State().Phase, "denials are not failures")

	h.clock.SetTime(t0.Add(breaker.DefaultConfig().Cooldown))
	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(&artifact.Response{Status: artifact.StatusPending}, nil)
	require.NoError(t, c.tick(ctx, false))
}

func TestController_GovernorSpacesFetches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)
	ctx := context.Background()

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(&artifact.Response{Status: artifact.StatusPending}, nil).Times(2)
	require.NoError(t, c.tick(ctx, false))

	h.clock.Step(5 * time.Second)
	err := c.RefreshNow(ctx)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ReasonMinInterval, rl.Reason)
	assert.Equal(t, t0.Add(10*time.Second), rl.RetryAt)
	assert.ErrorIs(t, err, ErrRateLimited)

	h.clock.Step(5 * time.Second)
	require.NoError(t, c.tick(ctx, false))
}

func TestController_FailureBackoffSkipsTicks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	c := h.registered(t)
	ctx := context.Background()

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(nil, errors.New("timeout")).Times(2)
	require.Error(t, c.tick(ctx, false))

	// first backoff equals the tick interval
	h.clock.Step(DefaultConfig().TickInterval)
	require.Error(t, c.tick(ctx, false))

	// second backoff is twice as long
	h.clock.Step(DefaultConfig().TickInterval)
	require.NoError(t, c.tick(ctx, false), "tick inside the backoff is skipped")

	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(&artifact.Response{Status: artifact.StatusPending}, nil)
	require.NoError(t, c.RefreshNow(ctx), "manual refresh bypasses the backoff")
	assert.Equal(t, 0, c.Retries())
}

func TestController_EmergencyStopsOnNextTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)
	ctx := context.Background()

	h.gate.Trip("runaway")
	assert.ErrorIs(t, c.tick(ctx, false), emergency.ErrEmergencyActive)

	state := c.State()
	assert.Equal(t, status.ArtifactPhaseError, state.Phase)
	assert.Equal(t, DetailEmergency, state.ErrorDetail)
	assert.False(t, h.registry.IsActive(resID))

	h.gate.Reset()
	assert.ErrorIs(t, c.tick(ctx, false), ErrStopped, "reset does not resurrect a stopped controller")
	assert.False(t, h.registry.IsActive(resID))
}

func TestController_LostRecordStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)

	require.True(t, h.registry.Unregister(resID, "owner-a"))
	assert.ErrorIs(t, c.tick(context.Background(), false), ErrStopped)

	state := c.State()
	assert.Equal(t, status.ArtifactPhaseError, state.Phase)
	assert.Equal(t, DetailMonitorLost, state.ErrorDetail)
}

func TestController_StopDuringFetchDiscardsResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := h.registered(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).DoAndReturn(func(context.Context, string) (*artifact.Response, error) {
		close(started)
		<-release
		return ready("late", t0.Add(time.Minute)), nil
	})

	result := make(chan error, 1)
	go func() { result <- c.tick(context.Background(), false) }()

	<-started
	c.Stop()
	c.Stop()
	close(release)

	assert.ErrorIs(t, <-result, ErrStopped)
	state := c.State()
	assert.Equal(t, status.ArtifactPhaseLoading, state.Phase)
	assert.Empty(t, state.Payload)
	assert.False(t, h.registry.IsActive(resID))
	assert.Equal(t, 1, h.pub.count(events.TypeUnregistered))
	assert.Zero(t, h.pub.count(events.TypeArtifactAvailable))
}

func TestController_LoopTicksOnSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5*time.Second)
	c := h.controller("owner-a")

	var fetches atomic.Int32
	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).DoAndReturn(func(context.Context, string) (*artifact.Response, error) {
		fetches.Add(1)
		return &artifact.Response{Status: artifact.StatusPending}, nil
	}).AnyTimes()

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, h.pub.count(events.TypeRegistered))

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond, "first tick runs immediately")
	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)

	h.clock.Step(DefaultConfig().TickInterval)
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, time.Second, time.Millisecond)

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after Stop")
	}
	assert.False(t, h.registry.IsActive(resID))
}

func TestController_PollIntervalClampedToRegistryMinimum(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	c := New(resID, "owner-a", h.fetcher, h.registry,
		WithConfig(Config{TickInterval: 100 * time.Millisecond}),
		WithClock(h.clock),
		WithBreaker(h.breaker),
		WithGovernor(h.governor),
		WithGate(h.gate),
		WithPublisher(h.pub),
	)

	var fetches atomic.Int32
	h.fetcher.EXPECT().Fetch(gomock.Any(), resID).DoAndReturn(func(context.Context, string) (*artifact.Response, error) {
		fetches.Add(1)
		return &artifact.Response{Status: artifact.StatusPending}, nil
	}).AnyTimes()

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	minInterval := monitor.DefaultConfig().MinPollInterval
	rec, ok := h.registry.Get(resID)
	require.True(t, ok)
	assert.Equal(t, minInterval, rec.PollInterval)

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)

	// the requested period never fires
	for range 25 {
		h.clock.Step(100 * time.Millisecond)
	}
	h.clock.SetTime(t0.Add(minInterval - time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Zero(t, h.pub.count(events.TypeRateLimited))

	// the clamped period ticks; the governor still spaces fetches
	h.clock.SetTime(t0.Add(minInterval))
	require.Eventually(t, func() bool { return h.pub.count(events.TypeRateLimited) == 1 }, time.Second, time.Millisecond)
	h.clock.SetTime(t0.Add(2 * minInterval))
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, time.Second, time.Millisecond)

	snap := h.breaker.Snapshot(resID)
	assert.False(t, snap.IsOpen())
	require.Len(t, snap.Classes, 1)
	assert.Equal(t, 2, snap.Classes[0].RecentAttempts, "spacing denials are not counted as attempts")
}

// outcomeHookBreaker runs a hook before recording every outcome
type outcomeHookBreaker struct {
	*breaker.Breaker
	mu   sync.Mutex
	hook func()
}

func (b *outcomeHookBreaker) setHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = fn
}

func (b *outcomeHookBreaker) RecordOutcome(resourceID string, success bool) {
	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.Breaker.RecordOutcome(resourceID, success)
}

func TestController_StopWhileApplyingResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		respond  func(h *harness)
	}{
		{
			name: "ready artifact is not stored",
			respond: func(h *harness) {
				h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(ready("late", t0.Add(time.Minute)), nil)
			},
		},
		{
			name:     "exhausted retries do not end in error",
			failures: 1,
			respond: func(h *harness) {
				h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(nil, errors.New("timeout"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, time.Millisecond)
			b := &outcomeHookBreaker{Breaker: h.breaker}
			c := New(resID, "owner-a", h.fetcher, h.registry,
				WithConfig(Config{MaxRetries: 1}),
				WithClock(h.clock),
				WithBreaker(b),
				WithGovernor(h.governor),
				WithGate(h.gate),
				WithPublisher(h.pub),
			)
			require.NoError(t, c.register())
			ctx := context.Background()

			for range tt.failures {
				h.fetcher.EXPECT().Fetch(gomock.Any(), resID).Return(nil, errors.New("timeout"))
				require.Error(t, c.RefreshNow(ctx))
				h.clock.Step(time.Second)
			}

			b.setHook(c.Stop)
			tt.respond(h)
			assert.ErrorIs(t, c.RefreshNow(ctx), ErrStopped)

			state := c.State()
			assert.Equal(t, status.ArtifactPhaseLoading, state.Phase)
			assert.Empty(t, state.Payload)
			assert.Zero(t, h.pub.count(events.TypeArtifactAvailable))
			assert.Zero(t, h.pub.count(events.TypeError))
			assert.False(t, h.registry.IsActive(resID))
		})
	}
}
