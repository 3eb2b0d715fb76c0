package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/handshake-coordinator/internal/events"
)

// CoordinatorMetricsMeterName is the name used for the coordinator metrics meter
const CoordinatorMetricsMeterName = "github.com/stacklok/handshake-coordinator/coordinator"

// Fetch outcomes recorded on the fetch duration histogram
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeConnected = "connected"
)

// CoordinatorMetrics holds the instruments describing polling activity
type CoordinatorMetrics struct {
	fetchDuration  metric.Float64Histogram
	eventsTotal    metric.Int64Counter
	denialsTotal   metric.Int64Counter
	activeMonitors metric.Int64Gauge
}

// NewCoordinatorMetrics creates the coordinator instruments.
// If provider is nil, it returns nil (no-op metrics).
func NewCoordinatorMetrics(provider metric.MeterProvider) (*CoordinatorMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CoordinatorMetricsMeterName)

	fetchDuration, err := meter.Float64Histogram(
		"handshake_fetch_duration_seconds",
		metric.WithDescription("Duration of artifact fetches in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	eventsTotal, err := meter.Int64Counter(
		"handshake_events_total",
		metric.WithDescription("Status events emitted by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	denialsTotal, err := meter.Int64Counter(
		"handshake_denials_total",
		metric.WithDescription("Fetch attempts and registrations denied by reason"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, err
	}

	activeMonitors, err := meter.Int64Gauge(
		"handshake_active_monitors",
		metric.WithDescription("Number of resources currently monitored"),
		metric.WithUnit("{monitor}"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		fetchDuration:  fetchDuration,
		eventsTotal:    eventsTotal,
		denialsTotal:   denialsTotal,
		activeMonitors: activeMonitors,
	}, nil
}

// RecordFetch records the duration and outcome of an artifact fetch
func (m *CoordinatorMetrics) RecordFetch(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDenial counts a denied fetch or registration
func (m *CoordinatorMetrics) RecordDenial(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.denialsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordActiveMonitors records the number of active monitor records
func (m *CoordinatorMetrics) RecordActiveMonitors(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeMonitors.Record(ctx, int64(count))
}

// OnEvent counts status events by type
func (m *CoordinatorMetrics) OnEvent(e events.Event) {
	if m == nil {
		return
	}
	m.eventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(e.Type))))
}
