package coordinator

import (
	"context"

	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/events"
	"github.com/stacklok/handshake-coordinator/internal/status"
)

// Service is the manual control surface of the coordinator
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service
type Service interface {
	// CheckReadiness reports whether the coordinator accepts new work
	CheckReadiness(ctx context.Context) error
	// StartMonitoring starts polling resourceID and returns the owner id
	StartMonitoring(ctx context.Context, resourceID string, opts ...StartOption) (string, error)
	// StopMonitoring stops polling resourceID
	StopMonitoring(resourceID string) error
	// RefreshNow fetches the artifact of resourceID outside the schedule
	RefreshNow(ctx context.Context, resourceID string) error
	// GetArtifact returns the artifact state of resourceID
	GetArtifact(resourceID string) (status.ArtifactState, error)
	// ResetCircuit closes the circuits of resourceID
	ResetCircuit(resourceID string) error
	// TripEmergency sets the emergency override
	TripEmergency(reason string) bool
	// ResetEmergency clears the emergency override
	ResetEmergency() bool
	// EmergencyState returns the state of the override
	EmergencyState() emergency.State
	// GetStats returns the coordinator statistics
	GetStats() Stats
	// Subscribe adds an observer of the status events
	Subscribe(s events.Subscriber) func()
}

var _ Service = (*Coordinator)(nil)
