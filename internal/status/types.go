// Package status provides the artifact state exposed to consumers of the coordinator.
package status

import "time"

// ArtifactPhase represents the current phase of a resource's handshake artifact
type ArtifactPhase string

const (
	// ArtifactPhaseLoading means no usable artifact is available yet
	ArtifactPhaseLoading ArtifactPhase = "Loading"

	// ArtifactPhaseAvailable means a valid artifact can be shown to the user
	ArtifactPhaseAvailable ArtifactPhase = "Available"

	// ArtifactPhaseExpired means the last artifact passed its expiry and polling is re-armed
	ArtifactPhaseExpired ArtifactPhase = "Expired"

	// ArtifactPhaseConnected means the upstream service reported the handshake as complete
	ArtifactPhaseConnected ArtifactPhase = "Connected"

	// ArtifactPhaseError means polling stopped after a non-recoverable failure
	ArtifactPhaseError ArtifactPhase = "Error"
)

// IsTerminal reports whether the phase stops polling
func (p ArtifactPhase) IsTerminal() bool {
	return p == ArtifactPhaseConnected || p == ArtifactPhaseError
}

// ArtifactState is a snapshot of the artifact of a single resource
type ArtifactState struct {
	// Payload is the scannable code, empty unless an artifact was issued
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`

	// Phase is the current lifecycle phase
	Phase ArtifactPhase `json:"status" yaml:"status"`

	// ExpiresAt is the expiry of the payload, if any
	ExpiresAt *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`

	// LastUpdatedAt is the time of the last transition
	LastUpdatedAt time.Time `json:"lastUpdatedAt" yaml:"lastUpdatedAt"`

	// ErrorDetail describes why the state is Error
	ErrorDetail string `json:"errorDetail,omitempty" yaml:"errorDetail,omitempty"`
}

// NewLoadingState returns the initial state of every artifact
func NewLoadingState(now time.Time) ArtifactState {
	return ArtifactState{
		Phase:         ArtifactPhaseLoading,
		LastUpdatedAt: now,
	}
}

// EffectivePhase returns the phase as observed at now.
// An Available artifact whose expiry has passed is reported as Expired.
func (s ArtifactState) EffectivePhase(now time.Time) ArtifactPhase {
	if s.Phase == ArtifactPhaseAvailable && s.IsExpiredAt(now) {
		return ArtifactPhaseExpired
	}
	return s.Phase
}

// IsExpiredAt reports whether the payload expired at now
func (s ArtifactState) IsExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// TimeToExpiry returns the remaining lifetime of the payload, or false when there is no expiry
func (s ArtifactState) TimeToExpiry(now time.Time) (time.Duration, bool) {
	if s.ExpiresAt == nil {
		return 0, false
	}
	return s.ExpiresAt.Sub(now), true
}

// Copy returns a deep copy of the state
func (s ArtifactState) Copy() ArtifactState {
	out := s
	if s.ExpiresAt != nil {
		expiresAt := *s.ExpiresAt
		out.ExpiresAt = &expiresAt
	}
	return out
}
