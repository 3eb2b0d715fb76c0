package v1_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	v1 "github.com/stacklok/handshake-coordinator/internal/api/v1"
	"github.com/stacklok/handshake-coordinator/internal/breaker"
	"github.com/stacklok/handshake-coordinator/internal/coordinator"
	"github.com/stacklok/handshake-coordinator/internal/coordinator/mocks"
	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/poller"
	"github.com/stacklok/handshake-coordinator/internal/status"
)

var now = time.Date(2025, 10, 6, 9, 30, 0, 0, time.UTC)

func serve(t *testing.T, setup func(m *mocks.MockService), method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	if setup != nil {
		setup(svc)
	}

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	v1.Router(svc).ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestStartMonitoring(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		setup      func(m *mocks.MockService)
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name: "without body",
			setup: func(m *mocks.MockService) {
				m.EXPECT().StartMonitoring(gomock.Any(), "res-1", gomock.Any(), gomock.Any()).Return("generated", nil)
			},
			wantStatus: http.StatusCreated,
			wantBody:   map[string]any{"resourceId": "res-1", "ownerId": "generated"},
		},
		{
			name: "with owner and interval",
			body: `{"ownerId":"owner-a","pollInterval":"7s"}`,
			setup: func(m *mocks.MockService) {
				m.EXPECT().StartMonitoring(gomock.Any(), "res-1", gomock.Any(), gomock.Any()).Return("owner-a", nil)
			},
			wantStatus: http.StatusCreated,
			wantBody:   map[string]any{"resourceId": "res-1", "ownerId": "owner-a"},
		},
		{
			name:       "invalid interval",
			body:       `{"pollInterval":"often"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"owner":"x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "duplicate owner",
			setup: func(m *mocks.MockService) {
				m.EXPECT().StartMonitoring(gomock.Any(), "res-1", gomock.Any(), gomock.Any()).
					Return("", &monitor.DeniedError{ResourceID: "res-1", Reason: monitor.ReasonDuplicateOwner})
			},
			wantStatus: http.StatusConflict,
			wantBody: map[string]any{
				"error":  "registration of res-1 denied: duplicate-owner",
				"reason": monitor.ReasonDuplicateOwner,
			},
		},
		{
			name: "emergency active",
			setup: func(m *mocks.MockService) {
				m.EXPECT().StartMonitoring(gomock.Any(), "res-1", gomock.Any(), gomock.Any()).
					Return("", &monitor.DeniedError{ResourceID: "res-1", Reason: monitor.ReasonEmergencyActive})
			},
			wantStatus: http.StatusLocked,
		},
		{
			name: "shutting down",
			setup: func(m *mocks.MockService) {
				m.EXPECT().StartMonitoring(gomock.Any(), "res-1", gomock.Any(), gomock.Any()).
					Return("", coordinator.ErrShuttingDown)
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rr := serve(t, tt.setup, http.MethodPost, "/resources/res-1/monitor", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, decode(t, rr))
			}
		})
	}
}

func TestStartMonitoring_CooldownSetsRetryAfter(t *testing.T) {
	t.Parallel()

	retryAt := time.Now().Add(30 * time.Second)
	rr := serve(t, func(m *mocks.MockService) {
		m.EXPECT().StartMonitoring(gomock.Any(), "res-1", gomock.Any(), gomock.Any()).
			Return("", &monitor.DeniedError{ResourceID: "res-1", Reason: monitor.ReasonCooldown, RetryAt: retryAt})
	}, http.MethodPost, "/resources/res-1/monitor", "")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, monitor.ReasonCooldown, decode(t, rr)["reason"])
}

func TestStopMonitoring(t *testing.T) {
	t.Parallel()

	rr := serve(t, func(m *mocks.MockService) {
		m.EXPECT().StopMonitoring("res-1").Return(nil)
	}, http.MethodDelete, "/resources/res-1/monitor", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = serve(t, func(m *mocks.MockService) {
		m.EXPECT().StopMonitoring("res-2").Return(coordinator.ErrNotMonitored)
	}, http.MethodDelete, "/resources/res-2/monitor", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	expires := now.Add(time.Minute)

	tests := []struct {
		name       string
		setup      func(m *mocks.MockService)
		wantStatus int
		check      func(t *testing.T, rr *httptest.ResponseRecorder)
	}{
		{
			name: "returns the new artifact",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").Return(nil)
				m.EXPECT().GetArtifact("res-1").Return(status.ArtifactState{
					Payload:       "qr-data",
					Phase:         status.ArtifactPhaseAvailable,
					ExpiresAt:     &expires,
					LastUpdatedAt: now,
				}, nil)
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rr *httptest.ResponseRecorder) {
				t.Helper()
				body := decode(t, rr)
				assert.Equal(t, "res-1", body["resourceId"])
				assert.Equal(t, "qr-data", body["payload"])
				assert.Equal(t, string(status.ArtifactPhaseAvailable), body["status"])
			},
		},
		{
			name: "rate limited",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").Return(&poller.RateLimitedError{
					ResourceID: "res-1",
					Reason:     poller.ReasonMinInterval,
					RetryAt:    time.Now().Add(5 * time.Second),
				})
			},
			wantStatus: http.StatusTooManyRequests,
			check: func(t *testing.T, rr *httptest.ResponseRecorder) {
				t.Helper()
				assert.NotEmpty(t, rr.Header().Get("Retry-After"))
				assert.Equal(t, poller.ReasonMinInterval, decode(t, rr)["reason"])
			},
		},
		{
			name: "circuit open",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").Return(&poller.RateLimitedError{
					ResourceID: "res-1",
					Reason:     breaker.ReasonCircuitOpen,
					RetryAt:    time.Now().Add(30 * time.Second),
				})
			},
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name: "already connected",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").Return(coordinator.ErrAlreadyConnected)
			},
			wantStatus: http.StatusConflict,
		},
		{
			name: "upstream failure",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").Return(errors.New("failed to fetch artifact: connection refused"))
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "terminal failure",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").
					Return(fmt.Errorf("giving up on res-1: %w", poller.ErrTerminalFailure))
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "emergency",
			setup: func(m *mocks.MockService) {
				m.EXPECT().RefreshNow(gomock.Any(), "res-1").Return(emergency.ErrEmergencyActive)
			},
			wantStatus: http.StatusLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rr := serve(t, tt.setup, http.MethodPost, "/resources/res-1/refresh", "")
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.check != nil {
				tt.check(t, rr)
			}
		})
	}
}

func TestGetArtifact(t *testing.T) {
	t.Parallel()

	rr := serve(t, func(m *mocks.MockService) {
		m.EXPECT().GetArtifact("tenant/res-1").Return(status.ArtifactState{
			Phase:         status.ArtifactPhaseLoading,
			LastUpdatedAt: now,
		}, nil)
	}, http.MethodGet, "/resources/tenant%2Fres-1/artifact", "")

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "tenant/res-1", body["resourceId"])
	assert.Equal(t, string(status.ArtifactPhaseLoading), body["status"])
	assert.NotContains(t, body, "payload")

	rr = serve(t, nil, http.MethodGet, "/resources/res%201/artifact", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResetCircuit(t *testing.T) {
	t.Parallel()

	rr := serve(t, func(m *mocks.MockService) {
		m.EXPECT().ResetCircuit("res-1").Return(nil)
	}, http.MethodPost, "/resources/res-1/circuit/reset", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = serve(t, func(m *mocks.MockService) {
		m.EXPECT().ResetCircuit("res-1").Return(fmt.Errorf("circuit reset of res-1 refused: %w", emergency.ErrEmergencyActive))
	}, http.MethodPost, "/resources/res-1/circuit/reset", "")
	assert.Equal(t, http.StatusLocked, rr.Code)
}

func TestEmergencyEndpoints(t *testing.T) {
	t.Parallel()

	active := emergency.State{Active: true, Reason: "incident", LastToggle: now, TripCount: 1}

	t.Run("get", func(t *testing.T) {
		t.Parallel()
		rr := serve(t, func(m *mocks.MockService) {
			m.EXPECT().EmergencyState().Return(active)
		}, http.MethodGet, "/emergency", "")
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, true, body["active"])
		assert.Equal(t, "incident", body["reason"])
	})

	t.Run("trip with reason", func(t *testing.T) {
		t.Parallel()
		rr := serve(t, func(m *mocks.MockService) {
			m.EXPECT().TripEmergency("incident").Return(true)
			m.EXPECT().EmergencyState().Return(active)
		}, http.MethodPost, "/emergency/trip", `{"reason":"incident"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, true, body["changed"])
		assert.Equal(t, float64(1), body["tripCount"])
	})

	t.Run("trip without body", func(t *testing.T) {
		t.Parallel()
		rr := serve(t, func(m *mocks.MockService) {
			m.EXPECT().TripEmergency("").Return(false)
			m.EXPECT().EmergencyState().Return(active)
		}, http.MethodPost, "/emergency/trip", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, false, decode(t, rr)["changed"])
	})

	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		rr := serve(t, func(m *mocks.MockService) {
			m.EXPECT().ResetEmergency().Return(true)
			m.EXPECT().EmergencyState().Return(emergency.State{LastToggle: now, TripCount: 1})
		}, http.MethodPost, "/emergency/reset", "")
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, true, body["changed"])
		assert.Equal(t, false, body["active"])
	})
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	rr := serve(t, func(m *mocks.MockService) {
		m.EXPECT().GetStats().Return(coordinator.Stats{
			ActiveCount: 1,
			Resources: []coordinator.ResourceStats{{
				ResourceID: "res-1",
				Monitor:    &monitor.Record{ResourceID: "res-1", OwnerID: "owner-a"},
				Retries:    2,
			}},
		})
	}, http.MethodGet, "/stats", "")

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(1), body["activeCount"])
	resources, ok := body["perResourceDetail"].([]any)
	require.True(t, ok)
	require.Len(t, resources, 1)
	assert.Equal(t, "res-1", resources[0].(map[string]any)["resourceId"])
}
