// Package v1 provides the resource, emergency and event endpoints of the control plane.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/stacklok/handshake-coordinator/internal/api/common"
	"github.com/stacklok/handshake-coordinator/internal/coordinator"
	"github.com/stacklok/handshake-coordinator/internal/emergency"
	"github.com/stacklok/handshake-coordinator/internal/events"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/poller"
	"github.com/stacklok/handshake-coordinator/internal/status"
)

const maxBodyBytes = 64 << 10

// Routes handles HTTP requests for the v1 endpoints.
type Routes struct {
	service        coordinator.Service
	source         string
	requestTimeout time.Duration
	upgrader       websocket.Upgrader
}

// Option configures the v1 routes
type Option func(*Routes)

// WithEventSource sets the CloudEvents source of streamed events
func WithEventSource(source string) Option {
	return func(r *Routes) {
		r.source = source
	}
}

// WithRequestTimeout bounds every request except the event stream
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Routes) {
		r.requestTimeout = d
	}
}

// NewRoutes creates a new Routes instance with the given service.
func NewRoutes(svc coordinator.Service, opts ...Option) *Routes {
	routes := &Routes{
		service: svc,
		source:  events.DefaultSource,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(routes)
	}
	return routes
}

// Router creates and configures the HTTP router for the v1 endpoints.
func Router(svc coordinator.Service, opts ...Option) http.Handler {
	routes := NewRoutes(svc, opts...)

	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if routes.requestTimeout > 0 {
			r.Use(middleware.Timeout(routes.requestTimeout))
		}

		r.Route("/resources/{id}", func(r chi.Router) {
			r.Post("/monitor", routes.startMonitoring)
			r.Delete("/monitor", routes.stopMonitoring)
			r.Post("/refresh", routes.refresh)
			r.Get("/artifact", routes.getArtifact)
			r.Post("/circuit/reset", routes.resetCircuit)
		})

		r.Get("/emergency", routes.getEmergency)
		r.Post("/emergency/trip", routes.tripEmergency)
		r.Post("/emergency/reset", routes.resetEmergency)

		r.Get("/stats", routes.getStats)
	})

	// long-lived, no request timeout
	r.Get("/events", routes.streamEvents)

	return r
}

// StartRequest is the optional body of POST /v1/resources/{id}/monitor
type StartRequest struct {
	OwnerID      string `json:"ownerId,omitempty"`
	PollInterval string `json:"pollInterval,omitempty"`
}

// StartResponse is returned once a resource is monitored
type StartResponse struct {
	ResourceID string `json:"resourceId"`
	OwnerID    string `json:"ownerId"`
}

// ArtifactResponse is the artifact state of a single resource
type ArtifactResponse struct {
	ResourceID string `json:"resourceId"`
	status.ArtifactState
}

// TripRequest is the optional body of POST /v1/emergency/trip
type TripRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EmergencyResponse reports the override after a trip or reset
type EmergencyResponse struct {
	Changed bool `json:"changed"`
	emergency.State
}

// startMonitoring handles POST /v1/resources/{id}/monitor
func (routes *Routes) startMonitoring(w http.ResponseWriter, r *http.Request) {
	resourceID, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req StartRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var interval time.Duration
	if req.PollInterval != "" {
		interval, err = time.ParseDuration(req.PollInterval)
		if err != nil || interval <= 0 {
			common.WriteErrorResponse(w, "pollInterval must be a positive duration (e.g., '5s')", http.StatusBadRequest)
			return
		}
	}

	owner, err := routes.service.StartMonitoring(r.Context(), resourceID,
		coordinator.WithOwner(req.OwnerID),
		coordinator.WithPollInterval(interval),
	)
	if err != nil {
		writeServiceError(w, resourceID, err, http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, StartResponse{ResourceID: resourceID, OwnerID: owner}, http.StatusCreated)
}

// stopMonitoring handles DELETE /v1/resources/{id}/monitor
func (routes *Routes) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	resourceID, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := routes.service.StopMonitoring(resourceID); err != nil {
		writeServiceError(w, resourceID, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// refresh handles POST /v1/resources/{id}/refresh
func (routes *Routes) refresh(w http.ResponseWriter, r *http.Request) {
	resourceID, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	// unclassified refresh errors come from the upstream fetch
	if err := routes.service.RefreshNow(r.Context(), resourceID); err != nil {
		writeServiceError(w, resourceID, err, http.StatusBadGateway)
		return
	}
	routes.writeArtifact(w, resourceID)
}

// getArtifact handles GET /v1/resources/{id}/artifact
func (routes *Routes) getArtifact(w http.ResponseWriter, r *http.Request) {
	resourceID, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	routes.writeArtifact(w, resourceID)
}

func (routes *Routes) writeArtifact(w http.ResponseWriter, resourceID string) {
	state, err := routes.service.GetArtifact(resourceID)
	if err != nil {
		writeServiceError(w, resourceID, err, http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, ArtifactResponse{ResourceID: resourceID, ArtifactState: state}, http.StatusOK)
}

// resetCircuit handles POST /v1/resources/{id}/circuit/reset
func (routes *Routes) resetCircuit(w http.ResponseWriter, r *http.Request) {
	resourceID, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := routes.service.ResetCircuit(resourceID); err != nil {
		writeServiceError(w, resourceID, err, http.StatusInternalServerError)
		return
	}
	slog.Info("Circuit reset through the API", "resource_id", resourceID)
	w.WriteHeader(http.StatusNoContent)
}

// getEmergency handles GET /v1/emergency
func (routes *Routes) getEmergency(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, routes.service.EmergencyState(), http.StatusOK)
}

// tripEmergency handles POST /v1/emergency/trip
func (routes *Routes) tripEmergency(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	changed := routes.service.TripEmergency(req.Reason)
	common.WriteJSONResponse(w, EmergencyResponse{
		Changed: changed,
		State:   routes.service.EmergencyState(),
	}, http.StatusOK)
}

// resetEmergency handles POST /v1/emergency/reset
func (routes *Routes) resetEmergency(w http.ResponseWriter, _ *http.Request) {
	changed := routes.service.ResetEmergency()
	common.WriteJSONResponse(w, EmergencyResponse{
		Changed: changed,
		State:   routes.service.EmergencyState(),
	}, http.StatusOK)
}

// getStats handles GET /v1/stats
func (routes *Routes) getStats(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, routes.service.GetStats(), http.StatusOK)
}

// decodeOptionalBody decodes a JSON body into dst; an empty body leaves dst unchanged
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeServiceError maps coordinator errors to status codes; fallback covers the rest
func writeServiceError(w http.ResponseWriter, resourceID string, err error, fallback int) {
	var (
		denied  *monitor.DeniedError
		limited *poller.RateLimitedError
	)

	switch {
	case errors.Is(err, emergency.ErrEmergencyActive):
		common.WriteError(w, common.ErrorResponse{Error: err.Error(), Reason: monitor.ReasonEmergencyActive}, http.StatusLocked)
	case errors.As(err, &denied):
		common.WriteError(w, common.ErrorResponse{
			Error:   err.Error(),
			Reason:  denied.Reason,
			RetryAt: denied.RetryAt,
		}, http.StatusConflict)
	case errors.As(err, &limited):
		common.WriteError(w, common.ErrorResponse{
			Error:   err.Error(),
			Reason:  limited.Reason,
			RetryAt: limited.RetryAt,
		}, http.StatusTooManyRequests)
	case errors.Is(err, coordinator.ErrNotMonitored):
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, coordinator.ErrAlreadyConnected), errors.Is(err, poller.ErrStopped):
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, coordinator.ErrShuttingDown):
		common.WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("Request failed", "resource_id", resourceID, "error", err)
		common.WriteErrorResponse(w, err.Error(), fallback)
	}
}
