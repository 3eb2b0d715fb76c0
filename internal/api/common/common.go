// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	// Reason is the machine-readable denial reason, when there is one
	Reason string `json:"reason,omitempty"`
	// RetryAt is the earliest time a retry can succeed
	RetryAt time.Time `json:"retryAt,omitzero"`
}

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteError(w, ErrorResponse{Error: message}, statusCode)
}

// WriteError writes resp, setting Retry-After when resp carries a retry time
func WriteError(w http.ResponseWriter, resp ErrorResponse, statusCode int) {
	if !resp.RetryAt.IsZero() {
		secs := int(time.Until(resp.RetryAt).Round(time.Second).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	WriteJSONResponse(w, resp, statusCode)
}
