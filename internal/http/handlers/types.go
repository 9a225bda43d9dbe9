// Package handlers provides HTTP handlers for vidrelay.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmylchreest/vidrelay/internal/models"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Error codes returned by the raw handlers.
const (
	errCodeInvalidURL = "invalid_url"
	errCodeUpstream   = "upstream_error"
	errCodeQueueFull  = "queue_full"
	errCodeStopped    = "unavailable"
	errCodeInternal   = "internal_error"
)

// writeJSON writes v as the JSON body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps a domain error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrURLRequired), errors.Is(err, models.ErrInvalidURL):
		return http.StatusBadRequest, errCodeInvalidURL
	case errors.Is(err, models.ErrUpstream):
		return http.StatusBadGateway, errCodeUpstream
	case errors.Is(err, models.ErrQueueFull):
		return http.StatusServiceUnavailable, errCodeQueueFull
	case errors.Is(err, models.ErrServiceStopped):
		return http.StatusServiceUnavailable, errCodeStopped
	default:
		return http.StatusInternalServerError, errCodeInternal
	}
}

// writeError writes the JSON error for err. Internal errors do not leak
// their text.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: code}
	if status != http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
