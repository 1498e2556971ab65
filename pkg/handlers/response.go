// Package handlers contains the HTTP surface of the sync engine.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// serviceError maps service-layer sentinel errors onto HTTP responses.
// Unrecognized errors become a generic 500 so internals never leak.
func serviceError(w http.ResponseWriter, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return ErrorResponse(w, http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, apperrors.ErrConflict):
		return ErrorResponse(w, http.StatusConflict, "conflict", "Resource already exists")
	case errors.Is(err, apperrors.ErrAlreadyRunning):
		return ErrorResponse(w, http.StatusConflict, "sync_already_running", "A sync is already running for this data source")
	case errors.Is(err, apperrors.ErrProviderNotConfigured):
		return ErrorResponse(w, http.StatusBadRequest, "provider_not_configured", "Provider is not configured")
	case errors.Is(err, apperrors.ErrAlreadyConnected):
		return ErrorResponse(w, http.StatusForbidden, "already_connected", "Integration is already connected")
	case errors.Is(err, apperrors.ErrIntegrationInactive):
		return ErrorResponse(w, http.StatusConflict, "integration_inactive", "Integration is not active; reconnect first")
	default:
		return ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
