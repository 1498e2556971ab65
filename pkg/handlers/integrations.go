package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/auth"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/services"
)

// IntegrationsHandler exposes integration management endpoints.
type IntegrationsHandler struct {
	integrations services.IntegrationService
	logger       *zap.Logger
}

// NewIntegrationsHandler creates a new integrations handler.
func NewIntegrationsHandler(integrations services.IntegrationService, logger *zap.Logger) *IntegrationsHandler {
	return &IntegrationsHandler{integrations: integrations, logger: logger}
}

// RegisterRoutes registers the integrations routes on the given mux.
func (h *IntegrationsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/integrations", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("DELETE /api/integrations/{provider}", authMiddleware.RequireAuth(h.Disconnect))
	mux.HandleFunc("POST /api/integrations/{provider}/test", authMiddleware.RequireAuth(h.TestConnection))
	mux.HandleFunc("GET /api/integrations/{provider}/properties/{objectType}", authMiddleware.RequireAuth(h.ObjectProperties))
}

// List handles GET /api/integrations.
// Encrypted token columns carry json:"-" tags and never leave the server.
func (h *IntegrationsHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	integrations, err := h.integrations.List(r.Context(), orgID)
	if err != nil {
		h.logger.Error("Failed to list integrations",
			zap.String("organization_id", orgID.String()),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list integrations")
		return
	}

	if integrations == nil {
		integrations = []*models.Integration{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"integrations": integrations}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Disconnect handles DELETE /api/integrations/{provider}.
func (h *IntegrationsHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	provider := strings.ToLower(r.PathValue("provider"))

	if err := h.integrations.Disconnect(r.Context(), orgID, provider); err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"success": true}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// TestConnection handles POST /api/integrations/{provider}/test.
// A reachable provider with bad credentials is a 200 with success=false;
// only missing integrations and internal failures are HTTP errors.
func (h *IntegrationsHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	provider := strings.ToLower(r.PathValue("provider"))

	result, err := h.integrations.TestConnection(r.Context(), orgID, provider)
	if err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ObjectProperties handles GET /api/integrations/{provider}/properties/{objectType}.
func (h *IntegrationsHandler) ObjectProperties(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}
	provider := strings.ToLower(r.PathValue("provider"))
	objectType := r.PathValue("objectType")

	props, err := h.integrations.ObjectProperties(r.Context(), orgID, provider, objectType)
	if err != nil {
		h.logger.Warn("Property introspection failed",
			zap.String("provider", provider),
			zap.String("object_type", objectType),
			zap.Error(err))
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"properties": props}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *IntegrationsHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
