package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/auth"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
)

// CreateDataSourceRequest is the POST /api/datasources body.
type CreateDataSourceRequest struct {
	SourceType       string         `json:"source_type"`
	EntityType       string         `json:"entity_type"`
	Destination      map[string]any `json:"destination"`
	FrequencyMinutes int            `json:"frequency_minutes"`
}

// UpdateDataSourceRequest is the PATCH /api/datasources/{id} body. Nil
// fields are left untouched.
type UpdateDataSourceRequest struct {
	Active           *bool `json:"active"`
	FrequencyMinutes *int  `json:"frequency_minutes"`
}

// DataSourcesHandler exposes data source configuration endpoints.
type DataSourcesHandler struct {
	dataSources repositories.DataSourceRepository
	logger      *zap.Logger
}

// NewDataSourcesHandler creates a new data sources handler.
func NewDataSourcesHandler(dataSources repositories.DataSourceRepository, logger *zap.Logger) *DataSourcesHandler {
	return &DataSourcesHandler{dataSources: dataSources, logger: logger}
}

// RegisterRoutes registers the data source routes on the given mux.
func (h *DataSourcesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/datasources", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/datasources", authMiddleware.RequireAuth(h.Create))
	mux.HandleFunc("PATCH /api/datasources/{id}", authMiddleware.RequireAuth(h.Update))
}

// List handles GET /api/datasources.
func (h *DataSourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	sources, err := h.dataSources.List(r.Context(), orgID)
	if err != nil {
		h.logger.Error("Failed to list data sources",
			zap.String("organization_id", orgID.String()),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list data sources")
		return
	}
	if sources == nil {
		sources = []*models.DataSource{}
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"datasources": sources}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/datasources.
func (h *DataSourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	var req CreateDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.EntityType == "" {
		h.writeError(w, http.StatusBadRequest, "missing_entity_type", "entity_type is required")
		return
	}
	if req.SourceType == "" {
		req.SourceType = models.ProviderHubSpot
	}
	if !models.KnownProviders[req.SourceType] {
		h.writeError(w, http.StatusBadRequest, "unsupported_provider", "Unknown source type")
		return
	}
	if req.FrequencyMinutes < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_frequency", "frequency_minutes must not be negative")
		return
	}

	ds := &models.DataSource{
		OrganizationID:   orgID,
		SourceType:       req.SourceType,
		EntityType:       req.EntityType,
		Destination:      req.Destination,
		Active:           true,
		FrequencyMinutes: req.FrequencyMinutes,
	}
	if ds.Destination == nil {
		ds.Destination = map[string]any{}
	}

	if err := h.dataSources.Create(r.Context(), ds); err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ds); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Update handles PATCH /api/datasources/{id}.
// Toggles the active flag and/or reschedules the sync frequency.
func (h *DataSourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid data source ID")
		return
	}

	ds, err := h.dataSources.GetByID(r.Context(), id)
	if err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	// Rows are org-scoped by column; a foreign id is indistinguishable
	// from a missing one.
	if ds.OrganizationID != orgID {
		if err := serviceError(w, apperrors.ErrNotFound); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req UpdateDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Active == nil && req.FrequencyMinutes == nil {
		h.writeError(w, http.StatusBadRequest, "empty_update", "Nothing to update")
		return
	}

	if req.Active != nil {
		if err := h.dataSources.SetActive(r.Context(), id, *req.Active); err != nil {
			if err := serviceError(w, err); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}
	if req.FrequencyMinutes != nil {
		if *req.FrequencyMinutes < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_frequency", "frequency_minutes must not be negative")
			return
		}
		if err := h.dataSources.UpdateSchedule(r.Context(), id, *req.FrequencyMinutes); err != nil {
			if err := serviceError(w, err); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	updated, err := h.dataSources.GetByID(r.Context(), id)
	if err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, updated); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
