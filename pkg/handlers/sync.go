package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/auth"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
	"github.com/tractionhq/traction-engine/pkg/services"
)

// SyncTypeFull requests a full-account sync across every active data source.
const SyncTypeFull = "full"

// TriggerSyncRequest is the POST /api/sync body. SyncType is either "full"
// or one entity type (e.g. "deals").
type TriggerSyncRequest struct {
	Provider string `json:"provider"`
	SyncType string `json:"sync_type"`
}

// TriggerSyncResponse reports per-entity-type outcomes. Success is the
// conjunction: one failed or partial entity makes the whole trigger false.
type TriggerSyncResponse struct {
	Success bool                            `json:"success"`
	Results map[string]*services.SyncResult `json:"results"`
}

// LastSyncSummary is the per-entity-type rollup in the GET /api/sync
// response, mirrored from each data source's last_sync_* fields.
type LastSyncSummary struct {
	Status  string     `json:"status"`
	At      *time.Time `json:"at,omitempty"`
	Records int        `json:"records"`
	Error   string     `json:"error,omitempty"`
}

// SyncHandler exposes sync triggering and run history.
type SyncHandler struct {
	orchestrator services.SyncOrchestrator
	dataSources  repositories.DataSourceRepository
	runs         repositories.SyncRunRepository
	logger       *zap.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(
	orchestrator services.SyncOrchestrator,
	dataSources repositories.DataSourceRepository,
	runs repositories.SyncRunRepository,
	logger *zap.Logger,
) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		dataSources:  dataSources,
		runs:         runs,
		logger:       logger,
	}
}

// RegisterRoutes registers the sync routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/sync", authMiddleware.RequireAuth(h.Trigger))
	mux.HandleFunc("GET /api/sync", authMiddleware.RequireAuth(h.History))
}

// Trigger handles POST /api/sync.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	var req TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Provider == "" {
		req.Provider = models.ProviderHubSpot
	}
	if req.SyncType == "" {
		h.writeError(w, http.StatusBadRequest, "missing_sync_type", "sync_type is required")
		return
	}

	if req.SyncType == SyncTypeFull {
		results, err := h.orchestrator.RunAll(r.Context(), orgID, req.Provider, models.SyncTriggerManual)
		if err != nil {
			h.logger.Error("Full sync failed to start",
				zap.String("organization_id", orgID.String()),
				zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to run sync")
			return
		}
		h.writeTriggerResponse(w, results)
		return
	}

	ds, err := h.findDataSource(r, orgID, req.Provider, req.SyncType)
	if err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	result, err := h.orchestrator.Run(r.Context(), ds.ID, models.SyncTriggerManual)
	if err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	h.writeTriggerResponse(w, map[string]*services.SyncResult{result.EntityType: result})
}

func (h *SyncHandler) writeTriggerResponse(w http.ResponseWriter, results map[string]*services.SyncResult) {
	response := TriggerSyncResponse{Success: true, Results: results}
	for _, res := range results {
		if !res.Success {
			response.Success = false
			break
		}
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// findDataSource resolves an entity type to the caller's data source.
func (h *SyncHandler) findDataSource(r *http.Request, orgID uuid.UUID, provider, entityType string) (*models.DataSource, error) {
	sources, err := h.dataSources.ListActiveByProvider(r.Context(), orgID, provider)
	if err != nil {
		return nil, err
	}
	for _, ds := range sources {
		if ds.EntityType == entityType {
			return ds, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

// History handles GET /api/sync.
// Optional ?limit= caps the number of runs returned (default 20, max 100).
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRecent(r.Context(), orgID, limit)
	if err != nil {
		h.logger.Error("Failed to list sync runs",
			zap.String("organization_id", orgID.String()),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list sync runs")
		return
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}

	sources, err := h.dataSources.List(r.Context(), orgID)
	if err != nil {
		h.logger.Error("Failed to list data sources",
			zap.String("organization_id", orgID.String()),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load sync status")
		return
	}
	lastSync := make(map[string]*LastSyncSummary, len(sources))
	for _, ds := range sources {
		if ds.LastSyncStatus == "" {
			continue // never synced
		}
		lastSync[ds.EntityType] = &LastSyncSummary{
			Status:  ds.LastSyncStatus,
			At:      ds.LastSyncAt,
			Records: ds.LastSyncRecords,
			Error:   ds.LastSyncError,
		}
	}

	response := map[string]any{"runs": runs, "last_sync": lastSync}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SyncHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
