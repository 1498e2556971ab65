package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/services"
)

func newSyncMux(orch *stubOrchestrator, dataSources *stubDataSourceRepo, runs *stubRunRepo, orgID uuid.UUID) *http.ServeMux {
	if dataSources == nil {
		dataSources = &stubDataSourceRepo{}
	}
	if runs == nil {
		runs = &stubRunRepo{}
	}
	h := NewSyncHandler(orch, dataSources, runs, zap.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, testAuth(orgID, uuid.New()))
	return mux
}

func TestTriggerEntitySync(t *testing.T) {
	orgID := uuid.New()
	dsID := uuid.New()
	dataSources := &stubDataSourceRepo{sources: []*models.DataSource{{
		ID:         dsID,
		SourceType: models.ProviderHubSpot,
		EntityType: "deals",
		Active:     true,
	}}}
	orch := &stubOrchestrator{
		runFn: func(_ context.Context, gotID uuid.UUID, trigger string) (*services.SyncResult, error) {
			if gotID != dsID {
				t.Errorf("data source id = %s, want %s", gotID, dsID)
			}
			if trigger != models.SyncTriggerManual {
				t.Errorf("trigger = %q", trigger)
			}
			return &services.SyncResult{
				DataSourceID:     dsID,
				EntityType:       "deals",
				Success:          true,
				Status:           models.SyncRunStatusSuccess,
				RecordsProcessed: 7,
			}, nil
		},
	}
	mux := newSyncMux(orch, dataSources, nil, orgID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"sync_type":"deals"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var parsed TriggerSyncResponse
	if err := json.NewDecoder(rec.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !parsed.Success {
		t.Error("success = false, want true")
	}
	result, ok := parsed.Results["deals"]
	if !ok {
		t.Fatalf("results = %v, want a deals entry", parsed.Results)
	}
	if result.RecordsProcessed != 7 {
		t.Errorf("processed = %d", result.RecordsProcessed)
	}
}

func TestTriggerFullSync(t *testing.T) {
	orgID := uuid.New()
	orch := &stubOrchestrator{
		runAllFn: func(_ context.Context, gotOrg uuid.UUID, provider, trigger string) (map[string]*services.SyncResult, error) {
			if gotOrg != orgID || provider != models.ProviderHubSpot {
				t.Errorf("org/provider = %s/%s", gotOrg, provider)
			}
			return map[string]*services.SyncResult{
				"owners": {EntityType: "owners", Success: true, Status: models.SyncRunStatusSuccess},
				"deals":  {EntityType: "deals", Status: models.SyncRunStatusFailed},
			}, nil
		},
	}
	mux := newSyncMux(orch, nil, nil, orgID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"sync_type":"full"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var parsed TriggerSyncResponse
	if err := json.NewDecoder(rec.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Results) != 2 {
		t.Errorf("results = %d entries", len(parsed.Results))
	}
	// One failed entity drags the aggregate down.
	if parsed.Success {
		t.Error("success = true, want false")
	}
}

func TestTriggerSyncAlreadyRunning(t *testing.T) {
	orgID := uuid.New()
	dataSources := &stubDataSourceRepo{sources: []*models.DataSource{{
		ID:         uuid.New(),
		SourceType: models.ProviderHubSpot,
		EntityType: "deals",
		Active:     true,
	}}}
	orch := &stubOrchestrator{
		runFn: func(context.Context, uuid.UUID, string) (*services.SyncResult, error) {
			return nil, apperrors.ErrAlreadyRunning
		},
	}
	mux := newSyncMux(orch, dataSources, nil, orgID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"sync_type":"deals"}`)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sync_already_running") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestTriggerSyncUnknownEntityType(t *testing.T) {
	mux := newSyncMux(&stubOrchestrator{}, nil, nil, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"sync_type":"unicorns"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerSyncMissingSyncType(t *testing.T) {
	mux := newSyncMux(&stubOrchestrator{}, nil, nil, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/sync", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSyncHistory(t *testing.T) {
	now := time.Now()
	runs := &stubRunRepo{runs: []*models.SyncRun{
		{ID: uuid.New(), Status: models.SyncRunStatusSuccess, StartedAt: now},
		{ID: uuid.New(), Status: models.SyncRunStatusPartial, StartedAt: now.Add(-time.Hour)},
	}}
	mux := newSyncMux(&stubOrchestrator{}, nil, runs, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/sync?limit=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var parsed struct {
		Runs []*models.SyncRun `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Runs) != 1 {
		t.Errorf("runs = %d, want 1 (limit applied)", len(parsed.Runs))
	}
}

func TestSyncHistoryLastSyncSummary(t *testing.T) {
	orgID := uuid.New()
	syncedAt := time.Now().Add(-30 * time.Minute)
	dataSources := &stubDataSourceRepo{sources: []*models.DataSource{
		{
			ID:              uuid.New(),
			SourceType:      models.ProviderHubSpot,
			EntityType:      "deals",
			Active:          true,
			LastSyncStatus:  models.SyncStatusPartial,
			LastSyncAt:      &syncedAt,
			LastSyncRecords: 50,
			LastSyncError:   "page 2: request timed out",
		},
		{
			// Never synced; must not appear in the summary.
			ID:         uuid.New(),
			SourceType: models.ProviderHubSpot,
			EntityType: "tickets",
			Active:     true,
		},
	}}
	mux := newSyncMux(&stubOrchestrator{}, dataSources, nil, orgID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/sync", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var parsed struct {
		Runs     []*models.SyncRun           `json:"runs"`
		LastSync map[string]*LastSyncSummary `json:"last_sync"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.LastSync) != 1 {
		t.Fatalf("last_sync = %v, want only the synced entity", parsed.LastSync)
	}
	deals := parsed.LastSync["deals"]
	if deals == nil {
		t.Fatal("last_sync missing deals entry")
	}
	if deals.Status != models.SyncStatusPartial {
		t.Errorf("status = %q", deals.Status)
	}
	if deals.Records != 50 {
		t.Errorf("records = %d", deals.Records)
	}
	if deals.At == nil || !deals.At.Equal(syncedAt) {
		t.Errorf("at = %v, want %v", deals.At, syncedAt)
	}
	if deals.Error != "page 2: request timed out" {
		t.Errorf("error = %q", deals.Error)
	}
}

func TestSyncHistoryInvalidLimit(t *testing.T) {
	mux := newSyncMux(&stubOrchestrator{}, nil, nil, uuid.New())

	for _, raw := range []string{"0", "-3", "101", "many"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/sync?limit="+raw, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", raw, rec.Code)
		}
	}
}
