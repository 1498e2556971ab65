package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/services"
)

func newIntegrationsMux(svc *stubIntegrationService, orgID uuid.UUID) *http.ServeMux {
	h := NewIntegrationsHandler(svc, zap.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, testAuth(orgID, uuid.New()))
	return mux
}

func TestListIntegrationsNeverLeaksTokens(t *testing.T) {
	orgID := uuid.New()
	svc := &stubIntegrationService{
		listFn: func(context.Context, uuid.UUID) ([]*models.Integration, error) {
			return []*models.Integration{{
				ID:                    uuid.New(),
				OrganizationID:        orgID,
				Provider:              models.ProviderHubSpot,
				Status:                models.IntegrationStatusActive,
				AccessTokenEncrypted:  "ciphertext-access",
				RefreshTokenEncrypted: "ciphertext-refresh",
			}}, nil
		},
	}
	mux := newIntegrationsMux(svc, orgID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/integrations", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "ciphertext") || strings.Contains(body, "token_encrypted") {
		t.Errorf("response leaks token material: %s", body)
	}

	var parsed struct {
		Integrations []map[string]any `json:"integrations"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Integrations) != 1 {
		t.Fatalf("integrations = %d", len(parsed.Integrations))
	}
	if parsed.Integrations[0]["provider"] != "hubspot" {
		t.Errorf("provider = %v", parsed.Integrations[0]["provider"])
	}
}

func TestTestConnectionEndpoint(t *testing.T) {
	orgID := uuid.New()
	svc := &stubIntegrationService{
		testFn: func(_ context.Context, _ uuid.UUID, provider string) (*services.ConnectionTestResult, error) {
			if provider != "hubspot" {
				t.Errorf("provider = %q", provider)
			}
			return &services.ConnectionTestResult{Success: true, AccountID: "42"}, nil
		},
	}
	mux := newIntegrationsMux(svc, orgID)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/integrations/hubspot/test", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result services.ConnectionTestResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.AccountID != "42" {
		t.Errorf("result = %+v", result)
	}
}

func TestTestConnectionUnknownIntegration(t *testing.T) {
	svc := &stubIntegrationService{
		testFn: func(context.Context, uuid.UUID, string) (*services.ConnectionTestResult, error) {
			return nil, apperrors.ErrNotFound
		},
	}
	mux := newIntegrationsMux(svc, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/integrations/hubspot/test", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	called := false
	svc := &stubIntegrationService{
		disconnectFn: func(_ context.Context, _ uuid.UUID, provider string) error {
			called = true
			if provider != "hubspot" {
				t.Errorf("provider = %q", provider)
			}
			return nil
		},
	}
	mux := newIntegrationsMux(svc, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodDelete, "/api/integrations/hubspot", nil))
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rec.Code, called)
	}
}

func TestObjectPropertiesEndpoint(t *testing.T) {
	svc := &stubIntegrationService{
		propsFn: func(_ context.Context, _ uuid.UUID, provider, objectType string) ([]connectors.PropertyDefinition, error) {
			if objectType != "deals" {
				t.Errorf("objectType = %q", objectType)
			}
			return []connectors.PropertyDefinition{{Name: "dealname", Label: "Deal Name"}}, nil
		},
	}
	mux := newIntegrationsMux(svc, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/integrations/hubspot/properties/deals", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dealname") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestObjectPropertiesInactiveIntegration(t *testing.T) {
	svc := &stubIntegrationService{
		propsFn: func(context.Context, uuid.UUID, string, string) ([]connectors.PropertyDefinition, error) {
			return nil, apperrors.ErrIntegrationInactive
		},
	}
	mux := newIntegrationsMux(svc, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/integrations/hubspot/properties/deals", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestIntegrationsRequireAuth(t *testing.T) {
	mux := newIntegrationsMux(&stubIntegrationService{}, uuid.New())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/integrations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", rec.Code)
	}
}
