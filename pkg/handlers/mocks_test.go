package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/auth"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/services"
)

// Stub services with function fields; unset fields fail loudly via nil
// dereference, which points straight at the test that forgot to set them.

type stubValidator struct {
	claims *auth.Claims
}

func (s *stubValidator) ValidateToken(string) (*auth.Claims, error) {
	return s.claims, nil
}

// testAuth builds middleware that accepts any bearer token as the given
// org/profile identity.
func testAuth(orgID, profileID uuid.UUID) *auth.Middleware {
	return auth.NewMiddleware(&stubValidator{claims: &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: profileID.String()},
		OrganizationID:   orgID.String(),
	}}, zap.NewNop())
}

func authedRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer test-token")
	return req
}

type stubFlow struct {
	beginFn    func(ctx context.Context, orgID, profileID uuid.UUID, provider, redirectURI string) (string, error)
	completeFn func(ctx context.Context, provider, code, state string) (*models.Integration, error)
}

func (s *stubFlow) BeginAuthorization(ctx context.Context, orgID, profileID uuid.UUID, provider, redirectURI string) (string, error) {
	return s.beginFn(ctx, orgID, profileID, provider, redirectURI)
}

func (s *stubFlow) CompleteAuthorization(ctx context.Context, provider, code, state string) (*models.Integration, error) {
	return s.completeFn(ctx, provider, code, state)
}

type stubTokens struct {
	refreshFn func(ctx context.Context, id uuid.UUID) (string, error)
}

func (s *stubTokens) GetValidAccessToken(ctx context.Context, id uuid.UUID) (string, error) {
	return "token", nil
}

func (s *stubTokens) Refresh(ctx context.Context, id uuid.UUID) (string, error) {
	return s.refreshFn(ctx, id)
}

func (s *stubTokens) Source(id uuid.UUID) connectors.TokenSource { return nil }

type stubIntegrationService struct {
	listFn       func(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error)
	testFn       func(ctx context.Context, orgID uuid.UUID, provider string) (*services.ConnectionTestResult, error)
	propsFn      func(ctx context.Context, orgID uuid.UUID, provider, objectType string) ([]connectors.PropertyDefinition, error)
	disconnectFn func(ctx context.Context, orgID uuid.UUID, provider string) error
}

func (s *stubIntegrationService) List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error) {
	return s.listFn(ctx, orgID)
}

func (s *stubIntegrationService) TestConnection(ctx context.Context, orgID uuid.UUID, provider string) (*services.ConnectionTestResult, error) {
	return s.testFn(ctx, orgID, provider)
}

func (s *stubIntegrationService) ObjectProperties(ctx context.Context, orgID uuid.UUID, provider, objectType string) ([]connectors.PropertyDefinition, error) {
	return s.propsFn(ctx, orgID, provider, objectType)
}

func (s *stubIntegrationService) Disconnect(ctx context.Context, orgID uuid.UUID, provider string) error {
	return s.disconnectFn(ctx, orgID, provider)
}

type stubOrchestrator struct {
	runFn    func(ctx context.Context, dataSourceID uuid.UUID, trigger string) (*services.SyncResult, error)
	runAllFn func(ctx context.Context, orgID uuid.UUID, provider, trigger string) (map[string]*services.SyncResult, error)
}

func (s *stubOrchestrator) Run(ctx context.Context, dataSourceID uuid.UUID, trigger string) (*services.SyncResult, error) {
	return s.runFn(ctx, dataSourceID, trigger)
}

func (s *stubOrchestrator) RunAll(ctx context.Context, orgID uuid.UUID, provider, trigger string) (map[string]*services.SyncResult, error) {
	return s.runAllFn(ctx, orgID, provider, trigger)
}

// stubIntegrationRepo covers the lookups handlers make directly.
type stubIntegrationRepo struct {
	byOrgProvider map[string]*models.Integration
}

func orgProviderKey(orgID uuid.UUID, provider string) string {
	return orgID.String() + "|" + provider
}

func (s *stubIntegrationRepo) Upsert(ctx context.Context, integration *models.Integration) error {
	return nil
}

func (s *stubIntegrationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	for _, row := range s.byOrgProvider {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *stubIntegrationRepo) GetByOrgAndProvider(ctx context.Context, orgID uuid.UUID, provider string) (*models.Integration, error) {
	row, ok := s.byOrgProvider[orgProviderKey(orgID, provider)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return row, nil
}

func (s *stubIntegrationRepo) List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error) {
	return nil, nil
}

func (s *stubIntegrationRepo) UpdateTokens(ctx context.Context, id uuid.UUID, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error {
	return nil
}

func (s *stubIntegrationRepo) RecordError(ctx context.Context, id uuid.UUID, message string, markError bool) error {
	return nil
}

func (s *stubIntegrationRepo) RecordConnected(ctx context.Context, id uuid.UUID, accountID, accountName string) error {
	return nil
}

func (s *stubIntegrationRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return nil
}

// stubDataSourceRepo serves a fixed set of data sources.
type stubDataSourceRepo struct {
	sources   []*models.DataSource
	createErr error
}

func (s *stubDataSourceRepo) Create(ctx context.Context, ds *models.DataSource) error {
	if s.createErr != nil {
		return s.createErr
	}
	ds.ID = uuid.New()
	s.sources = append(s.sources, ds)
	return nil
}

func (s *stubDataSourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	for _, ds := range s.sources {
		if ds.ID == id {
			return ds, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *stubDataSourceRepo) List(ctx context.Context, orgID uuid.UUID) ([]*models.DataSource, error) {
	return s.sources, nil
}

func (s *stubDataSourceRepo) ListActiveByProvider(ctx context.Context, orgID uuid.UUID, provider string) ([]*models.DataSource, error) {
	var out []*models.DataSource
	for _, ds := range s.sources {
		if ds.Active && ds.SourceType == provider {
			out = append(out, ds)
		}
	}
	return out, nil
}

func (s *stubDataSourceRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	ds, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ds.Active = active
	return nil
}

func (s *stubDataSourceRepo) UpdateSchedule(ctx context.Context, id uuid.UUID, frequencyMinutes int) error {
	ds, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ds.FrequencyMinutes = frequencyMinutes
	return nil
}

func (s *stubDataSourceRepo) RecordSyncResult(ctx context.Context, id uuid.UUID, status, syncError string, records int) error {
	return nil
}

// stubRunRepo serves a fixed run history.
type stubRunRepo struct {
	runs []*models.SyncRun
}

func (s *stubRunRepo) Create(ctx context.Context, run *models.SyncRun) error { return nil }

func (s *stubRunRepo) Complete(ctx context.Context, id uuid.UUID, status string, fetched, processed int, runError string) error {
	return nil
}

func (s *stubRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	return nil, apperrors.ErrNotFound
}

func (s *stubRunRepo) ListRecent(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.SyncRun, error) {
	if limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}
