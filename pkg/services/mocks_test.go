package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/models"
)

// In-memory fakes shared by the service tests. All of them are safe for
// concurrent use because several tests hammer the services from multiple
// goroutines.

type memIntegrationRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*models.Integration
	calls struct {
		updateTokens int
		recordError  int
	}
}

func newMemIntegrationRepo() *memIntegrationRepo {
	return &memIntegrationRepo{rows: make(map[uuid.UUID]*models.Integration)}
}

func (r *memIntegrationRepo) put(i *models.Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	cp := *i
	r.rows[i.ID] = &cp
}

func (r *memIntegrationRepo) Upsert(ctx context.Context, integration *models.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OrganizationID == integration.OrganizationID && row.Provider == integration.Provider {
			integration.ID = row.ID
			cp := *integration
			r.rows[row.ID] = &cp
			return nil
		}
	}
	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}
	cp := *integration
	r.rows[integration.ID] = &cp
	return nil
}

func (r *memIntegrationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memIntegrationRepo) GetByOrgAndProvider(ctx context.Context, orgID uuid.UUID, provider string) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OrganizationID == orgID && row.Provider == provider {
			cp := *row
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *memIntegrationRepo) List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Integration
	for _, row := range r.rows {
		if row.OrganizationID == orgID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memIntegrationRepo) UpdateTokens(ctx context.Context, id uuid.UUID, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	r.calls.updateTokens++
	row.AccessTokenEncrypted = accessTokenEnc
	if refreshTokenEnc != "" {
		row.RefreshTokenEncrypted = refreshTokenEnc
	}
	row.TokenExpiresAt = expiresAt
	row.Status = models.IntegrationStatusActive
	row.LastError = ""
	row.LastErrorAt = nil
	return nil
}

func (r *memIntegrationRepo) RecordError(ctx context.Context, id uuid.UUID, message string, markError bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	r.calls.recordError++
	now := time.Now()
	row.LastError = message
	row.LastErrorAt = &now
	if markError {
		row.Status = models.IntegrationStatusError
	}
	return nil
}

func (r *memIntegrationRepo) RecordConnected(ctx context.Context, id uuid.UUID, accountID, accountName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	row.ExternalAccountID = accountID
	row.ExternalAccountName = accountName
	row.LastConnectedAt = &now
	return nil
}

func (r *memIntegrationRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	row.Status = status
	return nil
}

type memStateRepo struct {
	mu   sync.Mutex
	rows map[string]*models.OAuthState
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{rows: make(map[string]*models.OAuthState)}
}

func (r *memStateRepo) Create(ctx context.Context, state *models.OAuthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *state
	r.rows[state.State] = &cp
	return nil
}

func (r *memStateRepo) Consume(ctx context.Context, state string) (*models.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[state]
	if !ok {
		return nil, apperrors.ErrInvalidState
	}
	delete(r.rows, state)
	return row, nil
}

func (r *memStateRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for k, row := range r.rows {
		if row.Expired(now) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

type memDataSourceRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.DataSource
}

func newMemDataSourceRepo() *memDataSourceRepo {
	return &memDataSourceRepo{rows: make(map[uuid.UUID]*models.DataSource)}
}

func (r *memDataSourceRepo) put(ds *models.DataSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	ds.CreatedAt = time.Now()
	cp := *ds
	r.rows[ds.ID] = &cp
}

func (r *memDataSourceRepo) Create(ctx context.Context, ds *models.DataSource) error {
	r.put(ds)
	return nil
}

func (r *memDataSourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memDataSourceRepo) List(ctx context.Context, orgID uuid.UUID) ([]*models.DataSource, error) {
	return r.list(orgID, "", false)
}

func (r *memDataSourceRepo) ListActiveByProvider(ctx context.Context, orgID uuid.UUID, provider string) ([]*models.DataSource, error) {
	return r.list(orgID, provider, true)
}

func (r *memDataSourceRepo) list(orgID uuid.UUID, provider string, activeOnly bool) ([]*models.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DataSource
	for _, row := range r.rows {
		if row.OrganizationID != orgID {
			continue
		}
		if provider != "" && row.SourceType != provider {
			continue
		}
		if activeOnly && !row.Active {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	// Creation order, matching the SQL ORDER BY.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (r *memDataSourceRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	row.Active = active
	return nil
}

func (r *memDataSourceRepo) UpdateSchedule(ctx context.Context, id uuid.UUID, frequencyMinutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	row.FrequencyMinutes = frequencyMinutes
	return nil
}

func (r *memDataSourceRepo) RecordSyncResult(ctx context.Context, id uuid.UUID, status, syncError string, records int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	row.LastSyncAt = &now
	row.LastSyncStatus = status
	row.LastSyncError = syncError
	row.LastSyncRecords = records
	return nil
}

type memRunRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.SyncRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{rows: make(map[uuid.UUID]*models.SyncRun)}
}

func (r *memRunRepo) Create(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.StartedAt = time.Now()
	cp := *run
	r.rows[run.ID] = &cp
	return nil
}

func (r *memRunRepo) Complete(ctx context.Context, id uuid.UUID, status string, fetched, processed int, runError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.SyncRunStatusRunning {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	row.Status = status
	row.RecordsFetched = fetched
	row.RecordsProcessed = processed
	row.Error = runError
	row.CompletedAt = &now
	return nil
}

func (r *memRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memRunRepo) ListRecent(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncRun
	for _, row := range r.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

type memRecordRepo struct {
	mu      sync.Mutex
	rows    map[string]*models.IntegrationRecord
	failErr error // when set, UpsertBatch fails
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{rows: make(map[string]*models.IntegrationRecord)}
}

func recordKey(rec *models.IntegrationRecord) string {
	return fmt.Sprintf("%s|%s|%s", rec.OrganizationID, rec.ObjectType, rec.ExternalID)
}

func (r *memRecordRepo) UpsertBatch(ctx context.Context, records []*models.IntegrationRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return 0, r.failErr
	}
	for _, rec := range records {
		cp := *rec
		r.rows[recordKey(rec)] = &cp
	}
	return len(records), nil
}

func (r *memRecordRepo) ListByObjectType(ctx context.Context, orgID uuid.UUID, objectType string, limit int) ([]*models.IntegrationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.IntegrationRecord
	for _, rec := range r.rows {
		if rec.OrganizationID == orgID && rec.ObjectType == objectType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRecordRepo) CountByObjectType(ctx context.Context, orgID uuid.UUID, objectType string) (int, error) {
	rows, _ := r.ListByObjectType(ctx, orgID, objectType, 0)
	return len(rows), nil
}

// fakeEndpoint scripts the provider token endpoint.
type fakeEndpoint struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	grant *connectors.TokenGrant
	err   error
}

func (e *fakeEndpoint) RefreshToken(ctx context.Context, refreshToken string) (*connectors.TokenGrant, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return nil, e.err
	}
	cp := *e.grant
	return &cp, nil
}

func (e *fakeEndpoint) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeOAuthApp scripts the provider OAuth app.
type fakeOAuthApp struct {
	exchangeErr error
	grant       *connectors.TokenGrant
	account     *connectors.AccountInfo
	accountErr  error

	lastCode        string
	lastRedirectURI string
}

func (a *fakeOAuthApp) AuthorizationURL(redirectURI, state string) string {
	return "https://provider.example/authorize?state=" + state + "&redirect_uri=" + redirectURI
}

func (a *fakeOAuthApp) ExchangeCode(ctx context.Context, code, redirectURI string) (*connectors.TokenGrant, error) {
	a.lastCode = code
	a.lastRedirectURI = redirectURI
	if a.exchangeErr != nil {
		return nil, a.exchangeErr
	}
	cp := *a.grant
	return &cp, nil
}

func (a *fakeOAuthApp) AccountInfo(ctx context.Context, accessToken string) (*connectors.AccountInfo, error) {
	if a.accountErr != nil {
		return nil, a.accountErr
	}
	cp := *a.account
	return &cp, nil
}

// fakeConnector scripts pages and associations per object type.
type fakeConnector struct {
	mu sync.Mutex

	pages map[string][]*connectors.Page // keyed by object type, in order
	// pageErrs[objectType][pageIndex] fails that ListObjects call.
	pageErrs map[string]map[int]error
	served   map[string]int

	schema map[string][]connectors.AssociationTypeDefinition // "from|to"
	assocs map[string]map[string][]string                    // "from|to" -> fromID -> toIDs

	listCalls   int
	batchCalls  int
	schemaCalls int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		pages:    make(map[string][]*connectors.Page),
		pageErrs: make(map[string]map[int]error),
		served:   make(map[string]int),
		schema:   make(map[string][]connectors.AssociationTypeDefinition),
		assocs:   make(map[string]map[string][]string),
	}
}

func pairKey(fromType, toType string) string { return fromType + "|" + toType }

func (c *fakeConnector) ListObjects(ctx context.Context, objectType, cursor string) (*connectors.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	idx := c.served[objectType]
	if errs, ok := c.pageErrs[objectType]; ok {
		if err, ok := errs[idx]; ok {
			return nil, err
		}
	}
	pages := c.pages[objectType]
	if idx >= len(pages) {
		return &connectors.Page{}, nil
	}
	c.served[objectType] = idx + 1
	return pages[idx], nil
}

func (c *fakeConnector) GetObjectProperties(ctx context.Context, objectType string) ([]connectors.PropertyDefinition, error) {
	return nil, nil
}

func (c *fakeConnector) GetAssociationSchema(ctx context.Context, fromType, toType string) ([]connectors.AssociationTypeDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemaCalls++
	return c.schema[pairKey(fromType, toType)], nil
}

func (c *fakeConnector) FetchAssociations(ctx context.Context, fromType, fromID, toType string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assocs[pairKey(fromType, toType)][fromID], nil
}

func (c *fakeConnector) BatchFetchAssociations(ctx context.Context, fromType string, fromIDs []string, toType string) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchCalls++
	out := make(map[string][]string, len(fromIDs))
	byID := c.assocs[pairKey(fromType, toType)]
	for _, id := range fromIDs {
		out[id] = append([]string{}, byID[id]...)
	}
	return out, nil
}

func (c *fakeConnector) TestConnection(ctx context.Context) error { return nil }

func (c *fakeConnector) GetAccountInfo(ctx context.Context) (*connectors.AccountInfo, error) {
	return &connectors.AccountInfo{ID: "acct-1", Name: "Fake Account"}, nil
}
