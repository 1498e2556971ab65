package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
	"github.com/tractionhq/traction-engine/pkg/synclock"
)

// entitySyncOrder is the dependency order for full-account syncs. Entities
// whose records are referenced by association fields on other entities sync
// first so that resolved IDs point at rows that already exist locally.
var entitySyncOrder = []string{"owners", "companies", "contacts", "deals", "tickets"}

// SyncResult summarizes one completed (or failed) sync of a data source.
type SyncResult struct {
	SyncRunID    uuid.UUID `json:"sync_run_id"`
	DataSourceID uuid.UUID `json:"data_source_id"`
	EntityType   string    `json:"entity_type"`
	// Success is false for partial runs too; a partial run carries the
	// error that stopped it.
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	RecordsFetched   int    `json:"records_fetched"`
	RecordsProcessed int    `json:"records_processed"`
	Error            string `json:"error,omitempty"`
}

// ConnectorFactory builds a provider connector bound to one integration's
// credentials. Properties maps normalized object types to the property
// names each configured data source wants fetched.
type ConnectorFactory func(integration *models.Integration, properties map[string][]string) connectors.Connector

// SyncOrchestrator drives the fetch/normalize/upsert pipeline for data
// sources, one run per data source at a time.
type SyncOrchestrator interface {
	// Run syncs a single data source. Returns ErrAlreadyRunning when a
	// run for the same data source holds the lock.
	Run(ctx context.Context, dataSourceID uuid.UUID, trigger string) (*SyncResult, error)

	// RunAll syncs every active data source for the organization and
	// provider, sequentially, in dependency order. One data source
	// failing does not stop the rest.
	RunAll(ctx context.Context, orgID uuid.UUID, provider, trigger string) (map[string]*SyncResult, error)
}

type syncOrchestrator struct {
	dataSources  repositories.DataSourceRepository
	runs         repositories.SyncRunRepository
	records      repositories.RecordRepository
	integrations repositories.IntegrationRepository
	tokens       TokenRefreshManager
	locker       synclock.Locker
	factory      ConnectorFactory
	logger       *zap.Logger
}

var _ SyncOrchestrator = (*syncOrchestrator)(nil)

func NewSyncOrchestrator(
	dataSources repositories.DataSourceRepository,
	runs repositories.SyncRunRepository,
	records repositories.RecordRepository,
	integrations repositories.IntegrationRepository,
	tokens TokenRefreshManager,
	locker synclock.Locker,
	factory ConnectorFactory,
	logger *zap.Logger,
) SyncOrchestrator {
	return &syncOrchestrator{
		dataSources:  dataSources,
		runs:         runs,
		records:      records,
		integrations: integrations,
		tokens:       tokens,
		locker:       locker,
		factory:      factory,
		logger:       logger.Named("sync-orchestrator"),
	}
}

func (o *syncOrchestrator) Run(ctx context.Context, dataSourceID uuid.UUID, trigger string) (*SyncResult, error) {
	ds, err := o.dataSources.GetByID(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load data source: %w", err)
	}
	if !ds.Active {
		return nil, apperrors.ErrNotFound
	}

	release, err := o.locker.Acquire(ctx, ds.ID.String())
	if err != nil {
		if errors.Is(err, synclock.ErrAlreadyLocked) {
			return nil, apperrors.ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer release()

	return o.runLocked(ctx, ds, trigger)
}

// runLocked executes the sync pipeline for one data source. The caller
// holds the per-data-source lock.
func (o *syncOrchestrator) runLocked(ctx context.Context, ds *models.DataSource, trigger string) (*SyncResult, error) {
	run := &models.SyncRun{
		ID:           uuid.New(),
		DataSourceID: ds.ID,
		Status:       models.SyncRunStatusRunning,
		Trigger:      trigger,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	result := &SyncResult{
		SyncRunID:    run.ID,
		DataSourceID: ds.ID,
		EntityType:   ds.EntityType,
	}

	integration, err := o.integrations.GetByOrgAndProvider(ctx, ds.OrganizationID, ds.SourceType)
	if err != nil {
		return o.finalize(ctx, ds, result, models.SyncRunStatusFailed,
			fmt.Sprintf("integration not connected: %v", err))
	}
	if integration.Status != models.IntegrationStatusActive {
		return o.finalize(ctx, ds, result, models.SyncRunStatusFailed,
			fmt.Sprintf("integration is %s; reconnect required", integration.Status))
	}

	// Verify a usable token exists before fetching anything. A dead
	// refresh token fails the run without touching the provider API.
	if _, err := o.tokens.GetValidAccessToken(ctx, integration.ID); err != nil {
		return o.finalize(ctx, ds, result, models.SyncRunStatusFailed,
			fmt.Sprintf("credential refresh failed: %v", err))
	}

	props := map[string][]string{}
	if p := ds.Properties(); len(p) > 0 {
		props[connectors.NormalizeObjectType(ds.ObjectType())] = p
	}
	conn := o.factory(integration, props)
	resolver := NewAssociationResolver(conn, o.logger)

	objectType := ds.ObjectType()
	toTypes := ds.Associations()
	started := time.Now()

	var pageErr error
	cursor := ""
	for {
		page, err := conn.ListObjects(ctx, objectType, cursor)
		if err != nil {
			pageErr = err
			break
		}
		result.RecordsFetched += len(page.Records)

		if len(toTypes) > 0 {
			if err := resolver.Enrich(ctx, objectType, page.Records, toTypes); err != nil {
				pageErr = fmt.Errorf("association enrichment failed: %w", err)
				break
			}
		}

		processed, err := o.upsertPage(ctx, ds, objectType, page.Records)
		result.RecordsProcessed += processed
		if err != nil {
			pageErr = err
			break
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	status := models.SyncRunStatusSuccess
	errMsg := ""
	if pageErr != nil {
		errMsg = pageErr.Error()
		// Records persisted before the failing page stay persisted.
		if result.RecordsProcessed > 0 {
			status = models.SyncRunStatusPartial
		} else {
			status = models.SyncRunStatusFailed
		}
	}

	o.logger.Info("sync finished",
		zap.String("data_source_id", ds.ID.String()),
		zap.String("entity_type", ds.EntityType),
		zap.String("status", status),
		zap.Int("fetched", result.RecordsFetched),
		zap.Int("processed", result.RecordsProcessed),
		zap.Duration("elapsed", time.Since(started)))

	return o.finalize(ctx, ds, result, status, errMsg)
}

func (o *syncOrchestrator) upsertPage(ctx context.Context, ds *models.DataSource, objectType string, page []*connectors.Record) (int, error) {
	if len(page) == 0 {
		return 0, nil
	}
	rows := make([]*models.IntegrationRecord, 0, len(page))
	for _, rec := range page {
		rows = append(rows, &models.IntegrationRecord{
			OrganizationID:    ds.OrganizationID,
			ObjectType:        objectType,
			ExternalID:        rec.ExternalID,
			Properties:        rec.Properties,
			ExternalCreatedAt: rec.CreatedAt,
			ExternalUpdatedAt: rec.UpdatedAt,
			DataSourceID:      ds.ID,
		})
	}
	n, err := o.records.UpsertBatch(ctx, rows)
	if err != nil {
		return n, fmt.Errorf("failed to upsert records: %w", err)
	}
	return n, nil
}

// finalize closes the run row and mirrors the outcome onto the data
// source. Persistence errors here are logged, not propagated; the sync
// outcome in the returned result is already decided.
func (o *syncOrchestrator) finalize(ctx context.Context, ds *models.DataSource, result *SyncResult, status, errMsg string) (*SyncResult, error) {
	result.Status = status
	result.Error = errMsg
	result.Success = status == models.SyncRunStatusSuccess

	if err := o.runs.Complete(ctx, result.SyncRunID, status, result.RecordsFetched, result.RecordsProcessed, errMsg); err != nil {
		o.logger.Error("failed to complete sync run",
			zap.String("sync_run_id", result.SyncRunID.String()), zap.Error(err))
	}
	if err := o.dataSources.RecordSyncResult(ctx, ds.ID, status, errMsg, result.RecordsProcessed); err != nil {
		o.logger.Error("failed to record sync result on data source",
			zap.String("data_source_id", ds.ID.String()), zap.Error(err))
	}
	return result, nil
}

func (o *syncOrchestrator) RunAll(ctx context.Context, orgID uuid.UUID, provider, trigger string) (map[string]*SyncResult, error) {
	sources, err := o.dataSources.ListActiveByProvider(ctx, orgID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	if len(sources) == 0 {
		return map[string]*SyncResult{}, nil
	}

	ordered := orderByDependency(sources)
	results := make(map[string]*SyncResult, len(ordered))
	for _, ds := range ordered {
		res, err := o.Run(ctx, ds.ID, trigger)
		if err != nil {
			// Keep going; a locked or failing source must not starve
			// the rest of the account.
			results[ds.EntityType] = &SyncResult{
				DataSourceID: ds.ID,
				EntityType:   ds.EntityType,
				Status:       models.SyncRunStatusFailed,
				Error:        err.Error(),
			}
			o.logger.Warn("data source sync failed",
				zap.String("entity_type", ds.EntityType), zap.Error(err))
			continue
		}
		results[ds.EntityType] = res
	}
	return results, nil
}

// orderByDependency sorts data sources so that entity types other entities
// reference sync first. Unknown entity types keep their listing order and
// run after the known ones.
func orderByDependency(sources []*models.DataSource) []*models.DataSource {
	rank := make(map[string]int, len(entitySyncOrder))
	for i, et := range entitySyncOrder {
		rank[et] = i
	}
	ordered := make([]*models.DataSource, len(sources))
	copy(ordered, sources)
	// Insertion sort keeps the listing order stable for ties.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && depRank(rank, ordered[j]) < depRank(rank, ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

func depRank(rank map[string]int, ds *models.DataSource) int {
	if r, ok := rank[ds.EntityType]; ok {
		return r
	}
	return len(rank)
}
