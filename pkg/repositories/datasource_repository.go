package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/database"
	"github.com/tractionhq/traction-engine/pkg/models"
)

// DataSourceRepository defines data access for sync data sources.
type DataSourceRepository interface {
	Create(ctx context.Context, ds *models.DataSource) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.DataSource, error)

	// ListActiveByProvider returns the organization's active data sources
	// for one provider, in creation order. Entity-type ordering across a
	// full sync is decided by the orchestrator, not here.
	ListActiveByProvider(ctx context.Context, orgID uuid.UUID, provider string) ([]*models.DataSource, error)

	// SetActive toggles the active flag.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// UpdateSchedule changes the sync frequency.
	UpdateSchedule(ctx context.Context, id uuid.UUID, frequencyMinutes int) error

	// RecordSyncResult writes the last_sync_* fields and computes the next
	// scheduled time from the frequency.
	RecordSyncResult(ctx context.Context, id uuid.UUID, status, syncError string, records int) error
}

type dataSourceRepository struct {
	db *database.DB
}

// NewDataSourceRepository creates a new data source repository.
func NewDataSourceRepository(db *database.DB) DataSourceRepository {
	return &dataSourceRepository{db: db}
}

var _ DataSourceRepository = (*dataSourceRepository)(nil)

const dataSourceColumns = `id, organization_id, source_type, entity_type, destination, active,
	frequency_minutes, last_sync_at, last_sync_status, last_sync_error, last_sync_records,
	next_sync_at, created_at, updated_at`

func (r *dataSourceRepository) Create(ctx context.Context, ds *models.DataSource) error {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	if ds.FrequencyMinutes == 0 {
		ds.FrequencyMinutes = 60
	}
	if ds.Destination == nil {
		ds.Destination = map[string]any{}
	}

	destination, err := json.Marshal(ds.Destination)
	if err != nil {
		return fmt.Errorf("failed to marshal destination: %w", err)
	}

	query := `
		INSERT INTO engine_data_sources (
			id, organization_id, source_type, entity_type, destination, active,
			frequency_minutes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.Exec(ctx, query,
		ds.ID,
		ds.OrganizationID,
		ds.SourceType,
		ds.EntityType,
		destination,
		ds.Active,
		ds.FrequencyMinutes,
		ds.CreatedAt,
		ds.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create data source: %w", err)
	}

	return nil
}

func (r *dataSourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM engine_data_sources WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *dataSourceRepository) List(ctx context.Context, orgID uuid.UUID) ([]*models.DataSource, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM engine_data_sources
		WHERE organization_id = $1 ORDER BY source_type, entity_type`
	return r.scanMany(ctx, query, orgID)
}

func (r *dataSourceRepository) ListActiveByProvider(ctx context.Context, orgID uuid.UUID, provider string) ([]*models.DataSource, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM engine_data_sources
		WHERE organization_id = $1 AND source_type = $2 AND active
		ORDER BY created_at`
	return r.scanMany(ctx, query, orgID, provider)
}

func (r *dataSourceRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_data_sources SET active = $2, updated_at = now() WHERE id = $1`,
		id, active)
	if err != nil {
		return fmt.Errorf("failed to set data source active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, frequencyMinutes int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_data_sources SET frequency_minutes = $2, updated_at = now() WHERE id = $1`,
		id, frequencyMinutes)
	if err != nil {
		return fmt.Errorf("failed to update data source schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) RecordSyncResult(ctx context.Context, id uuid.UUID, status, syncError string, records int) error {
	query := `
		UPDATE engine_data_sources
		SET last_sync_at = now(),
		    last_sync_status = $2,
		    last_sync_error = $3,
		    last_sync_records = $4,
		    next_sync_at = now() + make_interval(mins => frequency_minutes),
		    updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, status, syncError, records)
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) scanMany(ctx context.Context, query string, args ...any) ([]*models.DataSource, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query data sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.DataSource
	for rows.Next() {
		ds, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	return sources, rows.Err()
}

func (r *dataSourceRepository) scanOne(row pgx.Row) (*models.DataSource, error) {
	var ds models.DataSource
	var destination []byte

	err := row.Scan(
		&ds.ID,
		&ds.OrganizationID,
		&ds.SourceType,
		&ds.EntityType,
		&destination,
		&ds.Active,
		&ds.FrequencyMinutes,
		&ds.LastSyncAt,
		&ds.LastSyncStatus,
		&ds.LastSyncError,
		&ds.LastSyncRecords,
		&ds.NextSyncAt,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan data source: %w", err)
	}

	if len(destination) > 0 {
		if err := json.Unmarshal(destination, &ds.Destination); err != nil {
			return nil, fmt.Errorf("failed to unmarshal destination: %w", err)
		}
	}

	return &ds, nil
}
