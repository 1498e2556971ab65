package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tractionhq/traction-engine/pkg/database"
	"github.com/tractionhq/traction-engine/pkg/models"
)

// RecordRepository is the landing store for externally sourced records.
type RecordRepository interface {
	// UpsertBatch inserts or replaces each record keyed by
	// (organization, object_type, external_id). The property payload is
	// fully replaced on update - the provider's record is the source of
	// truth. Safe to call twice with identical input. Returns the number
	// of rows written.
	UpsertBatch(ctx context.Context, records []*models.IntegrationRecord) (int, error)

	// ListByObjectType returns records for an organization and object type.
	ListByObjectType(ctx context.Context, orgID uuid.UUID, objectType string, limit int) ([]*models.IntegrationRecord, error)

	// CountByObjectType returns the number of landed records.
	CountByObjectType(ctx context.Context, orgID uuid.UUID, objectType string) (int, error)
}

type recordRepository struct {
	db *database.DB
}

// NewRecordRepository creates a new record repository.
func NewRecordRepository(db *database.DB) RecordRepository {
	return &recordRepository{db: db}
}

var _ RecordRepository = (*recordRepository)(nil)

const upsertRecordQuery = `
	INSERT INTO engine_integration_records (
		id, organization_id, object_type, external_id, properties,
		external_created_at, external_updated_at, data_source_id, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	ON CONFLICT (organization_id, object_type, external_id) DO UPDATE
	SET properties = EXCLUDED.properties,
	    external_created_at = EXCLUDED.external_created_at,
	    external_updated_at = EXCLUDED.external_updated_at,
	    data_source_id = EXCLUDED.data_source_id,
	    updated_at = now()`

func (r *recordRepository) UpsertBatch(ctx context.Context, records []*models.IntegrationRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	count := 0
	for _, record := range records {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		if record.Properties == nil {
			record.Properties = map[string]any{}
		}

		properties, err := json.Marshal(record.Properties)
		if err != nil {
			return count, fmt.Errorf("failed to marshal properties for %s: %w", record.ExternalID, err)
		}

		_, err = tx.Exec(ctx, upsertRecordQuery,
			record.ID,
			record.OrganizationID,
			record.ObjectType,
			record.ExternalID,
			properties,
			record.ExternalCreatedAt,
			record.ExternalUpdatedAt,
			record.DataSourceID,
		)
		if err != nil {
			return count, fmt.Errorf("failed to upsert record %s: %w", record.ExternalID, err)
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit record batch: %w", err)
	}

	return count, nil
}

func (r *recordRepository) ListByObjectType(ctx context.Context, orgID uuid.UUID, objectType string, limit int) ([]*models.IntegrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, organization_id, object_type, external_id, properties,
		       external_created_at, external_updated_at, data_source_id, created_at, updated_at
		FROM engine_integration_records
		WHERE organization_id = $1 AND object_type = $2
		ORDER BY external_updated_at DESC NULLS LAST
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, orgID, objectType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*models.IntegrationRecord
	for rows.Next() {
		var record models.IntegrationRecord
		var properties []byte

		err := rows.Scan(
			&record.ID,
			&record.OrganizationID,
			&record.ObjectType,
			&record.ExternalID,
			&properties,
			&record.ExternalCreatedAt,
			&record.ExternalUpdatedAt,
			&record.DataSourceID,
			&record.CreatedAt,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		if len(properties) > 0 {
			if err := json.Unmarshal(properties, &record.Properties); err != nil {
				return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
			}
		}

		records = append(records, &record)
	}
	return records, rows.Err()
}

func (r *recordRepository) CountByObjectType(ctx context.Context, orgID uuid.UUID, objectType string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM engine_integration_records WHERE organization_id = $1 AND object_type = $2`,
		orgID, objectType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
