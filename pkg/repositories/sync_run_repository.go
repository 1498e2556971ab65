package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/database"
	"github.com/tractionhq/traction-engine/pkg/models"
)

// SyncRunRepository defines data access for the sync audit trail.
// Runs are append-only: created in "running" state, completed exactly once,
// and never mutated afterwards.
type SyncRunRepository interface {
	Create(ctx context.Context, run *models.SyncRun) error

	// Complete finalizes a running sync run with its terminal status and
	// counts. Completing an already-completed run is rejected.
	Complete(ctx context.Context, id uuid.UUID, status string, fetched, processed int, runError string) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)

	// ListRecent returns the newest runs across an organization's data
	// sources, most recent first.
	ListRecent(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.SyncRun, error)
}

type syncRunRepository struct {
	db *database.DB
}

// NewSyncRunRepository creates a new sync run repository.
func NewSyncRunRepository(db *database.DB) SyncRunRepository {
	return &syncRunRepository{db: db}
}

var _ SyncRunRepository = (*syncRunRepository)(nil)

func (r *syncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.SyncRunStatusRunning
	}
	if run.Trigger == "" {
		run.Trigger = models.SyncTriggerManual
	}

	query := `
		INSERT INTO engine_sync_runs (id, data_source_id, status, trigger)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at`

	err := r.db.QueryRow(ctx, query, run.ID, run.DataSourceID, run.Status, run.Trigger).
		Scan(&run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

func (r *syncRunRepository) Complete(ctx context.Context, id uuid.UUID, status string, fetched, processed int, runError string) error {
	query := `
		UPDATE engine_sync_runs
		SET completed_at = now(),
		    status = $2,
		    records_fetched = $3,
		    records_processed = $4,
		    error = $5
		WHERE id = $1 AND status = 'running'`

	tag, err := r.db.Exec(ctx, query, id, status, fetched, processed, runError)
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *syncRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	query := `
		SELECT id, data_source_id, started_at, completed_at, status,
		       records_fetched, records_processed, error, trigger
		FROM engine_sync_runs WHERE id = $1`

	var run models.SyncRun
	err := r.db.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.DataSourceID,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Status,
		&run.RecordsFetched,
		&run.RecordsProcessed,
		&run.Error,
		&run.Trigger,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return &run, nil
}

func (r *syncRunRepository) ListRecent(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT sr.id, sr.data_source_id, sr.started_at, sr.completed_at, sr.status,
		       sr.records_fetched, sr.records_processed, sr.error, sr.trigger
		FROM engine_sync_runs sr
		JOIN engine_data_sources ds ON ds.id = sr.data_source_id
		WHERE ds.organization_id = $1
		ORDER BY sr.started_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		err := rows.Scan(
			&run.ID,
			&run.DataSourceID,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Status,
			&run.RecordsFetched,
			&run.RecordsProcessed,
			&run.Error,
			&run.Trigger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
