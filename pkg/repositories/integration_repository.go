// Package repositories contains PostgreSQL data access for the sync engine.
package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/database"
	"github.com/tractionhq/traction-engine/pkg/models"
)

// IntegrationRepository defines data access for provider integrations.
// Token columns hold ciphertext; encryption happens in the service layer.
type IntegrationRepository interface {
	// Upsert inserts an integration or updates the existing row for the
	// same (organization, provider). A second browser tab finishing the
	// same OAuth flow must land on the same row, so this is a single
	// atomic statement.
	Upsert(ctx context.Context, integration *models.Integration) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	GetByOrgAndProvider(ctx context.Context, orgID uuid.UUID, provider string) (*models.Integration, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error)

	// UpdateTokens atomically replaces token material, expiry, and status
	// in one statement so concurrent refresh attempts cannot interleave
	// partial writes. Clears last-error fields and marks the integration
	// active.
	UpdateTokens(ctx context.Context, id uuid.UUID, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error

	// RecordError stores the failure on the integration. When markError is
	// true the status moves to "error" (dead refresh token); otherwise the
	// status is left alone (transient provider trouble).
	RecordError(ctx context.Context, id uuid.UUID, message string, markError bool) error

	// RecordConnected updates the external account identity and the
	// last-successful-connection timestamp.
	RecordConnected(ctx context.Context, id uuid.UUID, accountID, accountName string) error

	// SetStatus moves the integration to the given status.
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

type integrationRepository struct {
	db *database.DB
}

// NewIntegrationRepository creates a new integration repository.
func NewIntegrationRepository(db *database.DB) IntegrationRepository {
	return &integrationRepository{db: db}
}

var _ IntegrationRepository = (*integrationRepository)(nil)

const integrationColumns = `id, organization_id, provider, status,
	access_token_encrypted, COALESCE(refresh_token_encrypted, ''), token_expires_at,
	last_connected_at, last_error, last_error_at,
	external_account_id, external_account_name, config, created_at, updated_at`

func (r *integrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}
	now := time.Now()
	integration.CreatedAt = now
	integration.UpdatedAt = now
	if integration.Status == "" {
		integration.Status = models.IntegrationStatusPending
	}
	if integration.Config == nil {
		integration.Config = map[string]any{}
	}

	config, err := json.Marshal(integration.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO engine_integrations (
			id, organization_id, provider, status,
			access_token_encrypted, refresh_token_encrypted, token_expires_at,
			external_account_id, external_account_name, config, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
		ON CONFLICT (organization_id, provider) DO UPDATE
		SET status = EXCLUDED.status,
		    access_token_encrypted = EXCLUDED.access_token_encrypted,
		    refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
		    token_expires_at = EXCLUDED.token_expires_at,
		    external_account_id = EXCLUDED.external_account_id,
		    external_account_name = EXCLUDED.external_account_name,
		    config = EXCLUDED.config,
		    last_error = '',
		    last_error_at = NULL,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query,
		integration.ID,
		integration.OrganizationID,
		integration.Provider,
		integration.Status,
		integration.AccessTokenEncrypted,
		integration.RefreshTokenEncrypted,
		integration.TokenExpiresAt,
		integration.ExternalAccountID,
		integration.ExternalAccountName,
		config,
		integration.CreatedAt,
		integration.UpdatedAt,
	).Scan(&integration.ID, &integration.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}

	return nil
}

func (r *integrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM engine_integrations WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *integrationRepository) GetByOrgAndProvider(ctx context.Context, orgID uuid.UUID, provider string) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM engine_integrations
		WHERE organization_id = $1 AND provider = $2`
	return r.scanOne(r.db.QueryRow(ctx, query, orgID, provider))
}

func (r *integrationRepository) List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM engine_integrations
		WHERE organization_id = $1 ORDER BY provider`

	rows, err := r.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*models.Integration
	for rows.Next() {
		integration, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	return integrations, rows.Err()
}

func (r *integrationRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error {
	query := `
		UPDATE engine_integrations
		SET access_token_encrypted = $2,
		    refresh_token_encrypted = COALESCE(NULLIF($3, ''), refresh_token_encrypted),
		    token_expires_at = $4,
		    status = $5,
		    last_error = '',
		    last_error_at = NULL,
		    last_connected_at = now(),
		    updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, accessTokenEnc, refreshTokenEnc, expiresAt, models.IntegrationStatusActive)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *integrationRepository) RecordError(ctx context.Context, id uuid.UUID, message string, markError bool) error {
	query := `
		UPDATE engine_integrations
		SET last_error = $2,
		    last_error_at = now(),
		    status = CASE WHEN $3 THEN 'error' ELSE status END,
		    updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, message, markError)
	if err != nil {
		return fmt.Errorf("failed to record integration error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *integrationRepository) RecordConnected(ctx context.Context, id uuid.UUID, accountID, accountName string) error {
	query := `
		UPDATE engine_integrations
		SET external_account_id = $2,
		    external_account_name = $3,
		    last_connected_at = now(),
		    last_error = '',
		    last_error_at = NULL,
		    updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, accountID, accountName)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *integrationRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE engine_integrations SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to set integration status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *integrationRepository) scanOne(row pgx.Row) (*models.Integration, error) {
	var integration models.Integration
	var config []byte

	err := row.Scan(
		&integration.ID,
		&integration.OrganizationID,
		&integration.Provider,
		&integration.Status,
		&integration.AccessTokenEncrypted,
		&integration.RefreshTokenEncrypted,
		&integration.TokenExpiresAt,
		&integration.LastConnectedAt,
		&integration.LastError,
		&integration.LastErrorAt,
		&integration.ExternalAccountID,
		&integration.ExternalAccountName,
		&config,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}

	if len(config) > 0 {
		if err := json.Unmarshal(config, &integration.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	return &integration, nil
}
