package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/database"
	"github.com/tractionhq/traction-engine/pkg/models"
)

// OAuthStateRepository defines data access for in-flight OAuth authorizations.
type OAuthStateRepository interface {
	Create(ctx context.Context, state *models.OAuthState) error

	// Consume atomically deletes and returns the row for the given state
	// value. A second call with the same state finds nothing - this is
	// what makes states single-use. Returns apperrors.ErrInvalidState
	// when the state is unknown or already consumed.
	Consume(ctx context.Context, state string) (*models.OAuthState, error)

	// DeleteExpired garbage-collects states past their TTL.
	DeleteExpired(ctx context.Context) (int64, error)
}

type oauthStateRepository struct {
	db *database.DB
}

// NewOAuthStateRepository creates a new OAuth state repository.
func NewOAuthStateRepository(db *database.DB) OAuthStateRepository {
	return &oauthStateRepository{db: db}
}

var _ OAuthStateRepository = (*oauthStateRepository)(nil)

func (r *oauthStateRepository) Create(ctx context.Context, state *models.OAuthState) error {
	query := `
		INSERT INTO engine_oauth_states (
			state, profile_id, organization_id, provider, redirect_uri, integration_id, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		state.State,
		state.ProfileID,
		state.OrganizationID,
		state.Provider,
		state.RedirectURI,
		state.IntegrationID,
		state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

func (r *oauthStateRepository) Consume(ctx context.Context, state string) (*models.OAuthState, error) {
	query := `
		DELETE FROM engine_oauth_states
		WHERE state = $1
		RETURNING state, profile_id, organization_id, provider, redirect_uri, integration_id, expires_at, created_at`

	var s models.OAuthState
	err := r.db.QueryRow(ctx, query, state).Scan(
		&s.State,
		&s.ProfileID,
		&s.OrganizationID,
		&s.Provider,
		&s.RedirectURI,
		&s.IntegrationID,
		&s.ExpiresAt,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	return &s, nil
}

func (r *oauthStateRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM engine_oauth_states WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}
