package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/crypto"
	"github.com/tractionhq/traction-engine/pkg/logging"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
)

// OAuthProvider is what the flow controller needs from a provider's OAuth
// app. *connectors.HubSpotApp implements it.
type OAuthProvider interface {
	AuthorizationURL(redirectURI, state string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*connectors.TokenGrant, error)
	AccountInfo(ctx context.Context, accessToken string) (*connectors.AccountInfo, error)
}

// OAuthFlowService drives the three-legged OAuth handshake.
type OAuthFlowService interface {
	// BeginAuthorization creates a single-use CSRF state and returns the
	// provider authorization URL embedding it. Fails with
	// apperrors.ErrProviderNotConfigured when no client credentials exist
	// for the provider.
	BeginAuthorization(ctx context.Context, orgID, profileID uuid.UUID, provider, redirectURI string) (string, error)

	// CompleteAuthorization consumes the state, exchanges the code for
	// tokens, and upserts the integration. The state row is gone after
	// this call whether or not the exchange succeeded, so a state can
	// never be replayed.
	CompleteAuthorization(ctx context.Context, provider, code, state string) (*models.Integration, error)
}

type oauthFlowService struct {
	states       repositories.OAuthStateRepository
	integrations repositories.IntegrationRepository
	vault        crypto.Vault
	providers    map[string]OAuthProvider
	logger       *zap.Logger
}

// NewOAuthFlowService creates the flow controller. providers maps provider
// identifiers to their configured OAuth apps; absent providers are treated
// as not configured.
func NewOAuthFlowService(
	states repositories.OAuthStateRepository,
	integrations repositories.IntegrationRepository,
	vault crypto.Vault,
	providers map[string]OAuthProvider,
	logger *zap.Logger,
) OAuthFlowService {
	return &oauthFlowService{
		states:       states,
		integrations: integrations,
		vault:        vault,
		providers:    providers,
		logger:       logger.Named("oauth-flow"),
	}
}

var _ OAuthFlowService = (*oauthFlowService)(nil)

// newStateToken returns a 256-bit random URL-safe token.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *oauthFlowService) BeginAuthorization(ctx context.Context, orgID, profileID uuid.UUID, provider, redirectURI string) (string, error) {
	app, ok := s.providers[provider]
	if !ok {
		return "", apperrors.ErrProviderNotConfigured
	}

	// Opportunistic garbage collection of abandoned authorizations.
	if n, err := s.states.DeleteExpired(ctx); err != nil {
		s.logger.Warn("Failed to garbage-collect expired oauth states", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("Garbage-collected expired oauth states", zap.Int64("count", n))
	}

	state, err := newStateToken()
	if err != nil {
		return "", err
	}

	row := &models.OAuthState{
		State:          state,
		ProfileID:      profileID,
		OrganizationID: orgID,
		Provider:       provider,
		RedirectURI:    redirectURI,
		ExpiresAt:      time.Now().Add(models.OAuthStateTTL),
	}

	// Re-authorization of an existing integration keeps its id in the
	// state so the callback can tell the flows apart.
	if existing, err := s.integrations.GetByOrgAndProvider(ctx, orgID, provider); err == nil {
		row.IntegrationID = &existing.ID
	}

	if err := s.states.Create(ctx, row); err != nil {
		return "", err
	}

	s.logger.Info("Started provider authorization",
		zap.String("organization_id", orgID.String()),
		zap.String("provider", provider))

	return app.AuthorizationURL(redirectURI, state), nil
}

func (s *oauthFlowService) CompleteAuthorization(ctx context.Context, provider, code, state string) (*models.Integration, error) {
	app, ok := s.providers[provider]
	if !ok {
		return nil, apperrors.ErrProviderNotConfigured
	}

	// Consume deletes the row; from here on the state cannot be replayed
	// regardless of how this call ends.
	row, err := s.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if row.Expired(time.Now()) {
		return nil, apperrors.ErrExpiredState
	}
	if row.Provider != provider {
		s.logger.Warn("OAuth callback provider mismatch",
			zap.String("expected", row.Provider),
			zap.String("got", provider))
		return nil, apperrors.ErrProviderMismatch
	}

	grant, err := app.ExchangeCode(ctx, code, row.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	accessEnc, err := s.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := s.vault.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	integration := &models.Integration{
		OrganizationID:        row.OrganizationID,
		Provider:              provider,
		Status:                models.IntegrationStatusActive,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
	}
	if grant.ExpiresIn > 0 {
		expiresAt := grant.ExpiresAt(time.Now())
		integration.TokenExpiresAt = &expiresAt
	}

	// The account identity is informational; a failure here must not undo
	// a successful token exchange.
	if info, err := app.AccountInfo(ctx, grant.AccessToken); err != nil {
		s.logger.Warn("Failed to fetch provider account info",
			zap.String("provider", provider),
			zap.String("error", logging.SanitizeError(err)))
	} else {
		integration.ExternalAccountID = info.ID
		integration.ExternalAccountName = info.Name
	}

	// Upsert: a second tab completing the same org's OAuth lands on the
	// existing row instead of creating a duplicate.
	if err := s.integrations.Upsert(ctx, integration); err != nil {
		return nil, err
	}

	s.logger.Info("Completed provider authorization",
		zap.String("organization_id", row.OrganizationID.String()),
		zap.String("provider", provider),
		zap.String("integration_id", integration.ID.String()))

	return integration, nil
}
