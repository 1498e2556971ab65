// Package services contains the business logic of the sync engine.
package services

import (
	"context"
	"fmt"
	"sync"
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

// refreshSafetyMargin is how close to expiry a token may get before it is
// proactively refreshed instead of returned.
const refreshSafetyMargin = 5 * time.Minute

// TokenEndpoint is the provider operation the refresh manager depends on.
// *connectors.HubSpotApp implements it.
type TokenEndpoint interface {
	RefreshToken(ctx context.Context, refreshToken string) (*connectors.TokenGrant, error)
}

// TokenRefreshManager keeps integration access tokens alive.
type TokenRefreshManager interface {
	// GetValidAccessToken returns a decrypted access token, refreshing
	// first when the stored one is expired or inside the safety margin.
	GetValidAccessToken(ctx context.Context, integrationID uuid.UUID) (string, error)

	// Refresh forces a token refresh regardless of expiry and returns the
	// new access token. Concurrent refreshes for the same integration are
	// deduplicated: late callers wait for the in-flight refresh instead
	// of spending the (single-use) refresh token twice.
	Refresh(ctx context.Context, integrationID uuid.UUID) (string, error)

	// Source adapts the manager into a per-integration token source for
	// connector construction.
	Source(integrationID uuid.UUID) connectors.TokenSource
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

type tokenRefreshManager struct {
	integrations repositories.IntegrationRepository
	vault        crypto.Vault
	endpoints    map[string]TokenEndpoint
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]*refreshCall
}

// NewTokenRefreshManager creates a refresh manager. endpoints maps provider
// identifiers to their token endpoints.
func NewTokenRefreshManager(
	integrations repositories.IntegrationRepository,
	vault crypto.Vault,
	endpoints map[string]TokenEndpoint,
	logger *zap.Logger,
) TokenRefreshManager {
	return &tokenRefreshManager{
		integrations: integrations,
		vault:        vault,
		endpoints:    endpoints,
		logger:       logger.Named("token-refresh"),
		inflight:     make(map[uuid.UUID]*refreshCall),
	}
}

var _ TokenRefreshManager = (*tokenRefreshManager)(nil)

func (m *tokenRefreshManager) GetValidAccessToken(ctx context.Context, integrationID uuid.UUID) (string, error) {
	integration, err := m.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return "", err
	}
	if integration.Status == models.IntegrationStatusDisconnected {
		return "", apperrors.ErrIntegrationInactive
	}

	if integration.TokenExpiresAt != nil && time.Until(*integration.TokenExpiresAt) < refreshSafetyMargin {
		return m.Refresh(ctx, integrationID)
	}

	token, err := m.vault.Decrypt(integration.AccessTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if token == "" {
		// No usable token on file; a refresh is the only way forward.
		return m.Refresh(ctx, integrationID)
	}
	return token, nil
}

func (m *tokenRefreshManager) Refresh(ctx context.Context, integrationID uuid.UUID) (string, error) {
	m.mu.Lock()
	if call, ok := m.inflight[integrationID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight[integrationID] = call
	m.mu.Unlock()

	call.token, call.err = m.refresh(ctx, integrationID)
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, integrationID)
	m.mu.Unlock()

	return call.token, call.err
}

func (m *tokenRefreshManager) refresh(ctx context.Context, integrationID uuid.UUID) (string, error) {
	integration, err := m.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return "", err
	}

	endpoint, ok := m.endpoints[integration.Provider]
	if !ok {
		return "", apperrors.ErrProviderNotConfigured
	}

	refreshToken, err := m.vault.Decrypt(integration.RefreshTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		err := &connectors.AuthError{StatusCode: 0, Message: "no refresh token on file"}
		m.recordFailure(ctx, integration.ID, err)
		return "", err
	}

	grant, err := endpoint.RefreshToken(ctx, refreshToken)
	if err != nil {
		m.recordFailure(ctx, integration.ID, err)
		return "", err
	}

	accessEnc, err := m.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := m.vault.Encrypt(grant.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	var expiresAt *time.Time
	if grant.ExpiresIn > 0 {
		t := grant.ExpiresAt(time.Now())
		expiresAt = &t
	}

	if err := m.integrations.UpdateTokens(ctx, integration.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return "", err
	}

	m.logger.Info("Refreshed provider token",
		zap.String("integration_id", integration.ID.String()),
		zap.String("provider", integration.Provider))

	return grant.AccessToken, nil
}

// recordFailure stores the refresh failure on the integration. A rejected
// grant means the refresh token is dead, so the integration moves to
// "error" and stops being silently used; transient trouble leaves the
// status alone.
func (m *tokenRefreshManager) recordFailure(ctx context.Context, integrationID uuid.UUID, refreshErr error) {
	dead := connectors.IsAuthError(refreshErr)
	message := logging.SanitizeError(refreshErr)

	if err := m.integrations.RecordError(ctx, integrationID, message, dead); err != nil {
		m.logger.Error("Failed to record refresh failure",
			zap.String("integration_id", integrationID.String()),
			zap.Error(err))
	}

	m.logger.Warn("Provider token refresh failed",
		zap.String("integration_id", integrationID.String()),
		zap.Bool("refresh_token_dead", dead),
		zap.String("error", message))
}

// integrationTokenSource adapts the manager to connectors.TokenSource for
// one integration.
type integrationTokenSource struct {
	mgr *tokenRefreshManager
	id  uuid.UUID
}

func (m *tokenRefreshManager) Source(integrationID uuid.UUID) connectors.TokenSource {
	return &integrationTokenSource{mgr: m, id: integrationID}
}

func (s *integrationTokenSource) AccessToken(ctx context.Context) (string, error) {
	return s.mgr.GetValidAccessToken(ctx, s.id)
}

func (s *integrationTokenSource) Refresh(ctx context.Context) (string, error) {
	return s.mgr.Refresh(ctx, s.id)
}
