package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/connectors"
	"github.com/tractionhq/traction-engine/pkg/logging"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
)

// ConnectionTestResult is the outcome of probing a provider connection.
type ConnectionTestResult struct {
	Success     bool   `json:"success"`
	AccountID   string `json:"account_id,omitempty"`
	AccountName string `json:"account_name,omitempty"`
	Error       string `json:"error,omitempty"`
}

// IntegrationService manages provider integrations outside the OAuth flow:
// listing, health checks, schema introspection, and disconnect.
type IntegrationService interface {
	List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error)

	// TestConnection probes the provider with the integration's current
	// credentials and records the account identity on success.
	TestConnection(ctx context.Context, orgID uuid.UUID, provider string) (*ConnectionTestResult, error)

	// ObjectProperties introspects the provider's property schema for one
	// object type.
	ObjectProperties(ctx context.Context, orgID uuid.UUID, provider, objectType string) ([]connectors.PropertyDefinition, error)

	// Disconnect marks the integration disconnected. Credentials stay on
	// the row but are never used while the status is disconnected.
	Disconnect(ctx context.Context, orgID uuid.UUID, provider string) error
}

type integrationService struct {
	integrations repositories.IntegrationRepository
	factory      ConnectorFactory
	logger       *zap.Logger
}

var _ IntegrationService = (*integrationService)(nil)

// NewIntegrationService creates the integration management service.
func NewIntegrationService(
	integrations repositories.IntegrationRepository,
	factory ConnectorFactory,
	logger *zap.Logger,
) IntegrationService {
	return &integrationService{
		integrations: integrations,
		factory:      factory,
		logger:       logger.Named("integrations"),
	}
}

func (s *integrationService) List(ctx context.Context, orgID uuid.UUID) ([]*models.Integration, error) {
	return s.integrations.List(ctx, orgID)
}

func (s *integrationService) TestConnection(ctx context.Context, orgID uuid.UUID, provider string) (*ConnectionTestResult, error) {
	integration, err := s.integrations.GetByOrgAndProvider(ctx, orgID, provider)
	if err != nil {
		return nil, err
	}
	if integration.Status == models.IntegrationStatusDisconnected {
		return nil, apperrors.ErrIntegrationInactive
	}

	conn := s.factory(integration, nil)
	info, err := conn.GetAccountInfo(ctx)
	if err != nil {
		message := logging.SanitizeError(err)
		// A failed probe is a result, not an error; the caller gets a
		// 200 with success=false. Auth failures that survived the
		// refresh-and-retry path mean the credentials are dead.
		if recErr := s.integrations.RecordError(ctx, integration.ID, message, connectors.IsAuthError(err)); recErr != nil {
			s.logger.Error("Failed to record connection test failure",
				zap.String("integration_id", integration.ID.String()),
				zap.Error(recErr))
		}
		return &ConnectionTestResult{Success: false, Error: message}, nil
	}

	if err := s.integrations.RecordConnected(ctx, integration.ID, info.ID, info.Name); err != nil {
		s.logger.Error("Failed to record connection health",
			zap.String("integration_id", integration.ID.String()),
			zap.Error(err))
	}

	return &ConnectionTestResult{
		Success:     true,
		AccountID:   info.ID,
		AccountName: info.Name,
	}, nil
}

func (s *integrationService) ObjectProperties(ctx context.Context, orgID uuid.UUID, provider, objectType string) ([]connectors.PropertyDefinition, error) {
	integration, err := s.integrations.GetByOrgAndProvider(ctx, orgID, provider)
	if err != nil {
		return nil, err
	}
	if integration.Status != models.IntegrationStatusActive {
		return nil, apperrors.ErrIntegrationInactive
	}

	conn := s.factory(integration, nil)
	props, err := conn.GetObjectProperties(ctx, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s properties: %w", objectType, err)
	}
	return props, nil
}

func (s *integrationService) Disconnect(ctx context.Context, orgID uuid.UUID, provider string) error {
	integration, err := s.integrations.GetByOrgAndProvider(ctx, orgID, provider)
	if err != nil {
		return err
	}
	if err := s.integrations.SetStatus(ctx, integration.ID, models.IntegrationStatusDisconnected); err != nil {
		return fmt.Errorf("failed to disconnect integration: %w", err)
	}
	s.logger.Info("Integration disconnected",
		zap.String("organization_id", orgID.String()),
		zap.String("provider", provider))
	return nil
}
