package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifiers for known CRM/collaboration providers.
const (
	ProviderHubSpot = "hubspot"
)

// KnownProviders is the set of valid provider identifiers.
var KnownProviders = map[string]bool{
	ProviderHubSpot: true,
}

// Integration statuses.
const (
	IntegrationStatusPending      = "pending"
	IntegrationStatusActive       = "active"
	IntegrationStatusError        = "error"
	IntegrationStatusDisconnected = "disconnected"
)

// Integration represents one organization's connection to a provider.
// At most one integration exists per (organization, provider).
// Token fields hold ciphertext from the token vault and are never
// serialized in API responses.
type Integration struct {
	ID                    uuid.UUID      `json:"id"`
	OrganizationID        uuid.UUID      `json:"organization_id"`
	Provider              string         `json:"provider"`
	Status                string         `json:"status"`
	AccessTokenEncrypted  string         `json:"-"`
	RefreshTokenEncrypted string         `json:"-"`
	TokenExpiresAt        *time.Time     `json:"token_expires_at,omitempty"`
	LastConnectedAt       *time.Time     `json:"last_connected_at,omitempty"`
	LastError             string         `json:"last_error,omitempty"`
	LastErrorAt           *time.Time     `json:"last_error_at,omitempty"`
	ExternalAccountID     string         `json:"external_account_id,omitempty"`
	ExternalAccountName   string         `json:"external_account_name,omitempty"`
	Config                map[string]any `json:"config,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}
