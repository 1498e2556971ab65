package models

import (
	"time"

	"github.com/google/uuid"
)

// OAuthStateTTL is how long an in-flight authorization stays valid.
const OAuthStateTTL = 10 * time.Minute

// OAuthState is the ephemeral CSRF token for one in-flight authorization.
// A row is created when the authorize step begins and consumed exactly once
// on callback; expired rows are garbage-collected.
type OAuthState struct {
	State          string    `json:"-"` // random, unique, never logged
	ProfileID      uuid.UUID `json:"profile_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Provider       string    `json:"provider"`
	RedirectURI    string    `json:"redirect_uri"`
	// IntegrationID is set when an existing integration is being re-authorized.
	IntegrationID *uuid.UUID `json:"integration_id,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the state is past its TTL.
func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
