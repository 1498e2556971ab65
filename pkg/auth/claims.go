// Package auth provides JWT-based authentication for the sync engine.
// Tokens are issued by the dashboard's identity service and validated
// against its JWKS endpoint.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// Claims is the JWT claims structure issued by the identity service.
// RegisteredClaims carries the standard fields (sub, iss, exp); the
// subject is the profile UUID.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// GetClaims retrieves JWT claims from the request context.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// OrganizationID extracts and parses the organization claim from context.
// Returns an error when the request is unauthenticated or the claim is
// missing or malformed.
func OrganizationID(ctx context.Context) (uuid.UUID, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil, fmt.Errorf("authentication required: no claims in context")
	}
	if claims.OrganizationID == "" {
		return uuid.Nil, fmt.Errorf("missing organization ID in JWT claims")
	}
	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid organization ID format: %w", err)
	}
	return orgID, nil
}

// ProfileID extracts the subject as a profile UUID from context.
// Returns uuid.Nil without error when the subject is absent or not a
// UUID; callers that require it should use Identity.
func ProfileID(ctx context.Context) uuid.UUID {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Identity extracts both organization and profile IDs, failing when
// either is missing or malformed.
func Identity(ctx context.Context) (orgID, profileID uuid.UUID, err error) {
	orgID, err = OrganizationID(ctx)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	claims, _ := GetClaims(ctx)
	profileID, err = uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid profile ID in JWT subject: %w", err)
	}
	return orgID, profileID, nil
}
