// Package connectors talks to external CRM providers over their REST APIs.
package connectors

import (
	"context"
	"time"
)

// Record is one object as returned by the provider, before normalization
// into the landing store.
type Record struct {
	ExternalID string
	Properties map[string]any
	CreatedAt  *time.Time
	UpdatedAt  *time.Time
}

// Page is one page of a provider collection. A nil NextCursor signals the
// end of the collection.
type Page struct {
	Records    []*Record
	NextCursor string
	HasMore    bool
}

// PropertyDefinition describes one schema property of a provider object
// type, grouped by its logical property group.
type PropertyDefinition struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Type      string `json:"type"`
	FieldType string `json:"field_type"`
	GroupName string `json:"group_name"`
}

// AssociationTypeDefinition is one provider-declared association type
// between two object types. An empty schema for a pair is a legitimate
// "no relationship defined" answer, not an error.
type AssociationTypeDefinition struct {
	TypeID   int    `json:"type_id"`
	Label    string `json:"label"`
	Category string `json:"category"`
}

// AccountInfo identifies the external account an integration is bound to.
type AccountInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// TokenGrant is the result of an OAuth token exchange or refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds
}

// ExpiresAt converts ExpiresIn into an absolute expiry.
func (g *TokenGrant) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(g.ExpiresIn) * time.Second)
}

// TokenSource supplies a valid access token for one integration.
// Implementations keep the token fresh (proactive refresh inside a safety
// margin) and deduplicate concurrent refreshes.
type TokenSource interface {
	// AccessToken returns a token believed to be valid.
	AccessToken(ctx context.Context) (string, error)

	// Refresh forces a refresh after the provider rejected the current
	// token, returning the replacement.
	Refresh(ctx context.Context) (string, error)
}

// Connector is a provider-specific client bound to one integration.
// Implementations map provider failures onto the shared error taxonomy:
// 401/403 to AuthError, 429 to RateLimitedError, 5xx and network failures
// to TransientError, remaining 4xx to PermanentError.
type Connector interface {
	// ListObjects fetches one page of objects using the provider's native
	// pagination token. Pass an empty cursor for the first page.
	ListObjects(ctx context.Context, objectType, cursor string) (*Page, error)

	// GetObjectProperties introspects the provider's schema for an object type.
	GetObjectProperties(ctx context.Context, objectType string) ([]PropertyDefinition, error)

	// GetAssociationSchema returns the declared association types between
	// two object types. Empty means no relationship is defined.
	GetAssociationSchema(ctx context.Context, fromType, toType string) ([]AssociationTypeDefinition, error)

	// FetchAssociations looks up associations for a single record.
	// Kept as a diagnostic path; the sync pipeline uses the batch call.
	FetchAssociations(ctx context.Context, fromType, fromID, toType string) ([]string, error)

	// BatchFetchAssociations resolves associations for a whole page in one
	// call. The returned map has an entry (possibly empty) for every input
	// id, even when the provider omits ids with zero associations.
	BatchFetchAssociations(ctx context.Context, fromType string, fromIDs []string, toType string) (map[string][]string, error)

	// TestConnection is a lightweight health check.
	TestConnection(ctx context.Context) error

	// GetAccountInfo returns the external account identity.
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
}
