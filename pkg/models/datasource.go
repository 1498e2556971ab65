package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync statuses recorded on a data source after each run.
const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// DataSource binds one organization, one provider, and one logical entity
// type ("deals", "owners", ...) into a schedulable unit of sync work.
type DataSource struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	SourceType     string    `json:"source_type"` // provider identifier
	EntityType     string    `json:"entity_type"` // logical entity, e.g. "deals"
	// Destination describes the provider object type and any query/property
	// mapping. Recognized keys: "object_type", "properties" ([]string),
	// "associations" ([]string of target object types).
	Destination      map[string]any `json:"destination"`
	Active           bool           `json:"active"`
	FrequencyMinutes int            `json:"frequency_minutes"`
	LastSyncAt       *time.Time     `json:"last_sync_at,omitempty"`
	LastSyncStatus   string         `json:"last_sync_status,omitempty"`
	LastSyncError    string         `json:"last_sync_error,omitempty"`
	LastSyncRecords  int            `json:"last_sync_records"`
	NextSyncAt       *time.Time     `json:"next_sync_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ObjectType returns the provider object type to fetch, falling back to the
// entity type when the destination does not override it.
func (d *DataSource) ObjectType() string {
	if v, ok := d.Destination["object_type"].(string); ok && v != "" {
		return v
	}
	return d.EntityType
}

// Properties returns the provider property names to request, if configured.
func (d *DataSource) Properties() []string {
	return destinationStrings(d.Destination, "properties")
}

// Associations returns the object types to resolve associations against.
func (d *DataSource) Associations() []string {
	return destinationStrings(d.Destination, "associations")
}

func destinationStrings(dest map[string]any, key string) []string {
	raw, ok := dest[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
