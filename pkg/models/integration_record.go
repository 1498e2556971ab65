package models

import (
	"time"

	"github.com/google/uuid"
)

// IntegrationRecord is the normalized landing row for one externally
// sourced object. (organization_id, object_type, external_id) is unique;
// re-sync replaces properties rather than duplicating rows.
type IntegrationRecord struct {
	ID                uuid.UUID      `json:"id"`
	OrganizationID    uuid.UUID      `json:"organization_id"`
	ObjectType        string         `json:"object_type"`
	ExternalID        string         `json:"external_id"`
	Properties        map[string]any `json:"properties"`
	ExternalCreatedAt *time.Time     `json:"external_created_at,omitempty"`
	ExternalUpdatedAt *time.Time     `json:"external_updated_at,omitempty"`
	DataSourceID      uuid.UUID      `json:"data_source_id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
