package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync run statuses.
const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusPartial = "partial"
	SyncRunStatusFailed  = "failed"
)

// Sync run triggers.
const (
	SyncTriggerManual    = "manual"
	SyncTriggerScheduled = "scheduled"
)

// SyncRun is the append-only audit row for one execution of the sync
// pipeline against a data source. Never mutated after completion.
type SyncRun struct {
	ID               uuid.UUID  `json:"id"`
	DataSourceID     uuid.UUID  `json:"data_source_id"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Status           string     `json:"status"`
	RecordsFetched   int        `json:"records_fetched"`
	RecordsProcessed int        `json:"records_processed"`
	Error            string     `json:"error,omitempty"`
	Trigger          string     `json:"trigger"`
}
