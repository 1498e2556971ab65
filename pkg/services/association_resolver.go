package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/connectors"
)

// AssociationResolver normalizes provider association lookups for the sync
// pipeline: one batch call per page, with a schema probe that short-circuits
// object-type pairs the provider has no relationship for.
type AssociationResolver struct {
	conn   connectors.Connector
	logger *zap.Logger

	mu      sync.Mutex
	defined map[string]bool // "from|to" -> pair has at least one association type
}

// NewAssociationResolver creates a resolver bound to one connector.
func NewAssociationResolver(conn connectors.Connector, logger *zap.Logger) *AssociationResolver {
	return &AssociationResolver{
		conn:    conn,
		logger:  logger.Named("associations"),
		defined: make(map[string]bool),
	}
}

// AssociationKey is the property key association id lists are merged under.
func AssociationKey(toType string) string {
	return "associated_" + strings.ToLower(strings.TrimSpace(toType)) + "_ids"
}

// Enrich resolves associations from fromType to each of toTypes for one
// page of records and merges the id lists onto each record's properties.
// Records with no associations get an empty list, so downstream consumers
// can distinguish "none" from "not fetched".
func (r *AssociationResolver) Enrich(ctx context.Context, fromType string, records []*connectors.Record, toTypes []string) error {
	if len(records) == 0 || len(toTypes) == 0 {
		return nil
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ExternalID)
	}

	for _, toType := range toTypes {
		defined, err := r.pairDefined(ctx, fromType, toType)
		if err != nil {
			return err
		}
		if !defined {
			// No association type exists between the pair; attempting the
			// batch call would only earn a provider error.
			r.logger.Debug("Skipping undefined association pair",
				zap.String("from", fromType),
				zap.String("to", toType))
			continue
		}

		assocs, err := r.conn.BatchFetchAssociations(ctx, fromType, ids, toType)
		if err != nil {
			return fmt.Errorf("failed to fetch %s associations: %w", toType, err)
		}

		key := AssociationKey(toType)
		for _, record := range records {
			if record.Properties == nil {
				record.Properties = make(map[string]any)
			}
			record.Properties[key] = assocs[record.ExternalID]
		}
	}

	return nil
}

// pairDefined probes (and caches) whether the provider declares any
// association type between two object types.
func (r *AssociationResolver) pairDefined(ctx context.Context, fromType, toType string) (bool, error) {
	cacheKey := fromType + "|" + toType

	r.mu.Lock()
	defined, ok := r.defined[cacheKey]
	r.mu.Unlock()
	if ok {
		return defined, nil
	}

	schema, err := r.conn.GetAssociationSchema(ctx, fromType, toType)
	if err != nil {
		return false, fmt.Errorf("failed to probe association schema %s->%s: %w", fromType, toType, err)
	}
	defined = len(schema) > 0

	r.mu.Lock()
	r.defined[cacheKey] = defined
	r.mu.Unlock()

	return defined, nil
}
