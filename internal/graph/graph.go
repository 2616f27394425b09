// Package graph finds circular endorsement between users.
package graph

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the endorsement graph selected by cfg.Type.
// The store-backed graph reads endorsements through store; maxEdges bounds
// how many edges a ring search loads from either backend.
func New(cfg domain.GraphConfig, store domain.ScanStore, maxEdges int) (domain.EndorsementGraph, error) {
	switch cfg.Type {
	case "", "store":
		if store == nil {
			return nil, fmt.Errorf("%w: store graph requires a scan store", domain.ErrInvalidConfig)
		}
		return NewStoreGraph(store, maxEdges), nil
	case "neo4j":
		return NewNeo4jGraph(cfg, maxEdges)
	default:
		return nil, fmt.Errorf("%w: unknown graph type %q", domain.ErrInvalidConfig, cfg.Type)
	}
}
