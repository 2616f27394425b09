package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// StoreGraph finds rings over the endorsements already kept by the relational store.
type StoreGraph struct {
	store    domain.ScanStore
	maxEdges int
}

// NewStoreGraph creates a graph that reads at most maxEdges endorsements per search.
func NewStoreGraph(store domain.ScanStore, maxEdges int) *StoreGraph {
	if maxEdges <= 0 {
		maxEdges = 5000
	}
	return &StoreGraph{store: store, maxEdges: maxEdges}
}

// RecordEndorsement is a no-op: the ingest path already saved the endorsement.
func (g *StoreGraph) RecordEndorsement(ctx context.Context, e domain.EndorsementRecord) error {
	return nil
}

// Rings loads recent endorsements and returns the strongly connected groups.
func (g *StoreGraph) Rings(ctx context.Context, window time.Duration, minSize int) ([][]string, error) {
	edges, err := g.store.LoadRecentEndorsements(ctx, window, g.maxEdges)
	if err != nil {
		return nil, fmt.Errorf("load endorsements: %w", err)
	}
	return StronglyConnected(edges, minSize), nil
}

// Close is a no-op; the store is closed by its owner.
func (g *StoreGraph) Close(ctx context.Context) error {
	return nil
}
