package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	recordEndorsementQuery = `
MERGE (a:User {id: $from})
MERGE (b:User {id: $to})
MERGE (a)-[r:ENDORSED]->(b)
SET r.at = $at`

	recentEndorsementsQuery = `
MATCH (a:User)-[r:ENDORSED]->(b:User)
WHERE r.at >= $since
RETURN a.id AS from, b.id AS to, r.at AS at
ORDER BY r.at DESC
LIMIT $limit`
)

// Neo4jGraph keeps endorsements as ENDORSED relationships between User nodes.
type Neo4jGraph struct {
	driver   neo4j.DriverWithContext
	database string
	maxEdges int
}

// NewNeo4jGraph connects to Neo4j and verifies connectivity.
func NewNeo4jGraph(cfg domain.GraphConfig, maxEdges int) (*Neo4jGraph, error) {
	if cfg.Neo4jURI == "" {
		return nil, fmt.Errorf("%w: neo4j uri is required", domain.ErrInvalidConfig)
	}
	user := cfg.Neo4jUser
	if user == "" {
		user = "neo4j"
	}
	timeout := cfg.Neo4jTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxEdges <= 0 {
		maxEdges = 5000
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(user, cfg.Neo4jPassword, ""), func(c *neo4j.Config) {
		if cfg.Neo4jMaxPool > 0 {
			c.MaxConnectionPoolSize = cfg.Neo4jMaxPool
		}
		c.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	return &Neo4jGraph{driver: driver, database: cfg.Neo4jDatabase, maxEdges: maxEdges}, nil
}

// RecordEndorsement upserts the endorsement edge.
func (g *Neo4jGraph) RecordEndorsement(ctx context.Context, e domain.EndorsementRecord) error {
	if e.FromUserID == "" || e.ToUserID == "" {
		return fmt.Errorf("%w: endorsement needs both users", domain.ErrInvalidInput)
	}
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := neo4j.ExecuteQuery(ctx, g.driver, recordEndorsementQuery, map[string]any{
		"from": e.FromUserID,
		"to":   e.ToUserID,
		"at":   at.UTC().UnixMilli(),
	}, neo4j.EagerResultTransformer, g.queryOptions()...)
	if err != nil {
		return fmt.Errorf("neo4j: record endorsement: %w", err)
	}
	return nil
}

// Rings fetches the recent endorsement edges and returns the strongly connected groups.
func (g *Neo4jGraph) Rings(ctx context.Context, window time.Duration, minSize int) ([][]string, error) {
	since := time.Now().Add(-window).UTC().UnixMilli()
	result, err := neo4j.ExecuteQuery(ctx, g.driver, recentEndorsementsQuery, map[string]any{
		"since": since,
		"limit": int64(g.maxEdges),
	}, neo4j.EagerResultTransformer, append(g.queryOptions(), neo4j.ExecuteQueryWithReadersRouting())...)
	if err != nil {
		return nil, fmt.Errorf("neo4j: load endorsements: %w", err)
	}

	edges := make([]domain.EndorsementRecord, 0, len(result.Records))
	for _, rec := range result.Records {
		from, _ := rec.Get("from")
		to, _ := rec.Get("to")
		fromID, ok1 := from.(string)
		toID, ok2 := to.(string)
		if !ok1 || !ok2 {
			continue
		}
		e := domain.EndorsementRecord{FromUserID: fromID, ToUserID: toID}
		if at, ok := rec.Get("at"); ok {
			if ms, ok := at.(int64); ok {
				e.Timestamp = time.UnixMilli(ms).UTC()
			}
		}
		edges = append(edges, e)
	}
	return StronglyConnected(edges, minSize), nil
}

// Close releases the driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	if g == nil || g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

func (g *Neo4jGraph) queryOptions() []neo4j.ExecuteQueryConfigurationOption {
	if g.database == "" {
		return nil
	}
	return []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(g.database)}
}
