package domain

import (
	"context"
	"time"
)

// Cache holds trust scores, behavior profiles, rate-limit counters and
// penalties. Keys live inside a namespace so the kinds never collide.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, namespace string, key string) error

	// GetTrustScore retrieves a cached trust score. Returns nil, nil on a miss.
	GetTrustScore(ctx context.Context, userID string) (*TrustScore, error)

	// SetTrustScore caches a trust score.
	SetTrustScore(ctx context.Context, score *TrustScore, ttl time.Duration) error

	// IncrementCounter adds one to the counter and returns the new count.
	// The counter expires window after its first increment, which gives
	// fixed rate-limit windows.
	IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Cache namespaces.
const (
	NamespaceTrust     = "trust"
	NamespaceProfile   = "profile"
	NamespaceRateLimit = "ratelimit"
	NamespacePenalty   = "penalty"
)

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	Type string // memory, redis

	LocalMaxSize int
	LocalTTL     time.Duration // upper bound on how long a node keeps a local copy

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase fronts Redis with a node-local LRU for profiles.
	EnableTwoPhase bool
}
