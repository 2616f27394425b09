package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the cache selected by cfg.Type. "memory" keeps everything in
// process; "redis" shares state between nodes, fronted by a local LRU when
// EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported cache type %q: %w", cfg.Type, domain.ErrInvalidConfig)
	}
}

func encodeTrustScore(score *domain.TrustScore) ([]byte, error) {
	if score == nil || score.UserID == "" {
		return nil, fmt.Errorf("%w: trust score without user id", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(score)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trust score: %w", err)
	}
	return data, nil
}

func decodeTrustScore(data []byte) (*domain.TrustScore, error) {
	var score domain.TrustScore
	if err := json.Unmarshal(data, &score); err != nil {
		return nil, fmt.Errorf("failed to decode trust score: %w", err)
	}
	return &score, nil
}

// TwoPhaseCache fronts a shared cache with a node-local LRU.
// Only derived data such as behavior profiles is held locally. Trust scores,
// rate-limit counters and penalties are always read from the shared tier so
// that every node sees the latest value.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache connects to Redis and fronts it with an LRU.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// Get reads the local tier first for namespaces it holds, filling it on a
// shared hit.
func (c *TwoPhaseCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	if isShared(namespace) {
		return c.remote.Get(ctx, namespace, key)
	}
	val, err := c.local.Get(ctx, namespace, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, namespace, key)
	if err != nil || val == nil {
		return val, err
	}
	_ = c.local.Set(ctx, namespace, key, val, c.l1TTL)
	return val, nil
}

// Set writes the shared tier, then the local one.
func (c *TwoPhaseCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, namespace, key, value, ttl); err != nil {
		return err
	}
	if isShared(namespace) {
		return nil
	}
	return c.local.Set(ctx, namespace, key, value, c.localTTL(ttl))
}

// Delete removes the key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, namespace string, key string) error {
	if err := c.local.Delete(ctx, namespace, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, namespace, key)
}

// GetTrustScore reads the shared tier.
func (c *TwoPhaseCache) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	return c.remote.GetTrustScore(ctx, userID)
}

// SetTrustScore writes the shared tier.
func (c *TwoPhaseCache) SetTrustScore(ctx context.Context, score *domain.TrustScore, ttl time.Duration) error {
	return c.remote.SetTrustScore(ctx, score, ttl)
}

// IncrementCounter counts in the shared tier so limits hold across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, namespace, key, window)
}

// Ping checks the shared tier; the local one cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("shared cache: %w", err)
	}
	return nil
}

// Close drops the local tier and closes the shared one.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns the size and capacity of the local tier.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
