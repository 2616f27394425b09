package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// incrWithExpiry increments a counter and arms its expiry on the first hit.
var incrWithExpiry = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache using Redis.
// It is shared by every node and backs the shared tier of TwoPhaseCache.
// Keys have the form kestrel:{subject}:namespace.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and checks the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns the value, or nil when Redis has none.
func (c *RedisCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	k, err := newKey(namespace, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, k.remote()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}
	return val, nil
}

// Set stores value until ttl passes.
func (c *RedisCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	k, err := newKey(namespace, key)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, k.remote(), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}

// Delete removes the value and the counter kept beside it.
func (c *RedisCache) Delete(ctx context.Context, namespace string, key string) error {
	k, err := newKey(namespace, key)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, k.remote(), k.remoteCounter()).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", k, err)
	}
	return nil
}

// GetTrustScore retrieves a cached trust score.
func (c *RedisCache) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	data, err := c.Get(ctx, domain.NamespaceTrust, userID)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeTrustScore(data)
}

// SetTrustScore caches a trust score.
func (c *RedisCache) SetTrustScore(ctx context.Context, score *domain.TrustScore, ttl time.Duration) error {
	data, err := encodeTrustScore(score)
	if err != nil {
		return err
	}
	return c.Set(ctx, domain.NamespaceTrust, score.UserID, data, ttl)
}

// IncrementCounter counts within a fixed window that opens on the first hit.
func (c *RedisCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	k, err := newKey(namespace, key)
	if err != nil {
		return 0, err
	}

	n, err := incrWithExpiry.Run(ctx, c.client, []string{k.remoteCounter()}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", k, err)
	}
	return n, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
