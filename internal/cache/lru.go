// Package cache provides the trust-score, profile and counter caches for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache keeps values in process, evicting the least recently used once
// maxSize is reached. Counters sit beside the values under the same key and
// do not count against maxSize.
// It backs single-node deployments and the local tier of TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	entries  map[entryKey]*list.Element
	recency  *list.List // front is most recently used
	counters map[entryKey]*counter
	now      func() time.Time
}

type entry struct {
	key     entryKey
	value   []byte
	expires time.Time
}

type counter struct {
	n       int64
	expires time.Time
}

// NewLRUCache creates a cache holding at most maxSize values.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		entries:  make(map[entryKey]*list.Element),
		recency:  list.New(),
		counters: make(map[entryKey]*counter),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests that need to step past TTLs.
func (c *LRUCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value, or nil when it is missing or expired.
func (c *LRUCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	k, err := newKey(namespace, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.live(k); e != nil {
		return e.value, nil
	}
	return nil, nil
}

// Set stores value until ttl passes.
func (c *LRUCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	k, err := newKey(namespace, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.entries[k]; ok {
		e := el.Value.(*entry)
		e.value, e.expires = value, expires
		c.recency.MoveToFront(el)
		return nil
	}

	c.entries[k] = c.recency.PushFront(&entry{key: k, value: value, expires: expires})
	for c.recency.Len() > c.maxSize {
		c.drop(c.recency.Back())
	}
	return nil
}

// Delete removes the value and any counter kept under the same key.
func (c *LRUCache) Delete(ctx context.Context, namespace string, key string) error {
	k, err := newKey(namespace, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[k]; ok {
		c.drop(el)
	}
	delete(c.counters, k)
	return nil
}

// GetTrustScore retrieves a cached trust score.
func (c *LRUCache) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	data, err := c.Get(ctx, domain.NamespaceTrust, userID)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeTrustScore(data)
}

// SetTrustScore caches a trust score.
func (c *LRUCache) SetTrustScore(ctx context.Context, score *domain.TrustScore, ttl time.Duration) error {
	data, err := encodeTrustScore(score)
	if err != nil {
		return err
	}
	return c.Set(ctx, domain.NamespaceTrust, score.UserID, data, ttl)
}

// IncrementCounter counts within a fixed window that opens on the first hit.
func (c *LRUCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	k, err := newKey(namespace, key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ct, ok := c.counters[k]
	if !ok || now.After(ct.expires) {
		ct = &counter{expires: now.Add(window)}
		c.counters[k] = ct
	}
	ct.n++
	return ct.n, nil
}

// PurgeExpired drops expired values and counters and returns how many went.
func (c *LRUCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.recency.Back(); el != nil; {
		older := el.Prev()
		if now.After(el.Value.(*entry).expires) {
			c.drop(el)
			removed++
		}
		el = older
	}
	for k, ct := range c.counters {
		if now.After(ct.expires) {
			delete(c.counters, k)
			removed++
		}
	}
	return removed
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	clear(c.counters)
	c.recency.Init()
	return nil
}

// Stats returns the number of values held and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.maxSize
}

// live returns the unexpired entry for k and marks it used. An expired entry
// is dropped. Callers hold c.mu.
func (c *LRUCache) live(k entryKey) *entry {
	el, ok := c.entries[k]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if c.now().After(e.expires) {
		c.drop(el)
		return nil
	}
	c.recency.MoveToFront(el)
	return e
}

func (c *LRUCache) drop(el *list.Element) {
	c.recency.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}
