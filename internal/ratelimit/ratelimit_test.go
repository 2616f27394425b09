package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// fixedTrust puts every user in one band.
type fixedTrust struct {
	band  domain.Band
	limit domain.RateLimit
	err   error
}

func (f *fixedTrust) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.TrustScore{UserID: userID, Overall: 0.1}, nil
}

func (f *fixedTrust) ThresholdFor(score float64) domain.TrustThreshold {
	return domain.TrustThreshold{Band: f.band}
}

func (f *fixedTrust) RateLimitFor(score float64) domain.RateLimit {
	return f.limit
}

func veryLow() *fixedTrust {
	return &fixedTrust{
		band:  domain.BandVeryLow,
		limit: domain.RateLimit{MaxRequests: 10, Window: 15 * time.Minute, PenaltyMultiplier: 2.0},
	}
}

type brokenCounter struct {
	domain.Cache
}

func (b brokenCounter) IncrementCounter(ctx context.Context, namespace, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func newLimiter(t *testing.T, cfg domain.RateLimitConfig, c domain.Cache, tr TrustSource, clk *stepClock) *Limiter {
	t.Helper()
	l, err := New(cfg, c, tr, nil, clk.now)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestAllow(t *testing.T) {
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	lru := cache.NewLRUCache(100)
	lru.SetClock(clk.now)
	l := newLimiter(t, domain.RateLimitConfig{Enabled: true}, lru, veryLow(), clk)

	t.Run("WithinBudget", func(t *testing.T) {
		for i := 1; i <= 10; i++ {
			d, err := l.Allow(ctx, "user-1")
			if err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
			if !d.Allowed {
				t.Fatalf("request %d should be allowed", i)
			}
			if d.Remaining != 10-i {
				t.Errorf("request %d: expected %d remaining, got %d", i, 10-i, d.Remaining)
			}
			if d.Band != domain.BandVeryLow {
				t.Errorf("expected very_low band, got %s", d.Band)
			}
		}
	})

	t.Run("ExceededStartsCooldown", func(t *testing.T) {
		d, err := l.Allow(ctx, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed || !d.Penalized {
			t.Fatalf("expected penalized denial, got %+v", d)
		}
		if d.RetryAfter != 30*time.Minute {
			t.Errorf("expected 30m cooldown, got %v", d.RetryAfter)
		}
	})

	t.Run("CooldownOutlastsWindow", func(t *testing.T) {
		clk.advance(20 * time.Minute)
		d, _ := l.Allow(ctx, "user-1")
		if d.Allowed {
			t.Fatal("expected denial during cooldown")
		}
		if d.RetryAfter != 10*time.Minute {
			t.Errorf("expected 10m left, got %v", d.RetryAfter)
		}
	})

	t.Run("RecoversAfterCooldown", func(t *testing.T) {
		clk.advance(10*time.Minute + time.Second)
		d, _ := l.Allow(ctx, "user-1")
		if !d.Allowed || d.Remaining != 9 {
			t.Errorf("expected a fresh window, got %+v", d)
		}
	})

	t.Run("OtherUsersIndependent", func(t *testing.T) {
		d, _ := l.Allow(ctx, "user-2")
		if !d.Allowed || d.Remaining != 9 {
			t.Errorf("expected independent budget, got %+v", d)
		}
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	lru := cache.NewLRUCache(100)
	lru.SetClock(clk.now)
	tr := veryLow()
	tr.limit.MaxRequests = 1
	l := newLimiter(t, domain.RateLimitConfig{Enabled: true}, lru, tr, clk)

	l.Allow(ctx, "u")
	if d, _ := l.Allow(ctx, "u"); d.Allowed {
		t.Fatal("expected second request to be denied")
	}
	if err := l.Reset(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	clk.advance(15*time.Minute + time.Second)
	if d, _ := l.Allow(ctx, "u"); !d.Allowed {
		t.Errorf("expected reset user to be admitted, got %+v", d)
	}
}

func TestMalformedPenaltyIgnored(t *testing.T) {
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	lru := cache.NewLRUCache(100)
	lru.SetClock(clk.now)
	lru.Set(ctx, domain.NamespacePenalty, "u", []byte("not-a-time"), time.Hour)

	l := newLimiter(t, domain.RateLimitConfig{Enabled: true}, lru, veryLow(), clk)
	if d, err := l.Allow(ctx, "u"); err != nil || !d.Allowed {
		t.Errorf("expected admission, got %+v %v", d, err)
	}
}

func TestDisabled(t *testing.T) {
	clk := &stepClock{t: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	tr := veryLow()
	tr.limit.MaxRequests = 1
	l := newLimiter(t, domain.RateLimitConfig{}, cache.NewLRUCache(10), tr, clk)

	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(context.Background(), "u"); !d.Allowed {
			t.Fatalf("disabled limiter denied request %d", i)
		}
	}
}

func TestCacheFailure(t *testing.T) {
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	broken := brokenCounter{Cache: cache.NewLRUCache(10)}

	t.Run("FailOpen", func(t *testing.T) {
		l := newLimiter(t, domain.RateLimitConfig{Enabled: true, FailOpen: true}, broken, veryLow(), clk)
		d, err := l.Allow(ctx, "u")
		if err != nil || !d.Allowed {
			t.Errorf("expected admission, got %+v %v", d, err)
		}
	})

	t.Run("FailClosed", func(t *testing.T) {
		l := newLimiter(t, domain.RateLimitConfig{Enabled: true}, broken, veryLow(), clk)
		d, err := l.Allow(ctx, "u")
		if !errors.Is(err, domain.ErrStoreUnavailable) || d.Allowed {
			t.Errorf("expected denial with ErrStoreUnavailable, got %+v %v", d, err)
		}
	})

	t.Run("TrustUnavailable", func(t *testing.T) {
		tr := veryLow()
		tr.err = errors.New("db down")
		l := newLimiter(t, domain.RateLimitConfig{Enabled: true}, cache.NewLRUCache(10), tr, clk)
		if _, err := l.Allow(ctx, "u"); !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Errorf("expected ErrStoreUnavailable, got %v", err)
		}
	})
}

func TestNewValidation(t *testing.T) {
	if _, err := New(domain.RateLimitConfig{}, nil, veryLow(), nil, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	lim, err := New(domain.RateLimitConfig{Enabled: true}, cache.NewLRUCache(1), veryLow(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lim.Allow(context.Background(), ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
