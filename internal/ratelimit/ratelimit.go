// Package ratelimit enforces the per-band request budgets of the trust
// threshold table using windowed cache counters. A user who exhausts a
// window sits out a cooldown of window * penaltyMultiplier.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// TrustSource resolves a user's score into its band and budget.
type TrustSource interface {
	GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error)
	ThresholdFor(score float64) domain.TrustThreshold
	RateLimitFor(score float64) domain.RateLimit
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Band       domain.Band   `json:"band"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"-"`
	Penalized  bool          `json:"penalized,omitempty"`
}

// Limiter counts requests per user against their band budget.
type Limiter struct {
	cfg     domain.RateLimitConfig
	cache   domain.Cache
	trust   TrustSource
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Limiter. now may be nil.
func New(cfg domain.RateLimitConfig, cache domain.Cache, trust TrustSource, m *metrics.Metrics, now func() time.Time) (*Limiter, error) {
	if cache == nil || trust == nil {
		return nil, fmt.Errorf("%w: rate limiter needs a cache and a trust source", domain.ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{cfg: cfg, cache: cache, trust: trust, metrics: m, now: now}, nil
}

// Allow counts one request for userID and reports whether it fits the budget.
func (l *Limiter) Allow(ctx context.Context, userID string) (Decision, error) {
	if userID == "" {
		return Decision{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	score, err := l.trust.GetTrustScore(ctx, userID)
	if err != nil {
		return l.unavailable(userID, "", 0, fmt.Errorf("load trust score: %w", err))
	}
	band := l.trust.ThresholdFor(score.Overall).Band
	limit := l.trust.RateLimitFor(score.Overall)

	d := Decision{Band: band, Limit: limit.MaxRequests}
	if !l.cfg.Enabled {
		d.Allowed = true
		d.Remaining = limit.MaxRequests
		return d, nil
	}

	now := l.now()
	until, err := l.penaltyUntil(ctx, userID)
	if err != nil {
		return l.unavailable(userID, band, limit.MaxRequests, err)
	}
	if until.After(now) {
		d.Penalized = true
		d.RetryAfter = until.Sub(now)
		l.metrics.ObserveRateLimited(string(band))
		return d, nil
	}

	count, err := l.cache.IncrementCounter(ctx, domain.NamespaceRateLimit, userID, limit.Window)
	if err != nil {
		return l.unavailable(userID, band, limit.MaxRequests, fmt.Errorf("increment counter: %w", err))
	}
	if count <= int64(limit.MaxRequests) {
		d.Allowed = true
		d.Remaining = limit.MaxRequests - int(count)
		return d, nil
	}

	cooldown := time.Duration(float64(limit.Window) * limit.PenaltyMultiplier)
	if cooldown > 0 {
		expiry := now.Add(cooldown)
		value := []byte(strconv.FormatInt(expiry.UnixNano(), 10))
		if err := l.cache.Set(ctx, domain.NamespacePenalty, userID, value, cooldown); err != nil {
			slog.Warn("failed to record rate limit penalty", "user_id", userID, "error", err)
		}
		d.RetryAfter = cooldown
		d.Penalized = true
	}

	l.metrics.ObserveRateLimited(string(band))
	slog.Info("rate limit exceeded",
		"user_id", userID,
		"band", band,
		"count", count,
		"limit", limit.MaxRequests,
		"cooldown", cooldown,
	)
	return d, nil
}

// Reset clears a user's penalty. The current window counter runs out on its own.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.cache.Delete(ctx, domain.NamespacePenalty, userID)
}

func (l *Limiter) penaltyUntil(ctx context.Context, userID string) (time.Time, error) {
	raw, err := l.cache.Get(ctx, domain.NamespacePenalty, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load penalty: %w", err)
	}
	if raw == nil {
		return time.Time{}, nil
	}
	nanos, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		slog.Warn("discarding malformed rate limit penalty", "user_id", userID, "error", err)
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

func (l *Limiter) unavailable(userID string, band domain.Band, limit int, err error) (Decision, error) {
	if l.cfg.FailOpen {
		slog.Warn("rate limiter unavailable, admitting request", "user_id", userID, "error", err)
		return Decision{Allowed: true, Band: band, Limit: limit}, nil
	}
	return Decision{Band: band, Limit: limit}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
