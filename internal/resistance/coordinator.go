// Package resistance decides whether an action goes through, goes through
// with reduced weight, or is blocked, based on the actor's trust score and
// cached behavior profile.
package resistance

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/trust"
)

// Sybil risk weights.
const (
	weightLowTrust    = 0.3
	weightRapidChange = 0.3
	weightBehavior    = 0.25
	weightNetwork     = 0.15
)

// Keys written into a verdict's adjusted data.
const (
	KeyTrustWeight          = "trust_weight"
	KeyTrustLimited         = "trust_limited"
	KeyMaxImpact            = "max_impact"
	KeyRequiresVerification = "requires_verification"
	KeyDegraded             = "degraded"
)

// TrustSource supplies the actor's current trust score.
type TrustSource interface {
	GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error)
}

// ProfileSource supplies the last analyzed behavior profile, if any.
type ProfileSource interface {
	CachedProfile(ctx context.Context, userID string) (*domain.UserBehaviorProfile, bool)
}

// Options carries the optional collaborators of a Coordinator.
type Options struct {
	Alerts  domain.AlertSink
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Coordinator combines the sybil, consensus and reputation checks.
type Coordinator struct {
	cfg      domain.ResistanceConfig
	trust    TrustSource
	profiles ProfileSource
	alerts   domain.AlertSink
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCoordinator validates cfg and builds a Coordinator. profiles may be nil,
// in which case behavior and network signals never contribute.
func NewCoordinator(cfg domain.ResistanceConfig, trustSource TrustSource, profiles ProfileSource, opts Options) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trustSource == nil {
		return nil, fmt.Errorf("%w: trust source is required", domain.ErrInvalidConfig)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		cfg:      cfg,
		trust:    trustSource,
		profiles: profiles,
		alerts:   opts.Alerts,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// check is the outcome of one resistance check.
type check struct {
	resistance domain.Resistance
	reason     string
}

// ApplyAttackResistance evaluates the action and returns the verdict. data is
// copied, never mutated.
//
// When the trust score cannot be loaded, security-sensitive actions are
// blocked and the error (wrapping ErrStoreUnavailable) is returned alongside
// the verdict. Penalty and boost still go through, marked degraded.
func (c *Coordinator) ApplyAttackResistance(ctx context.Context, userID string, action domain.ActionKind, data map[string]any) (*domain.Verdict, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}

	adjusted := make(map[string]any, len(data)+4)
	maps.Copy(adjusted, data)

	score, err := c.trust.GetTrustScore(ctx, userID)
	if err != nil {
		return c.degraded(ctx, userID, action, adjusted, err)
	}

	overall := score.Overall
	weight := min(1, overall*c.cfg.TrustWeightMultiplier)
	adjusted[KeyTrustWeight] = weight

	v := &domain.Verdict{
		UserID:       userID,
		Action:       action,
		TrustWeight:  weight,
		AdjustedData: adjusted,
	}

	v.SybilRisk = c.sybilRisk(ctx, userID, score)
	checks := []check{
		c.sybilCheck(v.SybilRisk),
		c.consensusCheck(action, overall),
		c.reputationCheck(score.Reputation.GlobalScore),
	}
	v.Resistance = domain.ResistanceAllowed
	for _, ch := range checks {
		v.Resistance = domain.Worst(v.Resistance, ch.resistance)
		if ch.reason != "" {
			v.Reasons = append(v.Reasons, ch.reason)
		}
	}
	v.Allowed = v.Resistance != domain.ResistanceBlocked

	if overall < c.cfg.SybilThreshold {
		adjusted[KeyTrustLimited] = true
		adjusted[KeyMaxImpact] = overall * c.cfg.MaxImpactFactor
		adjusted[KeyRequiresVerification] = true
	}

	c.metrics.ObserveVerdict(string(v.Resistance), string(action))
	if !v.Allowed {
		slog.Warn("action blocked",
			"user_id", userID,
			"action", action,
			"sybil_risk", v.SybilRisk,
			"trust_score", overall,
		)
		c.recordBlocked(ctx, v)
	} else {
		slog.Debug("attack resistance applied",
			"user_id", userID,
			"action", action,
			"resistance", v.Resistance,
			"trust_weight", weight,
		)
	}
	return v, nil
}

// DetectRapidScoreChange reports whether the recent score history moved
// faster than the configured average or single-step limits.
func (c *Coordinator) DetectRapidScoreChange(history []domain.HistoryEntry) bool {
	return trust.RapidChange(history, c.cfg.RapidChangeWindow, c.cfg.RapidChangeAverage, c.cfg.RapidChangeSingle)
}

// SybilRisk estimates the actor's sybil risk without producing a verdict.
func (c *Coordinator) SybilRisk(ctx context.Context, userID string) (float64, error) {
	score, err := c.trust.GetTrustScore(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return c.sybilRisk(ctx, userID, score), nil
}

func (c *Coordinator) sybilRisk(ctx context.Context, userID string, score *domain.TrustScore) float64 {
	var lowTrust float64
	switch {
	case score.Overall < c.cfg.SybilThreshold:
		lowTrust = 1
	case score.Overall < 0.5:
		lowTrust = 0.5
	}

	var rapid float64
	if c.DetectRapidScoreChange(score.History) {
		rapid = 1
	}

	var behavior, network float64
	if c.profiles != nil {
		if p, ok := c.profiles.CachedProfile(ctx, userID); ok {
			behavior = suspiciousBehavior(p)
			network = networkAnomaly(p)
		}
	}

	risk := weightLowTrust*lowTrust + weightRapidChange*rapid + weightBehavior*behavior + weightNetwork*network
	return domain.Clamp01(math.Round(risk*1e6) / 1e6)
}

func suspiciousBehavior(p *domain.UserBehaviorProfile) float64 {
	switch {
	case p.ActivityPattern.AutomatedBehavior || p.RiskScore > 0.7:
		return 1
	case p.RiskScore > 0.6:
		return 0.5
	}
	return 0
}

func networkAnomaly(p *domain.UserBehaviorProfile) float64 {
	for _, f := range p.Flags {
		if f.Type == domain.FlagNetworkIsolation || f.Type == domain.FlagCoordinatedVoting {
			return 1
		}
	}
	return 0
}

func (c *Coordinator) sybilCheck(risk float64) check {
	if risk >= c.cfg.SybilRiskBlock {
		return check{domain.ResistanceBlocked, fmt.Sprintf("sybil risk %.2f at or above %.2f", risk, c.cfg.SybilRiskBlock)}
	}
	return check{resistance: domain.ResistanceAllowed}
}

func (c *Coordinator) consensusCheck(action domain.ActionKind, overall float64) check {
	if action.Voting() && overall < c.cfg.ConsensusThreshold {
		return check{domain.ResistanceLimited, fmt.Sprintf("trust %.2f below consensus threshold %.2f", overall, c.cfg.ConsensusThreshold)}
	}
	return check{resistance: domain.ResistanceAllowed}
}

func (c *Coordinator) reputationCheck(global float64) check {
	if global < c.cfg.ReputationThreshold {
		return check{domain.ResistanceLimited, fmt.Sprintf("reputation %.2f below %.2f", global, c.cfg.ReputationThreshold)}
	}
	return check{resistance: domain.ResistanceAllowed}
}

func (c *Coordinator) degraded(ctx context.Context, userID string, action domain.ActionKind, adjusted map[string]any, cause error) (*domain.Verdict, error) {
	adjusted[KeyDegraded] = true
	v := &domain.Verdict{
		UserID:       userID,
		Action:       action,
		AdjustedData: adjusted,
		Reasons:      []string{"trust score unavailable"},
	}

	if !action.SecuritySensitive() {
		v.Allowed = true
		v.Resistance = domain.ResistanceAllowed
		v.TrustWeight = 1
		adjusted[KeyTrustWeight] = v.TrustWeight
		slog.Warn("trust score unavailable, allowing system action",
			"user_id", userID,
			"action", action,
			"error", cause,
		)
		c.metrics.ObserveVerdict(string(v.Resistance), string(action))
		return v, nil
	}

	v.Resistance = domain.ResistanceBlocked
	adjusted[KeyTrustWeight] = 0.0
	slog.Error("trust score unavailable, blocking action",
		"user_id", userID,
		"action", action,
		"error", cause,
	)
	c.metrics.ObserveVerdict(string(v.Resistance), string(action))
	c.recordBlocked(ctx, v)
	return v, fmt.Errorf("%w: load trust score for %s: %w", domain.ErrStoreUnavailable, userID, cause)
}

func (c *Coordinator) recordBlocked(ctx context.Context, v *domain.Verdict) {
	if c.alerts == nil {
		return
	}
	c.alerts.RecordAlert(ctx, domain.Alert{
		ID:       uuid.New().String(),
		Kind:     domain.AlertActionBlocked,
		Severity: domain.SeverityHigh,
		Message:  fmt.Sprintf("%s blocked for user %s", v.Action, v.UserID),
		Detail: map[string]any{
			"user_id":    v.UserID,
			"action":     string(v.Action),
			"sybil_risk": v.SybilRisk,
			"reasons":    v.Reasons,
		},
		Source:    "resistance",
		CreatedAt: c.now(),
	})
}
