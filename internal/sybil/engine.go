// Package sybil builds behavior profiles, scores their risk, drives the risk
// handling state of each user and scans cross-user activity for coordinated
// attacks.
package sybil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/origin"
)

var tracer = otel.Tracer("kestrel/sybil")

// Store is the read side the engine analyzes.
type Store interface {
	domain.BehaviorStore
	domain.ScanStore
}

// TrustReader supplies current trust scores. The engine never writes them.
type TrustReader interface {
	GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error)
}

// RuleEvaluator evaluates operator-defined rules against a profile.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, profile *domain.UserBehaviorProfile) []domain.RuleHit
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Rules     RuleEvaluator
	Graph     domain.EndorsementGraph
	Origins   domain.OriginResolver
	Suspender domain.SuspensionActuator
	Alerts    domain.AlertSink
	Bus       domain.EventBus
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Engine is the sybil detection engine. It owns behavior profiles and the
// risk handling state; trust scores are read through TrustReader.
type Engine struct {
	cfg        domain.SybilConfig
	store      Store
	trust      TrustReader
	cache      domain.Cache
	aggregator *behavior.Aggregator
	rules      RuleEvaluator
	graph      domain.EndorsementGraph
	origins    domain.OriginResolver
	suspender  domain.SuspensionActuator
	alerts     domain.AlertSink
	bus        domain.EventBus
	metrics    *metrics.Metrics
	now        func() time.Time
	tracker    *tracker
	devices    *deviceFilter
}

// NewEngine validates cfg and builds an Engine. Without a graph the engine
// searches rings over the store; without an origin resolver it groups
// origins by subnet.
func NewEngine(cfg domain.SybilConfig, store Store, trust TrustReader, cache domain.Cache, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: behavior store is required", domain.ErrInvalidConfig)
	}
	if trust == nil {
		return nil, fmt.Errorf("%w: trust reader is required", domain.ErrInvalidConfig)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: cache is required", domain.ErrInvalidConfig)
	}

	g := opts.Graph
	if g == nil {
		g = graph.NewStoreGraph(store, cfg.Detection.MaxRecords)
	}
	origins := opts.Origins
	if origins == nil {
		origins = origin.NewSubnetResolver(24, 48)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		trust:      trust,
		cache:      cache,
		aggregator: behavior.NewAggregator(store, cfg),
		rules:      opts.Rules,
		graph:      g,
		origins:    origins,
		suspender:  opts.Suspender,
		alerts:     opts.Alerts,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		now:        now,
		tracker:    newTracker(cfg.DemotionPasses),
		devices:    newDeviceFilter(cfg.BloomCapacity, cfg.BloomFPRate),
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() domain.SybilConfig {
	return e.cfg
}

// AnalyzeUserBehavior rebuilds the user's profile, advances the risk state
// and runs the handling path for the state it lands in. Store failures and
// unknown users are returned as errors.
func (e *Engine) AnalyzeUserBehavior(ctx context.Context, userID string) (*domain.UserBehaviorProfile, error) {
	ctx, span := tracer.Start(ctx, "sybil.AnalyzeUserBehavior",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	p, sum, err := e.buildProfile(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	storeSuspended := sum.User.Status == domain.UserSuspended
	prev, next := e.tracker.observe(userID, e.classify(p.RiskScore), storeSuspended)
	p.RiskState = next
	if prev != next && !storeSuspended {
		e.onTransition(ctx, p, sum.Devices, prev, next)
	}

	e.cacheProfile(ctx, p)
	e.metrics.ObserveProfile(p.RiskScore, flagTypes(p.Flags))
	span.SetAttributes(
		attribute.Float64("risk.score", p.RiskScore),
		attribute.String("risk.state", string(next)),
	)

	slog.Debug("behavior analyzed",
		"user_id", userID,
		"risk_score", p.RiskScore,
		"risk_state", next,
		"flags", len(p.Flags),
	)
	return p, nil
}

// buildProfile reads behavior and trust and scores them. It has no side effects.
func (e *Engine) buildProfile(ctx context.Context, userID string) (*domain.UserBehaviorProfile, *behavior.Summary, error) {
	sum, err := e.aggregator.Aggregate(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	score, err := e.trust.GetTrustScore(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load trust score: %w", err)
	}

	p := &domain.UserBehaviorProfile{
		UserID:             userID,
		CreatedAt:          sum.User.CreatedAt,
		LastActivity:       sum.LastActivity,
		AnalyzedAt:         e.now(),
		TrustScore:         score.Overall,
		ActivityPattern:    sum.Activity,
		NetworkConnections: sum.Network,
		VotingHistory:      sum.Voting,
		ReportingHistory:   sum.Reporting,
		LocationHistory:    sum.Location,
		DeviceFingerprint:  sum.User.DeviceFingerprint,
		RiskState:          e.tracker.state(userID),
	}
	if p.DeviceFingerprint == "" && len(sum.Devices) > 0 {
		p.DeviceFingerprint = sum.Devices[0]
	}

	var shared string
	if sum.User.Status != domain.UserSuspended {
		shared = e.devices.match(sum.Devices)
	}
	e.assess(ctx, p, score.History, shared)
	return p, sum, nil
}

// onTransition runs the handling path for a state change.
func (e *Engine) onTransition(ctx context.Context, p *domain.UserBehaviorProfile, devices []string, prev, next domain.RiskState) {
	switch {
	case next == domain.RiskStateSuspended:
		e.suspend(ctx, p, devices)
	case next == domain.RiskStateHighRisk && prev.Rank() < next.Rank():
		slog.Warn("high-risk user", "user_id", p.UserID, "risk_score", p.RiskScore)
		e.recordAlert(ctx, domain.AlertHighRiskUser, domain.SeverityHigh,
			fmt.Sprintf("user %s is high risk (%.2f)", p.UserID, p.RiskScore),
			map[string]any{"userId": p.UserID, "riskScore": p.RiskScore, "flags": flagTypes(p.Flags)})
	case prev.Rank() < next.Rank():
		slog.Info("user under increased monitoring", "user_id", p.UserID, "risk_score", p.RiskScore)
	default:
		slog.Info("risk state lowered", "user_id", p.UserID, "from", prev, "to", next)
	}
}

func (e *Engine) suspend(ctx context.Context, p *domain.UserBehaviorProfile, devices []string) {
	reason := fmt.Sprintf("risk score %.2f", p.RiskScore)
	if len(p.Flags) > 0 {
		reason += ": " + strings.Join(flagTypes(p.Flags), ", ")
	}

	if e.suspender != nil {
		if err := e.suspender.SuspendUser(ctx, p.UserID, reason); err != nil {
			slog.Error("failed to suspend user", "user_id", p.UserID, "error", err)
		}
	}
	e.devices.add(devices...)
	e.metrics.ObserveSuspension()

	slog.Warn("user suspended", "user_id", p.UserID, "risk_score", p.RiskScore, "reason", reason)
	e.recordAlert(ctx, domain.AlertUserSuspended, domain.SeverityCritical,
		fmt.Sprintf("user %s suspended: %s", p.UserID, reason),
		map[string]any{"userId": p.UserID, "riskScore": p.RiskScore, "flags": flagTypes(p.Flags), "devices": devices})
}

// CachedProfile returns the last analyzed profile if it is still cached.
func (e *Engine) CachedProfile(ctx context.Context, userID string) (*domain.UserBehaviorProfile, bool) {
	data, err := e.cache.Get(ctx, domain.NamespaceProfile, userID)
	if err != nil {
		slog.Warn("profile cache read failed", "user_id", userID, "error", err)
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	var p domain.UserBehaviorProfile
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("dropping unreadable cached profile", "user_id", userID, "error", err)
		return nil, false
	}
	return &p, true
}

func (e *Engine) cacheProfile(ctx context.Context, p *domain.UserBehaviorProfile) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Warn("failed to encode profile", "user_id", p.UserID, "error", err)
		return
	}
	if err := e.cache.Set(ctx, domain.NamespaceProfile, p.UserID, data, e.cfg.ProfileTTL); err != nil {
		slog.Warn("profile cache write failed", "user_id", p.UserID, "error", err)
	}
}

// RiskState returns the user's current handling state.
func (e *Engine) RiskState(userID string) domain.RiskState {
	return e.tracker.state(userID)
}

// MonitoredUsers returns the users in Elevated or HighRisk, sorted.
func (e *Engine) MonitoredUsers() []string {
	return e.tracker.monitored()
}

// Reinstate lifts a suspension. The user starts over in Normal and the
// suspended-device filter is rebuilt from the store.
func (e *Engine) Reinstate(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if e.suspender != nil {
		if err := e.suspender.ReinstateUser(ctx, userID); err != nil {
			return fmt.Errorf("reinstate user: %w", err)
		}
	}
	e.tracker.reset(userID)
	if err := e.cache.Delete(ctx, domain.NamespaceProfile, userID); err != nil {
		slog.Warn("profile cache delete failed", "user_id", userID, "error", err)
	}
	if err := e.SeedSuspendedDevices(ctx); err != nil {
		slog.Warn("failed to rebuild suspended device filter", "error", err)
	}
	slog.Info("user reinstated", "user_id", userID)
	return nil
}

// SeedSuspendedDevices replaces the suspended-device filter with the
// fingerprints the store holds for suspended accounts.
func (e *Engine) SeedSuspendedDevices(ctx context.Context) error {
	fps, err := e.store.ListSuspendedDevices(ctx, int(e.cfg.BloomCapacity))
	if err != nil {
		return fmt.Errorf("list suspended devices: %w", err)
	}
	e.devices.replace(fps)
	slog.Info("suspended device filter seeded", "devices", len(fps))
	return nil
}

func (e *Engine) recordAlert(ctx context.Context, kind string, severity domain.Severity, message string, detail map[string]any) {
	if e.alerts == nil {
		return
	}
	e.alerts.RecordAlert(ctx, domain.Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Detail:    detail,
		Source:    "sybil",
		CreatedAt: e.now(),
	})
}
