// Package sweep runs the periodic background pass: re-analysis of monitored
// users, a coordinated-attack scan and inactivity decay.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel/sweep")

// unitTimeout bounds a single user analysis or scan once it has started.
const unitTimeout = 30 * time.Second

// Analyzer is the sybil engine surface the sweep drives.
type Analyzer interface {
	MonitoredUsers() []string
	AnalyzeUserBehavior(ctx context.Context, userID string) (*domain.UserBehaviorProfile, error)
	DetectCoordinatedAttacks(ctx context.Context) (*domain.CoordinatedAttackFinding, error)
}

// Decayer applies inactivity decay to stale scores.
type Decayer interface {
	DecayInactive(ctx context.Context, limit int) (int, error)
}

// Report summarizes one tick.
type Report struct {
	Analyzed int
	Skipped  int
	Decayed  int
	Errors   int
	Finding  *domain.CoordinatedAttackFinding
	Duration time.Duration
}

// Sweeper owns the background tick.
type Sweeper struct {
	cfg      domain.SweepConfig
	analyzer Analyzer
	decayer  Decayer
	metrics  *metrics.Metrics
}

// New creates a Sweeper. decayer may be nil.
func New(cfg domain.SweepConfig, analyzer Analyzer, decayer Decayer, m *metrics.Metrics) (*Sweeper, error) {
	if analyzer == nil {
		return nil, fmt.Errorf("%w: sweep needs an analyzer", domain.ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be positive", domain.ErrInvalidConfig)
	}
	return &Sweeper{cfg: cfg, analyzer: analyzer, decayer: decayer, metrics: m}, nil
}

// Run ticks every Interval until ctx is cancelled. A tick in progress
// finishes the unit of work it is on before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("sweep started", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass. Cancellation is observed between units of work; a
// started analysis or scan is never cut short, so no user is left half-updated.
func (s *Sweeper) Tick(ctx context.Context) Report {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "sweep.Tick")
	defer span.End()

	var r Report

	users := s.analyzer.MonitoredUsers()
	if limit := s.cfg.MaxUsersPerTick; limit > 0 && len(users) > limit {
		r.Skipped = len(users) - limit
		users = users[:limit]
	}
	for i, userID := range users {
		if ctx.Err() != nil {
			r.Skipped += len(users) - i
			break
		}
		if err := s.unit(ctx, func(uctx context.Context) error {
			_, err := s.analyzer.AnalyzeUserBehavior(uctx, userID)
			return err
		}); err != nil {
			r.Errors++
			slog.Warn("sweep analysis failed", "user_id", userID, "error", err)
			continue
		}
		r.Analyzed++
	}

	if ctx.Err() == nil {
		if err := s.unit(ctx, func(uctx context.Context) error {
			f, err := s.analyzer.DetectCoordinatedAttacks(uctx)
			r.Finding = f
			return err
		}); err != nil {
			r.Errors++
			slog.Warn("sweep coordinated scan failed", "error", err)
		}
	}

	if s.decayer != nil && s.cfg.DecayBatch > 0 && ctx.Err() == nil {
		n, err := s.decayer.DecayInactive(ctx, s.cfg.DecayBatch)
		r.Decayed = n
		if err != nil {
			r.Errors++
			slog.Warn("sweep decay failed", "error", err)
		}
	}

	r.Duration = time.Since(start)
	s.metrics.ObserveSweep(r.Duration, r.Errors)
	span.SetAttributes(
		attribute.Int("sweep.analyzed", r.Analyzed),
		attribute.Int("sweep.errors", r.Errors),
	)
	if r.Finding != nil && r.Finding.Detected {
		span.AddEvent("coordinated_attack", trace.WithAttributes(
			attribute.String("attack.type", string(r.Finding.AttackType)),
		))
	}

	slog.Info("sweep tick complete",
		"analyzed", r.Analyzed,
		"skipped", r.Skipped,
		"decayed", r.Decayed,
		"errors", r.Errors,
		"attack_detected", r.Finding != nil && r.Finding.Detected,
		"duration_ms", r.Duration.Milliseconds(),
	)
	return r
}

// unit runs fn detached from ctx cancellation but bounded by unitTimeout.
func (s *Sweeper) unit(ctx context.Context, fn func(context.Context) error) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
	defer cancel()
	return fn(uctx)
}
