// Package trust owns the per-user trust score: weighted factors, decay and
// growth, history, reputation, threshold bands and rate limits.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// HistoryDecay is the action recorded when inactivity decay lowers a score.
const HistoryDecay = "decay"

// Options carries the optional collaborators of a Manager.
type Options struct {
	MFA     domain.MFAProvider
	Alerts  domain.AlertSink
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager computes and persists trust scores.
// Updates for one user are serialized by a per-user lock inside the process
// and by versioned store writes across processes. Different users proceed in
// parallel.
type Manager struct {
	cfg     domain.TrustConfig
	store   domain.TrustStore
	cache   domain.Cache
	mfa     domain.MFAProvider
	alerts  domain.AlertSink
	metrics *metrics.Metrics
	now     func() time.Time
	locks   *userLocks
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg domain.TrustConfig, store domain.TrustStore, cache domain.Cache, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: trust store is required", domain.ErrInvalidConfig)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: cache is required", domain.ErrInvalidConfig)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		mfa:     opts.MFA,
		alerts:  opts.Alerts,
		metrics: opts.Metrics,
		now:     now,
		locks:   newUserLocks(),
	}, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() domain.TrustConfig {
	return m.cfg
}

// maxWriteAttempts bounds the retries when another node wins a score write.
const maxWriteAttempts = 5

// CalculateTrustScore applies one action to the user's score and persists it.
// A write that loses to another node is replayed on the stored score. If the
// store rejects the write for any other reason, the cache still holds the new
// score and the error is returned.
func (m *Manager) CalculateTrustScore(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.ScoreUpdate, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	impact, ok := m.cfg.Impacts[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not scored", domain.ErrUnknownAction, action)
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		var (
			score *domain.TrustScore
			err   error
		)
		if attempt == 1 {
			score, err = m.load(ctx, userID)
		} else {
			score, err = m.loadStored(ctx, userID)
		}
		if err != nil {
			return nil, err
		}

		now := m.now()
		previous := score.Overall
		growth := m.apply(score, action, impact, actx, now)
		change := score.Overall - previous

		err = m.persist(ctx, score)
		if errors.Is(err, domain.ErrConflict) && attempt < maxWriteAttempts {
			slog.Debug("trust score write conflict, replaying",
				"user_id", userID,
				"action", action,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		m.metrics.ObserveScore(string(action), change)
		if math.Abs(change) > m.cfg.AuditChangeThreshold {
			m.recordScoreChange(ctx, userID, action, previous, score.Overall, change)
		}

		slog.Debug("trust score updated",
			"user_id", userID,
			"action", action,
			"previous", previous,
			"score", score.Overall,
			"growth", growth,
		)

		return &domain.ScoreUpdate{
			UserID:        userID,
			NewScore:      score.Overall,
			PreviousScore: previous,
			Change:        change,
			Factors:       score.Factors,
		}, nil
	}
}

// apply folds one action into score and returns the growth boost it earned.
func (m *Manager) apply(score *domain.TrustScore, action domain.ActionKind, impact domain.Impact, actx domain.ActionContext, now time.Time) float64 {
	previous := score.Overall

	applyEvidence(m.cfg, &score.Factors, impact, actx)

	growth := GrowthBoost(m.cfg.Growth, score.History, action, actx.Outcome, now)
	overall := domain.Clamp01(WeightedScore(m.cfg.Weights, score.Factors) + growth)
	overall = ApplyDecay(m.cfg.Decay, overall, DecayAmount(m.cfg.Decay, score.Reputation.LastActivity, now))

	score.Overall = overall
	score.History = appendHistory(score.History, domain.HistoryEntry{
		Timestamp: now,
		Score:     overall,
		Action:    string(action),
		Context:   contextSummary(actx),
		Reason:    actx.Reason,
		Impact:    overall - previous,
	}, m.cfg.HistoryLimit)
	score.Confidence = Confidence(score.Factors)
	updateReputation(&score.Reputation, overall, score.Factors, action, now)
	score.LastUpdated = now
	score.DecayApplied = 0
	return growth
}

// GetTrustScore returns the user's current score, applying any inactivity
// decay that has accrued since the last action. Unknown users get a neutral
// default.
func (m *Manager) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	score, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	owed := DecayAmount(m.cfg.Decay, score.Reputation.LastActivity, now)
	pending := owed - score.DecayApplied
	if pending <= 1e-12 {
		return score, nil
	}

	before := score.Overall
	after := ApplyDecay(m.cfg.Decay, before, pending)
	score.DecayApplied = owed
	if after == before {
		return score, nil
	}

	score.Overall = after
	score.Reputation.GlobalScore = after
	score.LastUpdated = now
	score.History = appendHistory(score.History, domain.HistoryEntry{
		Timestamp: now,
		Score:     after,
		Action:    HistoryDecay,
		Reason:    "inactivity",
		Impact:    after - before,
	}, m.cfg.HistoryLimit)
	m.metrics.ObserveDecay()

	if err := m.persist(ctx, score); err != nil {
		// Reads stay available on the decayed value; a lost race leaves the
		// decay to the next read of the stored score.
		slog.Warn("failed to persist decayed trust score", "user_id", userID, "error", err)
	}

	slog.Debug("inactivity decay applied",
		"user_id", userID,
		"previous", before,
		"score", after,
		"decay_total", owed,
	)
	return score, nil
}

// DecayInactive applies accrued decay to up to limit users whose last
// activity is older than the inactivity threshold. It returns how many users
// were visited.
func (m *Manager) DecayInactive(ctx context.Context, limit int) (int, error) {
	now := m.now()
	ids, err := m.store.ListStaleTrustScores(ctx, domain.StaleQuery{
		ActiveBefore:  now.Add(-m.cfg.Decay.InactivityThreshold),
		UpdatedBefore: now.Add(-24 * time.Hour),
		Floor:         m.cfg.Decay.Floor,
		MaxDecay:      m.cfg.Decay.MaxDecay,
		Limit:         limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale trust scores: %w", err)
	}

	var errs []error
	visited := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.GetTrustScore(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("decay %s: %w", id, err))
			continue
		}
		visited++
	}
	return visited, errors.Join(errs...)
}

// GetTrustThreshold returns the band the user's current score falls in.
func (m *Manager) GetTrustThreshold(ctx context.Context, userID string) (domain.TrustThreshold, error) {
	score, err := m.GetTrustScore(ctx, userID)
	if err != nil {
		return domain.TrustThreshold{}, err
	}
	return m.ThresholdFor(score.Overall), nil
}

// CanPerformAction checks the action against the user's band permissions and
// any requirements the band imposes.
func (m *Manager) CanPerformAction(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.PermissionResult, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}
	score, err := m.GetTrustScore(ctx, userID)
	if err != nil {
		return nil, err
	}
	th := m.ThresholdFor(score.Overall)

	if !th.Permits(action) {
		return &domain.PermissionResult{
			Allowed:      false,
			Reason:       fmt.Sprintf("insufficient trust level: %s does not permit %s", th.Band, action),
			Restrictions: th.Restrictions,
		}, nil
	}

	relaxed := m.cfg.EmergencyRelaxation && (th.Band == domain.BandLow || th.Band == domain.BandMedium)
	if !relaxed {
		unmet := m.unmetRequirements(ctx, userID, score, th.Requirements, actx)
		if len(unmet) > 0 {
			return &domain.PermissionResult{
				Allowed:      false,
				Reason:       fmt.Sprintf("requirements not met for %s", th.Band),
				Requirements: unmet,
				Restrictions: th.Restrictions,
			}, nil
		}
	}

	return &domain.PermissionResult{
		Allowed:      true,
		Restrictions: th.Restrictions,
	}, nil
}

// GetTrustBasedRateLimit returns the request budget of the user's band.
func (m *Manager) GetTrustBasedRateLimit(ctx context.Context, userID string) (domain.RateLimit, error) {
	score, err := m.GetTrustScore(ctx, userID)
	if err != nil {
		return domain.RateLimit{}, err
	}
	return m.RateLimitFor(score.Overall), nil
}

func (m *Manager) unmetRequirements(ctx context.Context, userID string, score *domain.TrustScore, reqs []domain.Requirement, actx domain.ActionContext) []domain.Requirement {
	var unmet []domain.Requirement
	for _, req := range reqs {
		switch req {
		case domain.RequirementMFA:
			if !m.mfaEnabled(ctx, userID) {
				unmet = append(unmet, req)
			}
		case domain.RequirementManualReview:
			if !actx.ManualReviewApproved {
				unmet = append(unmet, req)
			}
		case domain.RequirementTrustedUser:
			if score.Confidence < m.cfg.TrustedConfidence {
				unmet = append(unmet, req)
			}
		default:
			unmet = append(unmet, req)
		}
	}
	return unmet
}

// mfaEnabled fails closed when the provider is missing or errors.
func (m *Manager) mfaEnabled(ctx context.Context, userID string) bool {
	if m.mfa == nil {
		return false
	}
	ok, err := m.mfa.IsMFAEnabled(ctx, userID)
	if err != nil {
		slog.Warn("MFA lookup failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}

// load returns the cached score, then the stored one, then a neutral default.
// Callers must hold the user's lock.
func (m *Manager) load(ctx context.Context, userID string) (*domain.TrustScore, error) {
	cached, err := m.cache.GetTrustScore(ctx, userID)
	if err != nil {
		slog.Warn("trust cache read failed", "user_id", userID, "error", err)
	}
	if cached != nil {
		return cached, nil
	}
	return m.loadStored(ctx, userID)
}

// loadStored reads the store, refilling the cache.
func (m *Manager) loadStored(ctx context.Context, userID string) (*domain.TrustScore, error) {
	stored, err := m.store.LoadTrustScore(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return m.newScore(userID), nil
	case err != nil:
		return nil, fmt.Errorf("load trust score: %w", err)
	}
	if stored.UserID == "" {
		stored.UserID = userID
	}
	if err := m.cache.SetTrustScore(ctx, stored, m.cfg.CacheTTL); err != nil {
		slog.Warn("trust cache write failed", "user_id", userID, "error", err)
	}
	return stored.Clone(), nil
}

func (m *Manager) newScore(userID string) *domain.TrustScore {
	now := m.now()
	f := domain.DefaultFactors()
	overall := WeightedScore(m.cfg.Weights, f)
	return &domain.TrustScore{
		UserID:     userID,
		Overall:    overall,
		Factors:    f,
		Confidence: Confidence(f),
		Reputation: domain.Reputation{
			GlobalScore:    overall,
			CommunityScore: (f.CommunityEndorsement + f.ConsistencyScore) / 2,
			DomainScore:    (f.ReportingAccuracy + f.ConfirmationAccuracy + f.DisputeAccuracy) / 3,
			LastActivity:   now,
		},
		LastUpdated: now,
	}
}

// persist writes the store, then the cache. A store outage still caches the
// new score so reads stay available. A lost version race caches nothing and
// evicts the stale entry.
func (m *Manager) persist(ctx context.Context, score *domain.TrustScore) error {
	err := m.store.SaveTrustScore(ctx, score)
	if errors.Is(err, domain.ErrConflict) {
		if derr := m.cache.Delete(ctx, domain.NamespaceTrust, score.UserID); derr != nil {
			slog.Warn("trust cache evict failed", "user_id", score.UserID, "error", derr)
		}
		return err
	}
	if cerr := m.cache.SetTrustScore(ctx, score, m.cfg.CacheTTL); cerr != nil {
		slog.Warn("trust cache write failed", "user_id", score.UserID, "error", cerr)
	}
	if err != nil {
		return fmt.Errorf("save trust score: %w", err)
	}
	return nil
}

func (m *Manager) recordScoreChange(ctx context.Context, userID string, action domain.ActionKind, previous, current, change float64) {
	severity := domain.SeverityMedium
	if math.Abs(change) > 2*m.cfg.AuditChangeThreshold {
		severity = domain.SeverityHigh
	}
	slog.Info("significant trust score change",
		"user_id", userID,
		"action", action,
		"previous", previous,
		"score", current,
	)
	if m.alerts == nil {
		return
	}
	m.alerts.RecordAlert(ctx, domain.Alert{
		ID:       uuid.New().String(),
		Kind:     domain.AlertTrustScoreChange,
		Severity: severity,
		Message:  fmt.Sprintf("trust score of %s changed by %.3f", userID, change),
		Detail: map[string]any{
			"userId":        userID,
			"action":        string(action),
			"previousScore": previous,
			"newScore":      current,
			"change":        change,
		},
		Source:    "trust",
		CreatedAt: m.now(),
	})
}
