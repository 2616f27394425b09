package trust

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// bandFor finds the configured band containing score. Bands are half-open
// except the last, which also contains its upper bound.
func (m *Manager) bandFor(score float64) domain.BandConfig {
	bands := m.cfg.Bands
	score = domain.Clamp01(score)
	for i, b := range bands {
		if score >= b.Min && (score < b.Max || i == len(bands)-1) {
			return b
		}
	}
	if score < bands[0].Min {
		return bands[0]
	}
	return bands[len(bands)-1]
}

// ThresholdFor maps a score onto its band. The returned slices are copies.
func (m *Manager) ThresholdFor(score float64) domain.TrustThreshold {
	b := m.bandFor(score)
	return domain.TrustThreshold{
		Band:         b.Name,
		Min:          b.Min,
		Max:          b.Max,
		Permissions:  append([]domain.ActionKind{}, b.Permissions...),
		Restrictions: append([]string{}, b.Restrictions...),
		Requirements: append([]domain.Requirement{}, b.Requirements...),
	}
}

// RateLimitFor returns the rate limit of the band containing score.
func (m *Manager) RateLimitFor(score float64) domain.RateLimit {
	rl := m.bandFor(score).RateLimit
	return domain.RateLimit{
		MaxRequests:       rl.MaxRequests,
		Window:            rl.Window,
		WindowMs:          rl.Window.Milliseconds(),
		PenaltyMultiplier: rl.PenaltyMultiplier,
	}
}
