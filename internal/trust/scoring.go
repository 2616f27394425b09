package trust

import (
	"math"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const maxExpertiseAreas = 20

// WeightedScore is the fixed weighted sum of the factors, clamped to [0,1].
func WeightedScore(w domain.FactorWeights, f domain.Factors) float64 {
	sum := w.ReportingAccuracy*f.ReportingAccuracy +
		w.ConfirmationAccuracy*f.ConfirmationAccuracy +
		w.DisputeAccuracy*f.DisputeAccuracy +
		w.ResponseTime*(1-f.ResponseTime) +
		w.LocationAccuracy*f.LocationAccuracy +
		w.ContributionFrequency*f.ContributionFrequency +
		w.CommunityEndorsement*f.CommunityEndorsement +
		w.PenaltyScore*f.PenaltyScore +
		w.ConsistencyScore*f.ConsistencyScore
	return domain.Clamp01(sum)
}

// DecayAmount is the total inactivity decay owed after lastActivity.
// Only whole days count, so the value is stable within a day.
func DecayAmount(cfg domain.DecayConfig, lastActivity, now time.Time) float64 {
	if lastActivity.IsZero() || !now.After(lastActivity) {
		return 0
	}
	days := math.Floor(now.Sub(lastActivity).Hours() / 24)
	threshold := math.Floor(cfg.InactivityThreshold.Hours() / 24)
	excess := days - threshold
	if excess <= 0 {
		return 0
	}
	return math.Min(cfg.MaxDecay, excess*cfg.RatePerDay)
}

// ApplyDecay lowers score by amount without crossing the floor.
// Scores already at or below the floor are left unchanged.
func ApplyDecay(cfg domain.DecayConfig, score, amount float64) float64 {
	if amount <= 0 || score <= cfg.Floor {
		return score
	}
	return math.Max(cfg.Floor, score-amount)
}

// GrowthBoost rewards sustained constructive activity. Each prior constructive
// entry inside the window contributes a half-life weighted share.
func GrowthBoost(cfg domain.GrowthConfig, history []domain.HistoryEntry, action domain.ActionKind, outcome domain.Outcome, now time.Time) float64 {
	if !action.Constructive() || outcome == domain.OutcomeRefuted {
		return 0
	}
	var weight float64
	for _, h := range history {
		kind := domain.ActionKind(h.Action)
		if !kind.Constructive() || h.Impact < 0 {
			continue
		}
		age := now.Sub(h.Timestamp)
		if age < 0 || age > cfg.Window {
			continue
		}
		weight += math.Exp(-math.Ln2 * float64(age) / float64(cfg.HalfLife))
	}
	return math.Min(cfg.MaxBoost, cfg.Rate*weight)
}

// Confidence grows with how many factors have moved off their defaults and
// with how closely the bounded factors agree with each other.
func Confidence(f domain.Factors) float64 {
	defaults := domain.DefaultFactors()
	observed := 0
	var bounded []float64
	for _, name := range domain.AllFactors {
		v := f.Get(name)
		if math.Abs(v-defaults.Get(name)) > 1e-9 {
			observed++
		}
		if name != domain.FactorPenaltyScore {
			bounded = append(bounded, v)
		}
	}
	coverage := float64(observed) / float64(len(domain.AllFactors))

	var mean float64
	for _, v := range bounded {
		mean += v
	}
	mean /= float64(len(bounded))
	var variance float64
	for _, v := range bounded {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(bounded))
	consistency := domain.Clamp01(1 - 2*math.Sqrt(variance))

	return domain.Clamp01(0.6*coverage + 0.4*consistency)
}

// applyEvidence nudges the factor named by the impact table and folds any
// measured evidence into the smoothed factors.
func applyEvidence(cfg domain.TrustConfig, f *domain.Factors, impact domain.Impact, actx domain.ActionContext) float64 {
	magnitude := actx.Magnitude
	if magnitude <= 0 {
		magnitude = 1
	}
	delta := impact.Delta * magnitude
	if actx.Outcome == domain.OutcomeRefuted {
		delta = -delta
	}
	f.Set(impact.Factor, f.Get(impact.Factor)+delta)

	alpha := cfg.EvidenceSmoothing
	if actx.ResponseTimeMs > 0 && cfg.ResponseTimeCeiling > 0 {
		norm := math.Min(1, float64(actx.ResponseTimeMs)/float64(cfg.ResponseTimeCeiling.Milliseconds()))
		f.Set(domain.FactorResponseTime, (1-alpha)*f.ResponseTime+alpha*norm)
	}
	if actx.LocationErrorMeters > 0 && cfg.LocationErrorCeilingMeters > 0 {
		acc := 1 - math.Min(1, actx.LocationErrorMeters/cfg.LocationErrorCeilingMeters)
		f.Set(domain.FactorLocationAccuracy, (1-alpha)*f.LocationAccuracy+alpha*acc)
	}
	if actx.ExpertiseArea != "" && !f.HasExpertise(actx.ExpertiseArea) && len(f.ExpertiseAreas) < maxExpertiseAreas {
		f.ExpertiseAreas = append(f.ExpertiseAreas, actx.ExpertiseArea)
	}
	return delta
}

func updateReputation(r *domain.Reputation, overall float64, f domain.Factors, action domain.ActionKind, now time.Time) {
	r.GlobalScore = overall
	r.CommunityScore = domain.Clamp01((f.CommunityEndorsement + f.ConsistencyScore) / 2)
	accuracy := (f.ReportingAccuracy + f.ConfirmationAccuracy + f.DisputeAccuracy) / 3
	r.DomainScore = domain.Clamp01(accuracy + 0.02*float64(len(f.ExpertiseAreas)))
	switch action {
	case domain.ActionEndorse:
		r.Endorsements++
	case domain.ActionReport:
		r.Reports++
	case domain.ActionDispute:
		r.Disputes++
	}
	r.LastActivity = now
}

func appendHistory(history []domain.HistoryEntry, entry domain.HistoryEntry, limit int) []domain.HistoryEntry {
	history = append(history, entry)
	if len(history) > limit {
		trimmed := make([]domain.HistoryEntry, limit)
		copy(trimmed, history[len(history)-limit:])
		history = trimmed
	}
	return history
}

func contextSummary(actx domain.ActionContext) map[string]string {
	m := make(map[string]string, len(actx.Attributes)+4)
	for k, v := range actx.Attributes {
		m[k] = v
	}
	if actx.Outcome != domain.OutcomeUnknown {
		m["outcome"] = string(actx.Outcome)
	}
	if actx.Magnitude > 0 && actx.Magnitude != 1 {
		m["magnitude"] = strconv.FormatFloat(actx.Magnitude, 'f', -1, 64)
	}
	if actx.ExpertiseArea != "" {
		m["expertise"] = actx.ExpertiseArea
	}
	if actx.ResponseTimeMs > 0 {
		m["response_time_ms"] = strconv.FormatInt(actx.ResponseTimeMs, 10)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// RapidChange reports whether the last window score changes were large,
// either on average or in a single step. Decay entries are ignored.
func RapidChange(history []domain.HistoryEntry, window int, averageLimit, singleLimit float64) bool {
	if window <= 0 {
		return false
	}
	var recent []float64
	for i := len(history) - 1; i >= 0 && len(recent) < window; i-- {
		if history[i].Action == HistoryDecay {
			continue
		}
		recent = append(recent, math.Abs(history[i].Impact))
	}
	if len(recent) == 0 {
		return false
	}
	var sum float64
	for _, d := range recent {
		if d > singleLimit {
			return true
		}
		sum += d
	}
	return sum/float64(len(recent)) > averageLimit
}
