package sybil

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/trust"
)

// assess computes the profile's risk score and flags. It reads only the
// profile, the trust history and the device match, so the same inputs always
// give the same result.
func (e *Engine) assess(ctx context.Context, p *domain.UserBehaviorProfile, history []domain.HistoryEntry, sharedDevice string) {
	c := e.cfg.Contributions
	at := p.AnalyzedAt
	act := p.ActivityPattern
	risk := c.Base
	var flags []domain.SybilFlag

	burst := act.BurstCount > e.cfg.BurstThreshold
	periodic := act.TotalActions-1 >= e.cfg.MinIntervalsForPeriod && act.DominantPeriodShare >= e.cfg.PeriodShare

	if act.AutomatedBehavior {
		risk += c.Automated
		conf := 0.6
		if act.ConsistentTiming {
			conf += 0.15
		}
		if burst {
			conf += 0.15
		}
		if periodic {
			conf += 0.1
		}
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagAutomatedBehavior,
			Severity:    domain.SeverityHigh,
			Description: "action timing is consistent with automation",
			Evidence: map[string]any{
				"burstCount":          act.BurstCount,
				"intervalCv":          act.IntervalCV,
				"consistentTiming":    act.ConsistentTiming,
				"dominantPeriodShare": act.DominantPeriodShare,
			},
			DetectedAt: at,
			Confidence: math.Min(conf, 0.95),
		})
	}

	if burst {
		risk += c.Burst
		excess := act.BurstCount - e.cfg.BurstThreshold
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagBurstActivity,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("%d actions within %s", act.BurstCount, e.cfg.BurstWindow),
			Evidence: map[string]any{
				"burstCount": act.BurstCount,
				"threshold":  e.cfg.BurstThreshold,
			},
			DetectedAt: at,
			Confidence: math.Min(0.95, 0.5+0.02*float64(excess)),
		})
	}

	if act.ConsistentTiming {
		risk += c.ConsistentTiming
	}

	if n := p.NetworkConnections.Distinct; n < e.cfg.IsolationThreshold {
		risk += c.Isolation
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagNetworkIsolation,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("endorsement network has %d distinct peers", n),
			Evidence: map[string]any{
				"distinct":  n,
				"threshold": e.cfg.IsolationThreshold,
			},
			DetectedAt: at,
			Confidence: math.Min(0.8, 0.5+0.1*float64(e.cfg.IsolationThreshold-n)),
		})
	}

	if v := p.VotingHistory; v.HasConsensusSignal() && v.ConsensusAlignment < e.cfg.ConsensusThreshold {
		risk += c.LowConsensus
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagCoordinatedVoting,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("votes agree with consensus %.0f%% of the time", v.ConsensusAlignment*100),
			Evidence: map[string]any{
				"consensusAlignment": v.ConsensusAlignment,
				"comparableVotes":    v.ComparableVotes,
				"clusters":           len(v.Clusters),
			},
			DetectedAt: at,
			Confidence: domain.Clamp01(0.5 + 0.5*(1-v.ConsensusAlignment/e.cfg.ConsensusThreshold)),
		})
	}

	if p.ReportingHistory.TotalReports > e.cfg.ReportVolumeThreshold {
		risk += c.ReportVolume
	}

	if p.TrustScore < e.cfg.LowTrustThreshold {
		risk += c.LowTrust
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagLowTrust,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("trust score %.2f", p.TrustScore),
			Evidence:    map[string]any{"trustScore": p.TrustScore},
			DetectedAt:  at,
			Confidence:  0.7,
		})
	}

	if sharedDevice != "" {
		risk += c.DeviceSharing
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagDeviceSharing,
			Severity:    domain.SeverityHigh,
			Description: "device was used by a suspended account",
			Evidence:    map[string]any{"deviceFingerprint": sharedDevice},
			DetectedAt:  at,
			Confidence:  0.85,
		})
	}

	if loc := p.LocationHistory; loc.ImpossibleTravel {
		risk += c.ImpossibleTravel
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagSuspiciousLocation,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("moved at %.0f km/h between reports", loc.MaxSpeedKmh),
			Evidence: map[string]any{
				"maxSpeedKmh": loc.MaxSpeedKmh,
				"limitKmh":    e.cfg.ImpossibleSpeedKmh,
			},
			DetectedAt: at,
			Confidence: 0.7,
		})
	}

	if trust.RapidChange(history, e.cfg.RapidChangeWindow, e.cfg.RapidChangeAverage, e.cfg.RapidChangeSingle) {
		flags = append(flags, domain.SybilFlag{
			Type:        domain.FlagRapidScoreChange,
			Severity:    domain.SeverityMedium,
			Description: "trust score moved sharply over recent actions",
			Evidence:    map[string]any{"window": e.cfg.RapidChangeWindow},
			DetectedAt:  at,
			Confidence:  0.6,
		})
	}

	p.RiskScore = roundRisk(risk)
	p.Flags = flags

	if e.rules == nil {
		return
	}
	for _, hit := range e.rules.Evaluate(ctx, p) {
		risk += hit.Contribution
		severity := hit.Severity
		if severity == "" {
			severity = domain.SeverityMedium
		}
		p.Flags = append(p.Flags, domain.SybilFlag{
			Type:        domain.FlagCustomRule,
			Severity:    severity,
			Description: hit.Name,
			Evidence: map[string]any{
				"ruleId":       hit.RuleID,
				"contribution": hit.Contribution,
			},
			DetectedAt: at,
			Confidence: 0.6,
		})
	}
	p.RiskScore = roundRisk(risk)
}

// roundRisk clamps to [0,1] and drops float noise so threshold comparisons
// see the sum of the contributions.
func roundRisk(v float64) float64 {
	return domain.Clamp01(math.Round(v*1e6) / 1e6)
}

// classify maps a risk score onto the state it calls for on its own.
func (e *Engine) classify(risk float64) domain.RiskState {
	switch {
	case risk > e.cfg.SuspendThreshold:
		return domain.RiskStateSuspended
	case risk > e.cfg.HighRiskThreshold:
		return domain.RiskStateHighRisk
	case risk > e.cfg.ElevatedThreshold:
		return domain.RiskStateElevated
	}
	return domain.RiskStateNormal
}

func flagTypes(flags []domain.SybilFlag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f.Type)
	}
	return out
}
