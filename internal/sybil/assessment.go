package sybil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var flagAdvice = []struct {
	flag   domain.FlagType
	advice string
}{
	{domain.FlagAutomatedBehavior, "Require a human verification challenge before further actions"},
	{domain.FlagBurstActivity, "Apply strict rate limiting to this account"},
	{domain.FlagCoordinatedVoting, "Discount this user's votes and review the targets they voted on"},
	{domain.FlagNetworkIsolation, "Require endorsement from established users before granting privileges"},
	{domain.FlagLowTrust, "Route contributions through manual review"},
	{domain.FlagDeviceSharing, "Investigate accounts sharing this device"},
	{domain.FlagSuspiciousLocation, "Verify location claims before accepting reports"},
	{domain.FlagRapidScoreChange, "Audit recent trust score changes"},
	{domain.FlagCustomRule, "Review the matched custom risk rules"},
}

// GetUserRiskAssessment reports the user's risk without changing any state.
// It uses the cached profile when there is one. If the profile cannot be
// built because the store failed, it returns a neutral assessment marked
// Degraded instead of an error.
func (e *Engine) GetUserRiskAssessment(ctx context.Context, userID string) (*domain.RiskAssessment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	p, ok := e.CachedProfile(ctx, userID)
	if !ok {
		built, _, err := e.buildProfile(ctx, userID)
		switch {
		case errors.Is(err, domain.ErrUserNotFound):
			return nil, err
		case err != nil:
			slog.Warn("risk assessment degraded", "user_id", userID, "error", err)
			return neutralAssessment(userID), nil
		}
		p = built
	}
	return assessmentFor(p), nil
}

func assessmentFor(p *domain.UserBehaviorProfile) *domain.RiskAssessment {
	level := domain.RiskLevelFor(p.RiskScore)
	flags := append([]domain.SybilFlag{}, p.Flags...)
	return &domain.RiskAssessment{
		UserID:          p.UserID,
		RiskScore:       p.RiskScore,
		RiskLevel:       level,
		Flags:           flags,
		Recommendations: recommendations(flags, level),
	}
}

func neutralAssessment(userID string) *domain.RiskAssessment {
	return &domain.RiskAssessment{
		UserID:          userID,
		RiskScore:       0.5,
		RiskLevel:       domain.RiskLevelMedium,
		Flags:           []domain.SybilFlag{},
		Recommendations: []string{"Assessment unavailable, retry once the data store recovers"},
		Degraded:        true,
	}
}

// recommendations gives one line per flag type present, in a fixed order,
// followed by the line for the risk level.
func recommendations(flags []domain.SybilFlag, level domain.RiskLevel) []string {
	present := make(map[domain.FlagType]bool, len(flags))
	for _, f := range flags {
		present[f.Type] = true
	}

	out := []string{}
	for _, a := range flagAdvice {
		if present[a.flag] {
			out = append(out, a.advice)
		}
	}

	switch level {
	case domain.RiskLevelCritical:
		out = append(out, "Suspend the account pending investigation")
	case domain.RiskLevelHigh:
		out = append(out, "Escalate to moderators and increase monitoring")
	case domain.RiskLevelMedium:
		out = append(out, "Continue routine monitoring")
	default:
		out = append(out, "No action required")
	}
	return out
}
