package sybil

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const eps = 1e-9

func TestNewEngineValidation(t *testing.T) {
	store := newFakeStore()
	trust := &fakeTrust{scores: map[string]float64{}}

	bad := domain.DefaultSybilConfig()
	bad.HighRiskThreshold = 0.9
	if _, err := NewEngine(bad, store, trust, nil, Options{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unordered thresholds, got %v", err)
	}
	if _, err := NewEngine(domain.DefaultSybilConfig(), nil, trust, nil, Options{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without store, got %v", err)
	}
	if _, err := NewEngine(domain.DefaultSybilConfig(), store, nil, nil, Options{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without trust reader, got %v", err)
	}
}

// A profile with a burst of 25 evenly spaced actions is automated, carries
// both the automation and burst contributions, and is suspended once.
func TestAnalyzeAutomatedBurst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.store.addUser(domain.UserRecord{ID: "bot", DeviceFingerprint: "dev-1"})
	f.store.activity["bot"] = botActivity("bot", 25, 10*time.Second)

	p, err := f.engine.AnalyzeUserBehavior(ctx, "bot")
	if err != nil {
		t.Fatalf("AnalyzeUserBehavior failed: %v", err)
	}

	if p.ActivityPattern.BurstCount != 25 || !p.ActivityPattern.ConsistentTiming || !p.ActivityPattern.AutomatedBehavior {
		t.Errorf("unexpected activity pattern %+v", p.ActivityPattern)
	}
	// 0.5 + 0.2 automated + 0.15 burst + 0.1 timing + 0.1 isolation, clamped
	if p.RiskScore != 1 {
		t.Errorf("expected risk 1, got %v", p.RiskScore)
	}
	flag, ok := hasFlag(p.Flags, domain.FlagAutomatedBehavior)
	if !ok || flag.Severity != domain.SeverityHigh {
		t.Fatalf("expected AUTOMATED_BEHAVIOR/high, got %+v", p.Flags)
	}
	if math.Abs(flag.Confidence-0.95) > eps {
		t.Errorf("expected capped confidence 0.95, got %v", flag.Confidence)
	}
	if _, ok := hasFlag(p.Flags, domain.FlagBurstActivity); !ok {
		t.Error("expected BURST_ACTIVITY flag")
	}
	if p.RiskState != domain.RiskStateSuspended {
		t.Errorf("expected suspended, got %s", p.RiskState)
	}

	if len(f.suspender.suspended) != 1 || f.suspender.suspended[0] != "bot" {
		t.Fatalf("expected one suspension of bot, got %v", f.suspender.suspended)
	}
	if !reflect.DeepEqual(f.alerts.kinds(), []string{domain.AlertUserSuspended}) {
		t.Errorf("expected one suspension alert, got %v", f.alerts.kinds())
	}
	if f.alerts.alerts[0].Severity != domain.SeverityCritical {
		t.Errorf("suspension alert should be critical, got %s", f.alerts.alerts[0].Severity)
	}

	t.Run("NoRepeatSuspension", func(t *testing.T) {
		if _, err := f.engine.AnalyzeUserBehavior(ctx, "bot"); err != nil {
			t.Fatal(err)
		}
		if len(f.suspender.suspended) != 1 {
			t.Errorf("suspension must fire once, got %d calls", len(f.suspender.suspended))
		}
	})

	t.Run("SharedDevice", func(t *testing.T) {
		f.store.addUser(domain.UserRecord{ID: "alt", DeviceFingerprint: "dev-1"})
		f.store.connect("alt", 3)
		p, err := f.engine.AnalyzeUserBehavior(ctx, "alt")
		if err != nil {
			t.Fatal(err)
		}
		flag, ok := hasFlag(p.Flags, domain.FlagDeviceSharing)
		if !ok || flag.Severity != domain.SeverityHigh {
			t.Errorf("expected DEVICE_SHARING/high, got %+v", p.Flags)
		}
		if math.Abs(p.RiskScore-0.65) > eps {
			t.Errorf("expected risk 0.65, got %v", p.RiskScore)
		}
		if p.RiskState != domain.RiskStateElevated {
			t.Errorf("expected elevated, got %s", p.RiskState)
		}
	})

	t.Run("CachedProfile", func(t *testing.T) {
		cached, ok := f.engine.CachedProfile(ctx, "bot")
		if !ok || cached.RiskScore != 1 || cached.RiskState != domain.RiskStateSuspended {
			t.Errorf("expected cached suspended profile, got %+v (%v)", cached, ok)
		}
	})
}

func TestRiskContributions(t *testing.T) {
	f := newFixture(t, Options{})
	connected := domain.NetworkConnections{Distinct: 3}

	tests := []struct {
		name   string
		modify func(p *domain.UserBehaviorProfile)
		device string
		want   float64
		flag   domain.FlagType
	}{
		{"Baseline", func(p *domain.UserBehaviorProfile) {}, "", 0.5, ""},
		{"Isolated", func(p *domain.UserBehaviorProfile) { p.NetworkConnections = domain.NetworkConnections{} }, "", 0.6, domain.FlagNetworkIsolation},
		{"LowConsensus", func(p *domain.UserBehaviorProfile) {
			p.VotingHistory = domain.VotingHistory{TotalVotes: 10, ComparableVotes: 10, ConsensusAlignment: 0.1}
		}, "", 0.65, domain.FlagCoordinatedVoting},
		{"NoConsensusSignal", func(p *domain.UserBehaviorProfile) {
			p.VotingHistory = domain.VotingHistory{TotalVotes: 10}
		}, "", 0.5, ""},
		{"ReportVolume", func(p *domain.UserBehaviorProfile) { p.ReportingHistory.TotalReports = 51 }, "", 0.6, ""},
		{"LowTrust", func(p *domain.UserBehaviorProfile) { p.TrustScore = 0.1 }, "", 0.7, domain.FlagLowTrust},
		{"ImpossibleTravel", func(p *domain.UserBehaviorProfile) {
			p.LocationHistory = domain.LocationHistory{Points: 2, MaxSpeedKmh: 5000, ImpossibleTravel: true}
		}, "", 0.6, domain.FlagSuspiciousLocation},
		{"SharedDevice", func(p *domain.UserBehaviorProfile) {}, "dev-9", 0.65, domain.FlagDeviceSharing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &domain.UserBehaviorProfile{UserID: "u", TrustScore: 0.5, NetworkConnections: connected, AnalyzedAt: now}
			tt.modify(p)
			f.engine.assess(context.Background(), p, nil, tt.device)
			if math.Abs(p.RiskScore-tt.want) > eps {
				t.Errorf("expected risk %v, got %v", tt.want, p.RiskScore)
			}
			if tt.flag == "" {
				if len(p.Flags) != 0 {
					t.Errorf("expected no flags, got %+v", p.Flags)
				}
				return
			}
			if _, ok := hasFlag(p.Flags, tt.flag); !ok {
				t.Errorf("expected %s flag, got %+v", tt.flag, p.Flags)
			}
		})
	}

	t.Run("FlagConfidence", func(t *testing.T) {
		p := &domain.UserBehaviorProfile{
			UserID:        "u",
			TrustScore:    0.5,
			VotingHistory: domain.VotingHistory{ComparableVotes: 4, ConsensusAlignment: 0.15},
			AnalyzedAt:    now,
		}
		f.engine.assess(context.Background(), p, nil, "")
		iso, _ := hasFlag(p.Flags, domain.FlagNetworkIsolation)
		if math.Abs(iso.Confidence-0.8) > eps {
			t.Errorf("expected isolation confidence 0.8, got %v", iso.Confidence)
		}
		cv, _ := hasFlag(p.Flags, domain.FlagCoordinatedVoting)
		if math.Abs(cv.Confidence-0.75) > eps {
			t.Errorf("expected voting confidence 0.75, got %v", cv.Confidence)
		}
	})

	t.Run("RapidScoreChangeIsFlagOnly", func(t *testing.T) {
		p := &domain.UserBehaviorProfile{UserID: "u", TrustScore: 0.5, NetworkConnections: connected, AnalyzedAt: now}
		history := []domain.HistoryEntry{{Action: "boost", Impact: 0.3}}
		f.engine.assess(context.Background(), p, history, "")
		if _, ok := hasFlag(p.Flags, domain.FlagRapidScoreChange); !ok {
			t.Errorf("expected RAPID_SCORE_CHANGE flag, got %+v", p.Flags)
		}
		if p.RiskScore != 0.5 {
			t.Errorf("rapid change should not move risk, got %v", p.RiskScore)
		}
	})
}

type staticRules []domain.RuleHit

func (r staticRules) Evaluate(ctx context.Context, p *domain.UserBehaviorProfile) []domain.RuleHit {
	return r
}

func TestCustomRules(t *testing.T) {
	f := newFixture(t, Options{Rules: staticRules{{RuleID: "r1", Name: "Night owl", Contribution: 0.05}}})
	p := &domain.UserBehaviorProfile{UserID: "u", TrustScore: 0.5, NetworkConnections: domain.NetworkConnections{Distinct: 5}, AnalyzedAt: now}
	f.engine.assess(context.Background(), p, nil, "")

	if math.Abs(p.RiskScore-0.55) > eps {
		t.Errorf("expected risk 0.55, got %v", p.RiskScore)
	}
	flag, ok := hasFlag(p.Flags, domain.FlagCustomRule)
	if !ok || flag.Description != "Night owl" || flag.Severity != domain.SeverityMedium {
		t.Errorf("unexpected custom rule flag %+v", p.Flags)
	}
}

func TestRiskStateTransitions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.store.addUser(domain.UserRecord{ID: "u"})

	analyze := func() domain.RiskState {
		t.Helper()
		p, err := f.engine.AnalyzeUserBehavior(ctx, "u")
		if err != nil {
			t.Fatalf("AnalyzeUserBehavior failed: %v", err)
		}
		return p.RiskState
	}

	// low trust + isolation = 0.8
	f.trust.set("u", 0.1)
	if got := analyze(); got != domain.RiskStateHighRisk {
		t.Fatalf("expected high_risk, got %s", got)
	}
	if !reflect.DeepEqual(f.alerts.kinds(), []string{domain.AlertHighRiskUser}) {
		t.Errorf("expected a high-risk alert, got %v", f.alerts.kinds())
	}
	if !reflect.DeepEqual(f.engine.MonitoredUsers(), []string{"u"}) {
		t.Errorf("expected u to be monitored, got %v", f.engine.MonitoredUsers())
	}

	// Recovered behavior needs three consecutive passes before demotion.
	f.trust.set("u", 0.5)
	f.store.connect("u", 3)
	for i := 0; i < 2; i++ {
		if got := analyze(); got != domain.RiskStateHighRisk {
			t.Fatalf("pass %d: demoted too early to %s", i+1, got)
		}
	}
	if got := analyze(); got != domain.RiskStateNormal {
		t.Fatalf("expected normal after three passes, got %s", got)
	}
	if len(f.engine.MonitoredUsers()) != 0 {
		t.Errorf("expected no monitored users, got %v", f.engine.MonitoredUsers())
	}
	if len(f.suspender.suspended) != 0 {
		t.Errorf("no suspension expected, got %v", f.suspender.suspended)
	}
}

func TestStoreSuspendedUser(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.addUser(domain.UserRecord{ID: "u", Status: domain.UserSuspended, DeviceFingerprint: "dev-2"})
	f.store.activity["u"] = botActivity("u", 25, 10*time.Second)

	p, err := f.engine.AnalyzeUserBehavior(context.Background(), "u")
	if err != nil {
		t.Fatal(err)
	}
	if p.RiskState != domain.RiskStateSuspended {
		t.Errorf("expected suspended, got %s", p.RiskState)
	}
	if len(f.suspender.suspended) != 0 || len(f.alerts.kinds()) != 0 {
		t.Errorf("already-suspended user must not be suspended again: %v %v", f.suspender.suspended, f.alerts.kinds())
	}
}

func TestSuspendFailureIsLogged(t *testing.T) {
	f := newFixture(t, Options{})
	f.suspender.err = errors.New("actuator down")
	f.store.addUser(domain.UserRecord{ID: "bot"})
	f.store.activity["bot"] = botActivity("bot", 25, 10*time.Second)

	p, err := f.engine.AnalyzeUserBehavior(context.Background(), "bot")
	if err != nil {
		t.Fatalf("suspension failure must not fail analysis: %v", err)
	}
	if p.RiskState != domain.RiskStateSuspended {
		t.Errorf("expected suspended, got %s", p.RiskState)
	}
}

func TestReinstate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.store.addUser(domain.UserRecord{ID: "bot", DeviceFingerprint: "dev-3"})
	f.store.activity["bot"] = botActivity("bot", 25, 10*time.Second)

	if _, err := f.engine.AnalyzeUserBehavior(ctx, "bot"); err != nil {
		t.Fatal(err)
	}
	if f.engine.RiskState("bot") != domain.RiskStateSuspended {
		t.Fatal("expected suspended")
	}

	if err := f.engine.Reinstate(ctx, "bot"); err != nil {
		t.Fatalf("Reinstate failed: %v", err)
	}
	if f.engine.RiskState("bot") != domain.RiskStateNormal {
		t.Errorf("expected normal after reinstatement, got %s", f.engine.RiskState("bot"))
	}
	if _, ok := f.engine.CachedProfile(ctx, "bot"); ok {
		t.Error("reinstatement should drop the cached profile")
	}
	if !reflect.DeepEqual(f.suspender.reinstated, []string{"bot"}) {
		t.Errorf("expected actuator reinstatement, got %v", f.suspender.reinstated)
	}

	// The filter was rebuilt from the store, which no longer lists dev-3.
	f.store.addUser(domain.UserRecord{ID: "alt", DeviceFingerprint: "dev-3"})
	f.store.connect("alt", 3)
	p, err := f.engine.AnalyzeUserBehavior(ctx, "alt")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := hasFlag(p.Flags, domain.FlagDeviceSharing); ok {
		t.Error("device of a reinstated account should not be flagged")
	}

	if err := f.engine.Reinstate(ctx, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSeedSuspendedDevices(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.suspendedDevices = []string{"dev-old"}
	if err := f.engine.SeedSuspendedDevices(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.engine.devices.match([]string{"dev-new", "dev-old"}); got != "dev-old" {
		t.Errorf("expected seeded fingerprint to match, got %q", got)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.engine.AnalyzeUserBehavior(ctx, "ghost"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	f.store.addUser(domain.UserRecord{ID: "u"})
	f.store.activityErr = errors.New("db down")
	if _, err := f.engine.AnalyzeUserBehavior(ctx, "u"); err == nil {
		t.Error("expected store error to propagate")
	}

	f.store.activityErr = nil
	f.trust.err = errors.New("trust store down")
	if _, err := f.engine.AnalyzeUserBehavior(ctx, "u"); err == nil {
		t.Error("expected trust error to propagate")
	}
}

func TestGetUserRiskAssessment(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	t.Run("ReadOnly", func(t *testing.T) {
		f.store.addUser(domain.UserRecord{ID: "quiet"})
		f.store.activity["quiet"] = botActivity("quiet", 25, 10*time.Second)

		a, err := f.engine.GetUserRiskAssessment(ctx, "quiet")
		if err != nil {
			t.Fatal(err)
		}
		if a.RiskLevel != domain.RiskLevelCritical || a.Degraded {
			t.Errorf("unexpected assessment %+v", a)
		}
		if f.engine.RiskState("quiet") != domain.RiskStateNormal || len(f.suspender.suspended) != 0 {
			t.Error("assessment must not change risk state or suspend")
		}
		want := []string{
			"Require a human verification challenge before further actions",
			"Apply strict rate limiting to this account",
			"Require endorsement from established users before granting privileges",
			"Suspend the account pending investigation",
		}
		if !reflect.DeepEqual(a.Recommendations, want) {
			t.Errorf("unexpected recommendations:\n got %q\nwant %q", a.Recommendations, want)
		}
	})

	t.Run("UsesCachedProfile", func(t *testing.T) {
		f.store.addUser(domain.UserRecord{ID: "known"})
		f.store.connect("known", 3)
		if _, err := f.engine.AnalyzeUserBehavior(ctx, "known"); err != nil {
			t.Fatal(err)
		}
		f.trust.err = errors.New("trust store down")
		defer func() { f.trust.err = nil }()

		a, err := f.engine.GetUserRiskAssessment(ctx, "known")
		if err != nil {
			t.Fatal(err)
		}
		if a.Degraded || a.RiskScore != 0.5 || a.RiskLevel != domain.RiskLevelMedium {
			t.Errorf("expected cached medium assessment, got %+v", a)
		}
	})

	t.Run("FailsOpen", func(t *testing.T) {
		f.store.addUser(domain.UserRecord{ID: "fresh"})
		f.store.activityErr = errors.New("db down")
		defer func() { f.store.activityErr = nil }()

		a, err := f.engine.GetUserRiskAssessment(ctx, "fresh")
		if err != nil {
			t.Fatalf("assessment should fail open, got %v", err)
		}
		if !a.Degraded || a.RiskScore != 0.5 || a.RiskLevel != domain.RiskLevelMedium {
			t.Errorf("expected neutral degraded assessment, got %+v", a)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		if _, err := f.engine.GetUserRiskAssessment(ctx, "ghost"); !errors.Is(err, domain.ErrUserNotFound) {
			t.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})
}

func TestRecommendationsLevels(t *testing.T) {
	tests := []struct {
		level domain.RiskLevel
		want  string
	}{
		{domain.RiskLevelLow, "No action required"},
		{domain.RiskLevelMedium, "Continue routine monitoring"},
		{domain.RiskLevelHigh, "Escalate to moderators and increase monitoring"},
		{domain.RiskLevelCritical, "Suspend the account pending investigation"},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			got := recommendations(nil, tt.level)
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}

	flags := []domain.SybilFlag{{Type: domain.FlagLowTrust}, {Type: domain.FlagAutomatedBehavior}, {Type: domain.FlagLowTrust}}
	got := recommendations(flags, domain.RiskLevelHigh)
	if len(got) != 3 || got[0] != flagAdvice[0].advice {
		t.Errorf("expected deduplicated advice in fixed order, got %q", got)
	}
}
