package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testProfile() *domain.UserBehaviorProfile {
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	return &domain.UserBehaviorProfile{
		UserID:     "user-001",
		CreatedAt:  created,
		AnalyzedAt: created.Add(6 * time.Hour),
		TrustScore: 0.15,
		RiskScore:  0.65,
		ActivityPattern: domain.ActivityPattern{
			TotalActions:      40,
			BurstCount:        18,
			AutomatedBehavior: false,
		},
		VotingHistory:      domain.VotingHistory{TotalVotes: 12, ConsensusAlignment: 0.25},
		NetworkConnections: domain.NetworkConnections{Distinct: 1},
		Flags: []domain.SybilFlag{
			{Type: domain.FlagNetworkIsolation, Severity: domain.SeverityMedium},
		},
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	t.Run("Valid", func(t *testing.T) {
		rule := &domain.RiskRule{
			ID:           "young-busy",
			Name:         "Young and busy",
			Expression:   "account_age_hours < 24.0 && total_actions > 30",
			Contribution: 0.1,
			Enabled:      true,
		}
		if err := engine.LoadRule(rule); err != nil {
			t.Fatalf("failed to load rule: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.RulesCount())
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		err := engine.LoadRule(&domain.RiskRule{ID: "bad", Expression: "this is not valid CEL !!!", Enabled: true})
		if err == nil {
			t.Error("expected error for invalid CEL expression")
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		err := engine.LoadRule(&domain.RiskRule{ID: "str", Expression: "user_id", Enabled: true})
		if err == nil {
			t.Error("expected error for string expression")
		}
	})

	t.Run("ContributionOutOfRange", func(t *testing.T) {
		err := engine.ValidateRule(&domain.RiskRule{ID: "big", Expression: "true", Contribution: 1.5})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("DisableUnloads", func(t *testing.T) {
		if err := engine.LoadRule(&domain.RiskRule{ID: "young-busy", Expression: "true", Enabled: false}); err != nil {
			t.Fatal(err)
		}
		if engine.RulesCount() != 0 {
			t.Errorf("expected disabled rule to be unloaded, %d remain", engine.RulesCount())
		}
	})
}

func TestEvaluate(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rules := []*domain.RiskRule{
		{ID: "r1-young", Name: "Young account", Expression: "account_age_hours < 24.0", Contribution: 0.1, Severity: domain.SeverityLow, Enabled: true},
		{ID: "r2-isolated", Name: "Isolated voter", Expression: `"NETWORK_ISOLATION" in flags && total_votes > 10`, Contribution: 0.2, Severity: domain.SeverityMedium, Enabled: true},
		{ID: "r3-map", Name: "Map access", Expression: `profile["consensus_alignment"] < 0.3`, Contribution: 0.05, Enabled: true},
		{ID: "r4-miss", Name: "Automated", Expression: "automated", Contribution: 0.3, Enabled: true},
		{ID: "r5-scaled", Name: "Trust deficit", Expression: "0.5 - trust_score", Contribution: 0.2, Enabled: true},
	}
	if err := engine.ReloadRules(rules); err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}

	hits := engine.Evaluate(context.Background(), testProfile())
	if len(hits) != 4 {
		t.Fatalf("expected 4 hits, got %d: %+v", len(hits), hits)
	}
	want := []string{"r1-young", "r2-isolated", "r3-map", "r5-scaled"}
	for i, h := range hits {
		if h.RuleID != want[i] {
			t.Errorf("hit %d: expected %s, got %s", i, want[i], h.RuleID)
		}
	}
	if hits[1].Severity != domain.SeverityMedium || hits[1].Contribution != 0.2 {
		t.Errorf("unexpected hit %+v", hits[1])
	}
	// 0.2 * (0.5 - 0.15)
	if math.Abs(hits[3].Contribution-0.07) > 1e-9 {
		t.Errorf("expected scaled contribution 0.07, got %v", hits[3].Contribution)
	}
}

func TestReloadIsAtomic(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.ReloadRules([]*domain.RiskRule{{ID: "keep", Expression: "true", Contribution: 0.1, Enabled: true}})

	err := engine.ReloadRules([]*domain.RiskRule{
		{ID: "ok", Expression: "true", Enabled: true},
		{ID: "broken", Expression: "nope(", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected reload error")
	}
	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "keep" {
		t.Errorf("failed reload must keep the previous rules, got %+v", loaded)
	}
}

type ruleStore struct {
	rules []*domain.RiskRule
	err   error
}

func (s *ruleStore) SaveRiskRule(ctx context.Context, rule *domain.RiskRule) error { return nil }
func (s *ruleStore) GetRiskRule(ctx context.Context, id string) (*domain.RiskRule, error) {
	return nil, domain.ErrNotFound
}
func (s *ruleStore) ListRiskRules(ctx context.Context) ([]*domain.RiskRule, error) {
	return s.rules, s.err
}
func (s *ruleStore) DeleteRiskRule(ctx context.Context, id string) error { return nil }

func TestReloadFromStore(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()
	ctx := context.Background()

	store := &ruleStore{rules: []*domain.RiskRule{
		{ID: "a", Expression: "burst_count > 10", Contribution: 0.1, Enabled: true},
		{ID: "b", Expression: "true", Contribution: 0.1, Enabled: false},
	}}
	if err := engine.ReloadFromStore(ctx, store); err != nil {
		t.Fatalf("ReloadFromStore failed: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected only enabled rules, got %d", engine.RulesCount())
	}

	store.err = errors.New("db down")
	if err := engine.ReloadFromStore(ctx, store); err == nil {
		t.Error("expected store error")
	}
}

func TestParallelEvaluation(t *testing.T) {
	engine, _ := NewEngine(3)
	defer engine.Close()

	for i := 0; i < 20; i++ {
		engine.LoadRule(&domain.RiskRule{
			ID:           fmt.Sprintf("rule-%02d", i),
			Expression:   fmt.Sprintf("burst_count > %d", i),
			Contribution: 0.01,
			Enabled:      true,
		})
	}

	hits := engine.Evaluate(context.Background(), testProfile())
	// burst_count is 18: rules 0..17 match
	if len(hits) != 18 {
		t.Errorf("expected 18 hits, got %d", len(hits))
	}
}

func TestEvaluateCancelled(t *testing.T) {
	engine, _ := NewEngine(1)
	defer engine.Close()
	engine.LoadRule(&domain.RiskRule{ID: "a", Expression: "true", Contribution: 0.1, Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context may skip rules but must not hang.
	_ = engine.Evaluate(ctx, testProfile())
}
