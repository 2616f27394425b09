// Package rules evaluates operator-defined CEL risk rules against behavior profiles.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based risk rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.RiskRule
	Program cel.Program
}

// NewEngine creates a rule engine whose expressions see the profile variables.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("profile", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("trust_score", cel.DoubleType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("account_age_hours", cel.DoubleType),
		cel.Variable("total_actions", cel.IntType),
		cel.Variable("burst_count", cel.IntType),
		cel.Variable("interval_cv", cel.DoubleType),
		cel.Variable("automated", cel.BoolType),
		cel.Variable("total_votes", cel.IntType),
		cel.Variable("consensus_alignment", cel.DoubleType),
		cel.Variable("total_reports", cel.IntType),
		cel.Variable("report_accuracy", cel.DoubleType),
		cel.Variable("network_size", cel.IntType),
		cel.Variable("max_speed_kmh", cel.DoubleType),
		cel.Variable("distinct_cells", cel.IntType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.RiskRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine. Disabled rules are unloaded.
func (e *Engine) LoadRule(rule *domain.RiskRule) error {
	if !rule.Enabled {
		e.RemoveRule(rule.ID)
		return nil
	}

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[rule.ID] = compiled
	e.mu.Unlock()
	return nil
}

// RemoveRule unloads a rule.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	delete(e.compiledRules, ruleID)
	e.mu.Unlock()
}

// ReloadRules replaces every loaded rule. Nothing changes if any rule fails to compile.
func (e *Engine) ReloadRules(rules []*domain.RiskRule) error {
	newRules := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// ReloadFromStore loads every persisted rule.
func (e *Engine) ReloadFromStore(ctx context.Context, store domain.RuleStore) error {
	rules, err := store.ListRiskRules(ctx)
	if err != nil {
		return fmt.Errorf("list risk rules: %w", err)
	}
	if err := e.ReloadRules(rules); err != nil {
		return err
	}
	slog.Info("risk rules loaded", "count", e.RulesCount())
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rules ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.RiskRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RiskRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Evaluate runs every loaded rule against the profile in parallel and returns
// the rules that matched, ordered by rule ID. Rules that fail to evaluate are
// logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, profile *domain.UserBehaviorProfile) []domain.RuleHit {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 || profile == nil {
		return nil
	}

	activation := Activation(profile)

	hits := make([]*domain.RuleHit, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			hits[idx] = e.evaluateRule(r, activation)
		}(i, rule)
	}
	wg.Wait()

	var out []domain.RuleHit
	for _, h := range hits {
		if h != nil {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// evaluateRule returns nil when the rule does not match.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) *domain.RuleHit {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		slog.Warn("risk rule evaluation failed", "rule_id", rule.Rule.ID, "error", err)
		return nil
	}

	strength := toScore(out)
	if strength <= 0 {
		return nil
	}
	if strength > 1 {
		strength = 1
	}
	return &domain.RuleHit{
		RuleID:       rule.Rule.ID,
		Name:         rule.Rule.Name,
		Contribution: rule.Rule.Contribution * strength,
		Severity:     rule.Rule.Severity,
	}
}

// toScore converts a CEL value to a match strength.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// Activation flattens a profile into the CEL variables.
func Activation(p *domain.UserBehaviorProfile) map[string]any {
	flags := make([]string, 0, len(p.Flags))
	for _, f := range p.Flags {
		flags = append(flags, string(f.Type))
	}

	var ageHours float64
	if !p.CreatedAt.IsZero() && !p.AnalyzedAt.IsZero() {
		ageHours = p.AnalyzedAt.Sub(p.CreatedAt).Hours()
	}

	vars := map[string]any{
		"user_id":             p.UserID,
		"trust_score":         p.TrustScore,
		"risk_score":          p.RiskScore,
		"account_age_hours":   ageHours,
		"total_actions":       int64(p.ActivityPattern.TotalActions),
		"burst_count":         int64(p.ActivityPattern.BurstCount),
		"interval_cv":         p.ActivityPattern.IntervalCV,
		"automated":           p.ActivityPattern.AutomatedBehavior,
		"total_votes":         int64(p.VotingHistory.TotalVotes),
		"consensus_alignment": p.VotingHistory.ConsensusAlignment,
		"total_reports":       int64(p.ReportingHistory.TotalReports),
		"report_accuracy":     p.ReportingHistory.AccuracyRate,
		"network_size":        int64(p.NetworkConnections.Distinct),
		"max_speed_kmh":       p.LocationHistory.MaxSpeedKmh,
		"distinct_cells":      int64(p.LocationHistory.DistinctCells),
		"flags":               flags,
	}
	profile := make(map[string]any, len(vars))
	for k, v := range vars {
		profile[k] = v
	}
	vars["profile"] = profile
	return vars
}

func (e *Engine) compileRule(rule *domain.RiskRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if rule.Contribution < 0 || rule.Contribution > 1 {
		return nil, fmt.Errorf("%w: rule %s contribution must be in [0,1]", domain.ErrInvalidInput, rule.ID)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}
