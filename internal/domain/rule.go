package domain

import "time"

// RiskRule is an operator-defined CEL expression evaluated against a behavior profile.
// A true result, or a number above zero, is a match: the profile gains a CUSTOM_RULE
// flag and the rule's contribution, scaled by a numeric result capped at 1, is added
// to its risk score.
type RiskRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression returning bool, int or double
	Expression string `json:"expression"`

	Contribution float64  `json:"contribution"`
	Severity     Severity `json:"severity"`

	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleHit is a rule that matched a profile.
type RuleHit struct {
	RuleID       string   `json:"ruleId"`
	Name         string   `json:"name"`
	Contribution float64  `json:"contribution"`
	Severity     Severity `json:"severity"`
}
