package domain

import (
	"fmt"
	"time"
)

// ActionKind is a user action the engine knows how to score or gate.
type ActionKind string

const (
	ActionReport   ActionKind = "report"
	ActionConfirm  ActionKind = "confirm"
	ActionDispute  ActionKind = "dispute"
	ActionVote     ActionKind = "vote"
	ActionEndorse  ActionKind = "endorse"
	ActionModerate ActionKind = "moderate"
	ActionPenalty  ActionKind = "penalty"
	ActionBoost    ActionKind = "boost"
)

// AllActions lists every action kind in a stable order.
var AllActions = []ActionKind{
	ActionReport, ActionConfirm, ActionDispute, ActionVote,
	ActionEndorse, ActionModerate, ActionPenalty, ActionBoost,
}

// ParseAction converts a wire string into an ActionKind.
func ParseAction(s string) (ActionKind, error) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Valid reports whether a is a member of the closed action set.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionReport, ActionConfirm, ActionDispute, ActionVote,
		ActionEndorse, ActionModerate, ActionPenalty, ActionBoost:
		return true
	}
	return false
}

// Constructive reports whether the action earns a growth boost.
func (a ActionKind) Constructive() bool {
	switch a {
	case ActionReport, ActionConfirm, ActionEndorse, ActionModerate, ActionBoost:
		return true
	}
	return false
}

// SecuritySensitive reports whether the action must fail closed when it cannot be evaluated.
func (a ActionKind) SecuritySensitive() bool {
	switch a {
	case ActionReport, ActionConfirm, ActionDispute, ActionVote, ActionEndorse, ActionModerate:
		return true
	}
	return false
}

// Voting reports whether the action expresses an opinion on shared state.
func (a ActionKind) Voting() bool {
	return a == ActionVote || a == ActionConfirm || a == ActionDispute
}

// FactorName identifies one sub-score of a TrustScore.
type FactorName string

const (
	FactorReportingAccuracy     FactorName = "reportingAccuracy"
	FactorConfirmationAccuracy  FactorName = "confirmationAccuracy"
	FactorDisputeAccuracy       FactorName = "disputeAccuracy"
	FactorResponseTime          FactorName = "responseTime"
	FactorLocationAccuracy      FactorName = "locationAccuracy"
	FactorContributionFrequency FactorName = "contributionFrequency"
	FactorCommunityEndorsement  FactorName = "communityEndorsement"
	FactorPenaltyScore          FactorName = "penaltyScore"
	FactorConsistencyScore      FactorName = "consistencyScore"
)

// AllFactors lists every factor in a stable order.
var AllFactors = []FactorName{
	FactorReportingAccuracy, FactorConfirmationAccuracy, FactorDisputeAccuracy,
	FactorResponseTime, FactorLocationAccuracy, FactorContributionFrequency,
	FactorCommunityEndorsement, FactorPenaltyScore, FactorConsistencyScore,
}

// Factors holds the weighted sub-scores behind a trust score.
// All fields are in [0,1] except PenaltyScore, which is only bounded below by 0.
type Factors struct {
	ReportingAccuracy     float64  `json:"reportingAccuracy"`
	ConfirmationAccuracy  float64  `json:"confirmationAccuracy"`
	DisputeAccuracy       float64  `json:"disputeAccuracy"`
	ResponseTime          float64  `json:"responseTime"`
	LocationAccuracy      float64  `json:"locationAccuracy"`
	ContributionFrequency float64  `json:"contributionFrequency"`
	CommunityEndorsement  float64  `json:"communityEndorsement"`
	PenaltyScore          float64  `json:"penaltyScore"`
	ConsistencyScore      float64  `json:"consistencyScore"`
	ExpertiseAreas        []string `json:"expertiseAreas,omitempty"`
}

// DefaultFactors returns the neutral factors of a user with no history.
func DefaultFactors() Factors {
	return Factors{
		ReportingAccuracy:     0.5,
		ConfirmationAccuracy:  0.5,
		DisputeAccuracy:       0.5,
		ResponseTime:          0.5,
		LocationAccuracy:      0.5,
		ContributionFrequency: 0,
		CommunityEndorsement:  0.5,
		PenaltyScore:          0,
		ConsistencyScore:      0.5,
	}
}

// Get returns the value of a named factor.
func (f *Factors) Get(name FactorName) float64 {
	if p := f.ref(name); p != nil {
		return *p
	}
	return 0
}

// Set stores v into a named factor, clamping it to the factor's bounds.
func (f *Factors) Set(name FactorName, v float64) {
	p := f.ref(name)
	if p == nil {
		return
	}
	if name == FactorPenaltyScore {
		if v < 0 {
			v = 0
		}
		*p = v
		return
	}
	*p = Clamp01(v)
}

func (f *Factors) ref(name FactorName) *float64 {
	switch name {
	case FactorReportingAccuracy:
		return &f.ReportingAccuracy
	case FactorConfirmationAccuracy:
		return &f.ConfirmationAccuracy
	case FactorDisputeAccuracy:
		return &f.DisputeAccuracy
	case FactorResponseTime:
		return &f.ResponseTime
	case FactorLocationAccuracy:
		return &f.LocationAccuracy
	case FactorContributionFrequency:
		return &f.ContributionFrequency
	case FactorCommunityEndorsement:
		return &f.CommunityEndorsement
	case FactorPenaltyScore:
		return &f.PenaltyScore
	case FactorConsistencyScore:
		return &f.ConsistencyScore
	}
	return nil
}

// HasExpertise reports whether area is already recorded.
func (f *Factors) HasExpertise(area string) bool {
	for _, a := range f.ExpertiseAreas {
		if a == area {
			return true
		}
	}
	return false
}

// Outcome is what later evidence said about an action.
type Outcome string

const (
	OutcomeUnknown  Outcome = ""
	OutcomeVerified Outcome = "verified"
	OutcomeRefuted  Outcome = "refuted"
)

// ActionContext is the evidence attached to a scored action.
type ActionContext struct {
	Outcome              Outcome           `json:"outcome,omitempty"`
	Magnitude            float64           `json:"magnitude,omitempty"`
	ResponseTimeMs       int64             `json:"responseTimeMs,omitempty"`
	LocationErrorMeters  float64           `json:"locationErrorMeters,omitempty"`
	ExpertiseArea        string            `json:"expertiseArea,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	ManualReviewApproved bool              `json:"manualReviewApproved,omitempty"`
	Attributes           map[string]string `json:"attributes,omitempty"`
}

// HistoryEntry records one change to a trust score.
type HistoryEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Score     float64           `json:"score"`
	Action    string            `json:"action"`
	Context   map[string]string `json:"context,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Impact    float64           `json:"impact"`
}

// Reputation is the secondary aggregate published next to the overall score.
type Reputation struct {
	GlobalScore    float64   `json:"globalScore"`
	CommunityScore float64   `json:"communityScore"`
	DomainScore    float64   `json:"domainScore"`
	Endorsements   int       `json:"endorsements"`
	Reports        int       `json:"reports"`
	Disputes       int       `json:"disputes"`
	LastActivity   time.Time `json:"lastActivity"`
}

// TrustScore is the per-user reputation record.
type TrustScore struct {
	UserID       string         `json:"userId"`
	Overall      float64        `json:"overall"`
	Factors      Factors        `json:"factors"`
	History      []HistoryEntry `json:"history,omitempty"`
	Reputation   Reputation     `json:"reputation"`
	Confidence   float64        `json:"confidence"`
	LastUpdated  time.Time      `json:"lastUpdated"`
	DecayApplied float64        `json:"decayApplied,omitempty"`

	// Version counts successful writes. Zero means never stored.
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *TrustScore) Clone() *TrustScore {
	if s == nil {
		return nil
	}
	c := *s
	if s.Factors.ExpertiseAreas != nil {
		c.Factors.ExpertiseAreas = append(make([]string, 0, len(s.Factors.ExpertiseAreas)), s.Factors.ExpertiseAreas...)
	}
	if s.History != nil {
		c.History = make([]HistoryEntry, len(s.History))
		for i, h := range s.History {
			c.History[i] = h
			if h.Context != nil {
				ctx := make(map[string]string, len(h.Context))
				for k, v := range h.Context {
					ctx[k] = v
				}
				c.History[i].Context = ctx
			}
		}
	}
	return &c
}

// ScoreUpdate is the result of scoring one action.
type ScoreUpdate struct {
	UserID        string  `json:"userId"`
	NewScore      float64 `json:"newScore"`
	PreviousScore float64 `json:"previousScore"`
	Change        float64 `json:"change"`
	Factors       Factors `json:"factors"`
}

// Band names one of the five ordered trust ranges.
type Band string

const (
	BandVeryLow  Band = "very_low"
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandVeryHigh Band = "very_high"
)

// Requirement names a precondition attached to a band.
type Requirement string

const (
	RequirementMFA          Requirement = "mfa_required"
	RequirementManualReview Requirement = "manual_review"
	RequirementTrustedUser  Requirement = "trusted_user"
)

// TrustThreshold is a band with its permissions, restrictions and requirements.
type TrustThreshold struct {
	Band         Band          `json:"band"`
	Min          float64       `json:"min"`
	Max          float64       `json:"max"`
	Permissions  []ActionKind  `json:"permissions"`
	Restrictions []string      `json:"restrictions"`
	Requirements []Requirement `json:"requirements"`
}

// Permits reports whether the band allows the action.
func (t TrustThreshold) Permits(action ActionKind) bool {
	for _, p := range t.Permissions {
		if p == action {
			return true
		}
	}
	return false
}

// PermissionResult is the answer to "can this user perform this action".
type PermissionResult struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty"`
	Restrictions []string      `json:"restrictions,omitempty"`
}

// RateLimit is the request budget granted to a band.
type RateLimit struct {
	MaxRequests       int           `json:"maxRequests"`
	Window            time.Duration `json:"-"`
	WindowMs          int64         `json:"windowMs"`
	PenaltyMultiplier float64       `json:"penaltyMultiplier"`
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
