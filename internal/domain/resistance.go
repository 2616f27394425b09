package domain

// Resistance is the outcome class of an attack-resistance check.
type Resistance string

const (
	ResistanceAllowed Resistance = "allowed"
	ResistanceLimited Resistance = "limited"
	ResistanceBlocked Resistance = "blocked"
)

// Rank orders resistance outcomes so checks can be combined by worst case.
func (r Resistance) Rank() int {
	switch r {
	case ResistanceLimited:
		return 1
	case ResistanceBlocked:
		return 2
	}
	return 0
}

// Worst returns the more restrictive of two outcomes.
func Worst(a, b Resistance) Resistance {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Verdict is the allow/limit/block decision for one action request.
type Verdict struct {
	UserID       string         `json:"userId"`
	Action       ActionKind     `json:"action"`
	Allowed      bool           `json:"allowed"`
	TrustWeight  float64        `json:"trustWeight"`
	Resistance   Resistance     `json:"resistance"`
	SybilRisk    float64        `json:"sybilRisk"`
	Reasons      []string       `json:"reasons,omitempty"`
	AdjustedData map[string]any `json:"adjustedData"`
}
