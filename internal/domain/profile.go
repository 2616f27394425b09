package domain

import "time"

// FlagType is the closed set of suspicious patterns a profile can carry.
type FlagType string

const (
	FlagAutomatedBehavior  FlagType = "AUTOMATED_BEHAVIOR"
	FlagNetworkIsolation   FlagType = "NETWORK_ISOLATION"
	FlagCoordinatedVoting  FlagType = "COORDINATED_VOTING"
	FlagBurstActivity      FlagType = "BURST_ACTIVITY"
	FlagSuspiciousLocation FlagType = "SUSPICIOUS_LOCATION"
	FlagDeviceSharing      FlagType = "DEVICE_SHARING"
	FlagLowTrust           FlagType = "LOW_TRUST"
	FlagRapidScoreChange   FlagType = "RAPID_SCORE_CHANGE"
	FlagCustomRule         FlagType = "CUSTOM_RULE"
)

// Severity grades a flag or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SybilFlag is an evidenced indicator of one suspicious pattern.
type SybilFlag struct {
	Type        FlagType       `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	DetectedAt  time.Time      `json:"detectedAt"`
	Confidence  float64        `json:"confidence"`
}

// ActivityPattern summarizes a user's recent action timing.
type ActivityPattern struct {
	TotalActions        int       `json:"totalActions"`
	ActionsPerHour      [24]int   `json:"actionsPerHour"`
	PeakHours           []int     `json:"peakHours,omitempty"`
	MeanInterval        float64   `json:"meanIntervalSeconds"`
	IntervalStdDev      float64   `json:"intervalStdDevSeconds"`
	IntervalCV          float64   `json:"intervalCv"`
	MedianInterval      float64   `json:"medianIntervalSeconds"`
	BurstCount          int       `json:"burstCount"`
	ConsistentTiming    bool      `json:"consistentTiming"`
	DominantPeriod      float64   `json:"dominantPeriodSeconds"`
	DominantPeriodShare float64   `json:"dominantPeriodShare"`
	AutomatedBehavior   bool      `json:"automatedBehavior"`
	FirstAction         time.Time `json:"firstAction,omitempty"`
	LastAction          time.Time `json:"lastAction,omitempty"`
}

// VoteCluster is a run of votes cast close together in time.
type VoteCluster struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Count   int       `json:"count"`
	Targets []string  `json:"targets"`
}

// VotingHistory summarizes a user's votes in the analysis window.
type VotingHistory struct {
	TotalVotes         int            `json:"totalVotes"`
	ComparableVotes    int            `json:"comparableVotes"`
	ConsensusAlignment float64        `json:"consensusAlignment"`
	Clusters           []VoteCluster  `json:"clusters,omitempty"`
	VotesPerTarget     map[string]int `json:"votesPerTarget,omitempty"`
}

// HasConsensusSignal reports whether alignment was measured against other voters.
func (v VotingHistory) HasConsensusSignal() bool {
	return v.ComparableVotes > 0
}

// ReportCluster is a group of reports close in time and space.
type ReportCluster struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Count     int       `json:"count"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	ReportIDs []string  `json:"reportIds"`
}

// ReportingHistory summarizes a user's reports in the analysis window.
type ReportingHistory struct {
	TotalReports    int             `json:"totalReports"`
	VerifiedReports int             `json:"verifiedReports"`
	RejectedReports int             `json:"rejectedReports"`
	AccuracyRate    float64         `json:"accuracyRate"`
	ReportsPerType  map[string]int  `json:"reportsPerType,omitempty"`
	Clusters        []ReportCluster `json:"clusters,omitempty"`
}

// LocationHistory summarizes where a user has reported from.
type LocationHistory struct {
	Points           int     `json:"points"`
	DistinctCells    int     `json:"distinctCells"`
	MaxSpeedKmh      float64 `json:"maxSpeedKmh"`
	ImpossibleTravel bool    `json:"impossibleTravel"`
}

// NetworkConnections counts distinct endorsement peers.
type NetworkConnections struct {
	Distinct  int `json:"distinct"`
	Endorsers int `json:"endorsers"`
	Endorsed  int `json:"endorsed"`
	Mutual    int `json:"mutual"`
}

// RiskState is the handling state of a profile.
type RiskState string

const (
	RiskStateNormal    RiskState = "normal"
	RiskStateElevated  RiskState = "elevated"
	RiskStateHighRisk  RiskState = "high_risk"
	RiskStateSuspended RiskState = "suspended"
)

// Rank orders risk states from least to most severe.
func (s RiskState) Rank() int {
	switch s {
	case RiskStateElevated:
		return 1
	case RiskStateHighRisk:
		return 2
	case RiskStateSuspended:
		return 3
	}
	return 0
}

// UserBehaviorProfile is the derived picture of a user's recent behavior.
type UserBehaviorProfile struct {
	UserID             string             `json:"userId"`
	CreatedAt          time.Time          `json:"createdAt"`
	LastActivity       time.Time          `json:"lastActivity"`
	AnalyzedAt         time.Time          `json:"analyzedAt"`
	TrustScore         float64            `json:"trustScore"`
	ActivityPattern    ActivityPattern    `json:"activityPattern"`
	NetworkConnections NetworkConnections `json:"networkConnections"`
	VotingHistory      VotingHistory      `json:"votingHistory"`
	ReportingHistory   ReportingHistory   `json:"reportingHistory"`
	LocationHistory    LocationHistory    `json:"locationHistory"`
	DeviceFingerprint  string             `json:"deviceFingerprint,omitempty"`
	RiskScore          float64            `json:"riskScore"`
	RiskState          RiskState          `json:"riskState"`
	Flags              []SybilFlag        `json:"flags"`
}

// HasFlag reports whether the profile carries a flag of the given type.
func (p *UserBehaviorProfile) HasFlag(t FlagType) bool {
	for _, f := range p.Flags {
		if f.Type == t {
			return true
		}
	}
	return false
}

// RiskLevel is the coarse banding of a risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskLevelFor bands a risk score.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLevelLow
	case score < 0.6:
		return RiskLevelMedium
	case score < 0.8:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}

// RiskAssessment is the read-only risk answer for one user.
type RiskAssessment struct {
	UserID          string      `json:"userId"`
	RiskScore       float64     `json:"riskScore"`
	RiskLevel       RiskLevel   `json:"riskLevel"`
	Flags           []SybilFlag `json:"flags"`
	Recommendations []string    `json:"recommendations"`
	Degraded        bool        `json:"degraded,omitempty"`
}

// AttackType names a coordinated-attack signature.
type AttackType string

const (
	AttackNone                 AttackType = "none"
	AttackAccountCreationBurst AttackType = "Account Creation Burst"
	AttackCoordinatedVoting    AttackType = "Coordinated Voting"
	AttackClusteredReporting   AttackType = "Clustered Reporting"
	AttackCircularEndorsement  AttackType = "Circular Endorsement"
)

// CoordinatedAttackFinding is the outcome of a cross-user scan.
type CoordinatedAttackFinding struct {
	ID            string     `json:"id,omitempty"`
	AttackType    AttackType `json:"attackType"`
	Detected      bool       `json:"detected"`
	InvolvedUsers []string   `json:"involvedUsers"`
	Confidence    float64    `json:"confidence"`
	Evidence      []string   `json:"evidence"`
	DetectedAt    time.Time  `json:"detectedAt"`
}

// NoAttack returns the negative finding.
func NoAttack(at time.Time) *CoordinatedAttackFinding {
	return &CoordinatedAttackFinding{
		AttackType:    AttackNone,
		InvolvedUsers: []string{},
		Evidence:      []string{},
		DetectedAt:    at,
	}
}

// DetectorResult is what one coordinated-attack detector produced.
// Finding is nil when the detector ran cleanly and saw nothing.
type DetectorResult struct {
	Detector string                    `json:"detector"`
	Finding  *CoordinatedAttackFinding `json:"finding,omitempty"`
	Err      error                     `json:"-"`
}
