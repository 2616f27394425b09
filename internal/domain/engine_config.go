package domain

import "time"

// FactorWeights are the fixed coefficients of the overall score.
// ResponseTime is applied to (1 - responseTime); PenaltyScore is negative.
type FactorWeights struct {
	ReportingAccuracy     float64
	ConfirmationAccuracy  float64
	DisputeAccuracy       float64
	ResponseTime          float64
	LocationAccuracy      float64
	ContributionFrequency float64
	CommunityEndorsement  float64
	PenaltyScore          float64
	ConsistencyScore      float64
}

// For returns the weight of a factor.
func (w FactorWeights) For(name FactorName) float64 {
	switch name {
	case FactorReportingAccuracy:
		return w.ReportingAccuracy
	case FactorConfirmationAccuracy:
		return w.ConfirmationAccuracy
	case FactorDisputeAccuracy:
		return w.DisputeAccuracy
	case FactorResponseTime:
		return w.ResponseTime
	case FactorLocationAccuracy:
		return w.LocationAccuracy
	case FactorContributionFrequency:
		return w.ContributionFrequency
	case FactorCommunityEndorsement:
		return w.CommunityEndorsement
	case FactorPenaltyScore:
		return w.PenaltyScore
	case FactorConsistencyScore:
		return w.ConsistencyScore
	}
	return 0
}

// Impact is the factor nudge applied by one action.
type Impact struct {
	Factor FactorName
	Delta  float64
}

// RateLimitRule is the request budget of a band.
type RateLimitRule struct {
	MaxRequests       int
	Window            time.Duration
	PenaltyMultiplier float64
}

// BandConfig defines one threshold band.
type BandConfig struct {
	Name         Band
	Min          float64
	Max          float64
	Permissions  []ActionKind
	Restrictions []string
	Requirements []Requirement
	RateLimit    RateLimitRule
}

// DecayConfig is the inactivity decay schedule.
type DecayConfig struct {
	InactivityThreshold time.Duration
	RatePerDay          float64
	MaxDecay            float64
	Floor               float64
}

// GrowthConfig is the recency-weighted boost for constructive actions.
type GrowthConfig struct {
	Rate     float64
	HalfLife time.Duration
	Window   time.Duration
	MaxBoost float64
}

// TrustConfig configures the trust score manager.
type TrustConfig struct {
	Weights FactorWeights
	Impacts map[ActionKind]Impact
	Bands   []BandConfig
	Decay   DecayConfig
	Growth  GrowthConfig

	// EmergencyRelaxation skips requirement checks for low and medium bands
	EmergencyRelaxation bool

	// TrustedConfidence is the confidence needed to satisfy trusted_user
	TrustedConfidence float64

	AuditChangeThreshold float64
	HistoryLimit         int
	CacheTTL             time.Duration

	// Evidence normalization
	ResponseTimeCeiling        time.Duration
	LocationErrorCeilingMeters float64
	EvidenceSmoothing          float64
}

// RiskContributions are the additive terms of a profile's risk score.
type RiskContributions struct {
	Base             float64
	Automated        float64
	Burst            float64
	ConsistentTiming float64
	Isolation        float64
	LowConsensus     float64
	ReportVolume     float64
	LowTrust         float64
	DeviceSharing    float64
	ImpossibleTravel float64
}

// DetectionConfig configures the coordinated-attack detectors.
type DetectionConfig struct {
	Window            time.Duration
	EndorsementWindow time.Duration
	MaxRecords        int
	Parallelism       int

	CreationBurstMax       int
	CreationSuspicionTrust float64
	CreationOriginShare    float64
	CreationConfidence     float64

	VotingMinUsers int
	VotingWindow   time.Duration
	VotingLowTrust float64

	ReportingMinUsers      int
	ReportingWindow        time.Duration
	ReportingRadiusKm      float64
	ReportingLowTrust      float64
	ReportingLowTrustShare float64

	RingMinSize int
}

// SybilConfig configures behavior analysis and risk handling.
type SybilConfig struct {
	ActivityWindow    time.Duration
	HistoryWindow     time.Duration
	EndorsementWindow time.Duration

	BurstWindow           time.Duration
	BurstThreshold        int
	CVThreshold           float64
	MinIntervalsForCV     int
	PeriodShare           float64
	MinIntervalsForPeriod int
	PeriodResolution      time.Duration

	IsolationThreshold    int
	ConsensusThreshold    float64
	ReportVolumeThreshold int
	LowTrustThreshold     float64

	VoteClusterGap        time.Duration
	VoteClusterMin        int
	ReportClusterWindow   time.Duration
	ReportClusterRadiusKm float64
	ReportClusterMin      int
	ImpossibleSpeedKmh    float64

	ElevatedThreshold float64
	HighRiskThreshold float64
	SuspendThreshold  float64
	DemotionPasses    int

	ProfileTTL    time.Duration
	BloomCapacity uint
	BloomFPRate   float64

	// Rapid score change flagging over the trust history
	RapidChangeWindow  int
	RapidChangeAverage float64
	RapidChangeSingle  float64

	Contributions RiskContributions
	Detection     DetectionConfig
}

// ResistanceConfig configures the attack resistance coordinator.
type ResistanceConfig struct {
	TrustWeightMultiplier float64
	SybilThreshold        float64
	ConsensusThreshold    float64
	ReputationThreshold   float64
	SybilRiskBlock        float64
	MaxImpactFactor       float64

	RapidChangeWindow  int
	RapidChangeAverage float64
	RapidChangeSingle  float64
}

// DefaultTrustConfig returns the standard weights, impacts and bands.
func DefaultTrustConfig() TrustConfig {
	const window = 15 * time.Minute
	return TrustConfig{
		Weights: FactorWeights{
			ReportingAccuracy:     0.25,
			ConfirmationAccuracy:  0.20,
			DisputeAccuracy:       0.15,
			ResponseTime:          0.10,
			LocationAccuracy:      0.10,
			ContributionFrequency: 0.10,
			CommunityEndorsement:  0.05,
			PenaltyScore:          -0.30,
			ConsistencyScore:      0.15,
		},
		Impacts: map[ActionKind]Impact{
			ActionReport:   {Factor: FactorReportingAccuracy, Delta: 0.02},
			ActionConfirm:  {Factor: FactorConfirmationAccuracy, Delta: 0.03},
			ActionDispute:  {Factor: FactorDisputeAccuracy, Delta: 0.02},
			ActionEndorse:  {Factor: FactorCommunityEndorsement, Delta: 0.05},
			ActionModerate: {Factor: FactorConsistencyScore, Delta: 0.03},
			ActionPenalty:  {Factor: FactorPenaltyScore, Delta: 0.10},
			ActionBoost:    {Factor: FactorContributionFrequency, Delta: 0.05},
		},
		Bands: []BandConfig{
			{
				Name: BandVeryLow, Min: 0, Max: 0.2,
				Permissions:  []ActionKind{ActionConfirm},
				Restrictions: []string{"no_report", "no_dispute", "no_vote", "no_endorse", "no_moderate", "strict_rate_limit"},
				Requirements: []Requirement{RequirementMFA, RequirementManualReview},
				RateLimit:    RateLimitRule{MaxRequests: 10, Window: window, PenaltyMultiplier: 2.0},
			},
			{
				Name: BandLow, Min: 0.2, Max: 0.4,
				Permissions:  []ActionKind{ActionConfirm, ActionReport, ActionVote},
				Restrictions: []string{"no_dispute", "no_endorse", "no_moderate"},
				Requirements: []Requirement{RequirementMFA},
				RateLimit:    RateLimitRule{MaxRequests: 30, Window: window, PenaltyMultiplier: 1.5},
			},
			{
				Name: BandMedium, Min: 0.4, Max: 0.6,
				Permissions:  []ActionKind{ActionConfirm, ActionReport, ActionVote, ActionDispute},
				Restrictions: []string{"no_endorse", "no_moderate"},
				RateLimit:    RateLimitRule{MaxRequests: 60, Window: window, PenaltyMultiplier: 1.2},
			},
			{
				Name: BandHigh, Min: 0.6, Max: 0.8,
				Permissions:  []ActionKind{ActionConfirm, ActionReport, ActionVote, ActionDispute, ActionEndorse},
				Restrictions: []string{"no_moderate"},
				RateLimit:    RateLimitRule{MaxRequests: 100, Window: window, PenaltyMultiplier: 1.0},
			},
			{
				Name: BandVeryHigh, Min: 0.8, Max: 1.0,
				Permissions:  []ActionKind{ActionConfirm, ActionReport, ActionVote, ActionDispute, ActionEndorse, ActionModerate},
				Requirements: []Requirement{RequirementTrustedUser},
				RateLimit:    RateLimitRule{MaxRequests: 200, Window: window, PenaltyMultiplier: 0.8},
			},
		},
		Decay: DecayConfig{
			InactivityThreshold: 30 * 24 * time.Hour,
			RatePerDay:          0.001,
			MaxDecay:            0.3,
			Floor:               0.1,
		},
		Growth: GrowthConfig{
			Rate:     0.005,
			HalfLife: 72 * time.Hour,
			Window:   7 * 24 * time.Hour,
			MaxBoost: 0.05,
		},
		TrustedConfidence:          0.5,
		AuditChangeThreshold:       0.1,
		HistoryLimit:               100,
		CacheTTL:                   time.Hour,
		ResponseTimeCeiling:        30 * time.Minute,
		LocationErrorCeilingMeters: 5000,
		EvidenceSmoothing:          0.2,
	}
}

// DefaultSybilConfig returns the standard analysis thresholds.
func DefaultSybilConfig() SybilConfig {
	return SybilConfig{
		ActivityWindow:    24 * time.Hour,
		HistoryWindow:     7 * 24 * time.Hour,
		EndorsementWindow: 30 * 24 * time.Hour,

		BurstWindow:           5 * time.Minute,
		BurstThreshold:        20,
		CVThreshold:           0.1,
		MinIntervalsForCV:     3,
		PeriodShare:           0.7,
		MinIntervalsForPeriod: 5,
		PeriodResolution:      time.Second,

		IsolationThreshold:    3,
		ConsensusThreshold:    0.3,
		ReportVolumeThreshold: 50,
		LowTrustThreshold:     0.2,

		VoteClusterGap:        60 * time.Second,
		VoteClusterMin:        3,
		ReportClusterWindow:   10 * time.Minute,
		ReportClusterRadiusKm: 1,
		ReportClusterMin:      3,
		ImpossibleSpeedKmh:    900,

		ElevatedThreshold: 0.6,
		HighRiskThreshold: 0.7,
		SuspendThreshold:  0.8,
		DemotionPasses:    3,

		ProfileTTL:    24 * time.Hour,
		BloomCapacity: 100000,
		BloomFPRate:   0.001,

		RapidChangeWindow:  5,
		RapidChangeAverage: 0.1,
		RapidChangeSingle:  0.2,

		Contributions: RiskContributions{
			Base:             0.5,
			Automated:        0.2,
			Burst:            0.15,
			ConsistentTiming: 0.1,
			Isolation:        0.1,
			LowConsensus:     0.15,
			ReportVolume:     0.1,
			LowTrust:         0.2,
			DeviceSharing:    0.15,
			ImpossibleTravel: 0.1,
		},
		Detection: DetectionConfig{
			Window:            time.Hour,
			EndorsementWindow: 30 * 24 * time.Hour,
			MaxRecords:        5000,
			Parallelism:       4,

			CreationBurstMax:       4,
			CreationSuspicionTrust: 0.2,
			CreationOriginShare:    0.5,
			CreationConfidence:     0.8,

			VotingMinUsers: 5,
			VotingWindow:   2 * time.Minute,
			VotingLowTrust: 0.4,

			ReportingMinUsers:      5,
			ReportingWindow:        10 * time.Minute,
			ReportingRadiusKm:      1,
			ReportingLowTrust:      0.3,
			ReportingLowTrustShare: 0.6,

			RingMinSize: 3,
		},
	}
}

// DefaultResistanceConfig returns the standard resistance thresholds.
func DefaultResistanceConfig() ResistanceConfig {
	return ResistanceConfig{
		TrustWeightMultiplier: 2.0,
		SybilThreshold:        0.3,
		ConsensusThreshold:    0.6,
		ReputationThreshold:   0.4,
		SybilRiskBlock:        0.5,
		MaxImpactFactor:       0.5,
		RapidChangeWindow:     5,
		RapidChangeAverage:    0.1,
		RapidChangeSingle:     0.2,
	}
}
