package domain

import (
	"fmt"
	"math"
)

// Validate checks the configuration for programming errors.
// Every failure wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := c.Trust.Validate(); err != nil {
		return err
	}
	if err := c.Sybil.Validate(); err != nil {
		return err
	}
	if err := c.Resistance.Validate(); err != nil {
		return err
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate checks weights, impacts and band ordering.
func (c *TrustConfig) Validate() error {
	for _, f := range AllFactors {
		w := c.Weights.For(f)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight for %s is not finite", ErrInvalidConfig, f)
		}
	}
	if c.Weights.PenaltyScore > 0 {
		return fmt.Errorf("%w: penalty weight must not be positive", ErrInvalidConfig)
	}

	for _, a := range AllActions {
		if a == ActionVote {
			continue
		}
		imp, ok := c.Impacts[a]
		if !ok {
			return fmt.Errorf("%w: no impact for action %s", ErrInvalidConfig, a)
		}
		if !validFactor(imp.Factor) {
			return fmt.Errorf("%w: action %s targets unknown factor %q", ErrInvalidConfig, a, imp.Factor)
		}
	}
	for a := range c.Impacts {
		if !a.Valid() {
			return fmt.Errorf("%w: impact for unknown action %q", ErrInvalidConfig, a)
		}
	}

	if err := validateBands(c.Bands); err != nil {
		return err
	}

	if c.Decay.Floor < 0 || c.Decay.Floor > 1 || c.Decay.MaxDecay < 0 || c.Decay.RatePerDay < 0 {
		return fmt.Errorf("%w: decay constants out of range", ErrInvalidConfig)
	}
	if c.Growth.MaxBoost < 0 || c.Growth.Rate < 0 || c.Growth.HalfLife <= 0 {
		return fmt.Errorf("%w: growth constants out of range", ErrInvalidConfig)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("%w: history limit must be positive", ErrInvalidConfig)
	}
	return nil
}

var bandOrder = []Band{BandVeryLow, BandLow, BandMedium, BandHigh, BandVeryHigh}

func validateBands(bands []BandConfig) error {
	if len(bands) != len(bandOrder) {
		return fmt.Errorf("%w: expected %d bands, got %d", ErrInvalidConfig, len(bandOrder), len(bands))
	}
	for i, b := range bands {
		if b.Name != bandOrder[i] {
			return fmt.Errorf("%w: band %d is %q, want %q", ErrInvalidConfig, i, b.Name, bandOrder[i])
		}
		if b.Min >= b.Max {
			return fmt.Errorf("%w: band %s has min %.2f >= max %.2f", ErrInvalidConfig, b.Name, b.Min, b.Max)
		}
		if i == 0 && b.Min != 0 {
			return fmt.Errorf("%w: first band must start at 0", ErrInvalidConfig)
		}
		if i > 0 && b.Min != bands[i-1].Max {
			return fmt.Errorf("%w: band %s does not start where %s ends", ErrInvalidConfig, b.Name, bands[i-1].Name)
		}
		for _, p := range b.Permissions {
			if !p.Valid() {
				return fmt.Errorf("%w: band %s permits unknown action %q", ErrInvalidConfig, b.Name, p)
			}
		}
		for _, r := range b.Requirements {
			switch r {
			case RequirementMFA, RequirementManualReview, RequirementTrustedUser:
			default:
				return fmt.Errorf("%w: band %s has unknown requirement %q", ErrInvalidConfig, b.Name, r)
			}
		}
		rl := b.RateLimit
		if rl.MaxRequests <= 0 || rl.Window <= 0 || rl.PenaltyMultiplier <= 0 {
			return fmt.Errorf("%w: band %s has an invalid rate limit", ErrInvalidConfig, b.Name)
		}
	}
	if bands[len(bands)-1].Max != 1 {
		return fmt.Errorf("%w: last band must end at 1", ErrInvalidConfig)
	}
	return nil
}

func validFactor(f FactorName) bool {
	for _, known := range AllFactors {
		if known == f {
			return true
		}
	}
	return false
}

// Validate checks risk thresholds.
func (c *SybilConfig) Validate() error {
	if !(c.ElevatedThreshold < c.HighRiskThreshold && c.HighRiskThreshold < c.SuspendThreshold && c.SuspendThreshold <= 1) {
		return fmt.Errorf("%w: risk state thresholds must be strictly increasing and at most 1", ErrInvalidConfig)
	}
	if c.BurstWindow <= 0 || c.BurstThreshold <= 0 {
		return fmt.Errorf("%w: burst window and threshold must be positive", ErrInvalidConfig)
	}
	if c.PeriodShare <= 0 || c.PeriodShare > 1 {
		return fmt.Errorf("%w: period share must be in (0,1]", ErrInvalidConfig)
	}
	if c.PeriodResolution <= 0 {
		return fmt.Errorf("%w: period resolution must be positive", ErrInvalidConfig)
	}
	if c.DemotionPasses <= 0 {
		return fmt.Errorf("%w: demotion passes must be positive", ErrInvalidConfig)
	}
	if c.Detection.MaxRecords <= 0 || c.Detection.Window <= 0 {
		return fmt.Errorf("%w: detection window and record bound must be positive", ErrInvalidConfig)
	}
	if c.BloomCapacity == 0 || c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		return fmt.Errorf("%w: bloom filter sizing out of range", ErrInvalidConfig)
	}
	return nil
}

// Validate checks resistance thresholds.
func (c *ResistanceConfig) Validate() error {
	if c.TrustWeightMultiplier <= 0 {
		return fmt.Errorf("%w: trust weight multiplier must be positive", ErrInvalidConfig)
	}
	for name, v := range map[string]float64{
		"sybil threshold":      c.SybilThreshold,
		"consensus threshold":  c.ConsensusThreshold,
		"reputation threshold": c.ReputationThreshold,
		"sybil risk block":     c.SybilRiskBlock,
		"max impact factor":    c.MaxImpactFactor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1]", ErrInvalidConfig, name)
		}
	}
	if c.RapidChangeWindow <= 0 {
		return fmt.Errorf("%w: rapid change window must be positive", ErrInvalidConfig)
	}
	return nil
}
