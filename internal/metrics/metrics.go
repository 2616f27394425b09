// Package metrics holds the Prometheus collectors exported by Kestrel.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Trust metrics
	ScoresCalculated *prometheus.CounterVec
	ScoreChange      prometheus.Histogram
	DecayApplied     prometheus.Counter

	// Sybil metrics
	ProfilesAnalyzed    prometheus.Counter
	RiskScores          prometheus.Histogram
	FlagsRaised         *prometheus.CounterVec
	Suspensions         prometheus.Counter
	CoordinatedFindings *prometheus.CounterVec
	DetectorErrors      *prometheus.CounterVec

	// Resistance metrics
	Verdicts    *prometheus.CounterVec
	RateLimited *prometheus.CounterVec

	// Sweep metrics
	SweepDuration prometheus.Histogram
	SweepErrors   prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ScoresCalculated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "trust",
			Name:      "scores_calculated_total",
			Help:      "Trust score updates by action",
		}, []string{"action"}),
		ScoreChange: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "trust",
			Name:      "score_change_abs",
			Help:      "Absolute change of the overall score per update",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
		}),
		DecayApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "trust",
			Name:      "decay_applied_total",
			Help:      "Inactivity decays applied on access",
		}),
		ProfilesAnalyzed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sybil",
			Name:      "profiles_analyzed_total",
			Help:      "Behavior profiles built",
		}),
		RiskScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "sybil",
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		FlagsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sybil",
			Name:      "flags_raised_total",
			Help:      "Sybil flags raised by type",
		}, []string{"type"}),
		Suspensions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sybil",
			Name:      "suspensions_total",
			Help:      "Accounts moved into the suspended state",
		}),
		CoordinatedFindings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sybil",
			Name:      "coordinated_findings_total",
			Help:      "Positive coordinated-attack findings by type",
		}, []string{"attack_type"}),
		DetectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sybil",
			Name:      "detector_errors_total",
			Help:      "Coordinated-attack detector failures",
		}, []string{"detector"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "resistance",
			Name:      "verdicts_total",
			Help:      "Attack resistance verdicts by outcome and action",
		}, []string{"resistance", "action"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "resistance",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the trust-based rate limiter",
		}, []string{"band"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "sweep",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a background sweep tick",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "sweep",
			Name:      "errors_total",
			Help:      "Errors encountered during sweep ticks",
		}),
	}
}

// ObserveScore records one trust score update.
func (m *Metrics) ObserveScore(action string, change float64) {
	if m == nil {
		return
	}
	if change < 0 {
		change = -change
	}
	m.ScoresCalculated.WithLabelValues(action).Inc()
	m.ScoreChange.Observe(change)
}

// ObserveDecay records an inactivity decay.
func (m *Metrics) ObserveDecay() {
	if m == nil {
		return
	}
	m.DecayApplied.Inc()
}

// ObserveProfile records an analysis pass and the flags it raised.
func (m *Metrics) ObserveProfile(risk float64, flagTypes []string) {
	if m == nil {
		return
	}
	m.ProfilesAnalyzed.Inc()
	m.RiskScores.Observe(risk)
	for _, t := range flagTypes {
		m.FlagsRaised.WithLabelValues(t).Inc()
	}
}

// ObserveSuspension records an account suspension.
func (m *Metrics) ObserveSuspension() {
	if m == nil {
		return
	}
	m.Suspensions.Inc()
}

// ObserveFinding records a positive coordinated-attack finding.
func (m *Metrics) ObserveFinding(attackType string) {
	if m == nil {
		return
	}
	m.CoordinatedFindings.WithLabelValues(attackType).Inc()
}

// ObserveDetectorError records a failed detector.
func (m *Metrics) ObserveDetectorError(detector string) {
	if m == nil {
		return
	}
	m.DetectorErrors.WithLabelValues(detector).Inc()
}

// ObserveVerdict records an attack resistance verdict.
func (m *Metrics) ObserveVerdict(resistance, action string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(resistance, action).Inc()
}

// ObserveRateLimited records a rejected request.
func (m *Metrics) ObserveRateLimited(band string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(band).Inc()
}

// ObserveSweep records a finished sweep tick.
func (m *Metrics) ObserveSweep(d time.Duration, errs int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	if errs > 0 {
		m.SweepErrors.Add(float64(errs))
	}
}
