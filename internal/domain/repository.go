// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// TrustStore persists trust scores. Saves are idempotent upserts keyed by user ID.
type TrustStore interface {
	// LoadTrustScore returns ErrNotFound when the user has no score yet.
	LoadTrustScore(ctx context.Context, userID string) (*TrustScore, error)

	// SaveTrustScore writes the score only if the stored version still equals
	// score.Version, then increments score.Version. A lost race returns
	// ErrConflict and leaves both unchanged.
	SaveTrustScore(ctx context.Context, score *TrustScore) error

	// ListStaleTrustScores returns users that may still owe inactivity decay,
	// least recently written first.
	ListStaleTrustScores(ctx context.Context, q StaleQuery) ([]string, error)
}

// StaleQuery selects scores for the decay pass.
type StaleQuery struct {
	// ActiveBefore bounds the user's last activity.
	ActiveBefore time.Time
	// UpdatedBefore bounds the last write, so freshly decayed scores rotate out.
	UpdatedBefore time.Time
	// Scores at or below Floor, or with MaxDecay already applied, cannot decay further.
	Floor    float64
	MaxDecay float64
	Limit    int
}

// BehaviorStore is the read side used by the behavior aggregator and the sybil engine.
// Every read is bounded by a time window ending now.
type BehaviorStore interface {
	LoadUser(ctx context.Context, userID string) (*UserRecord, error)
	LoadRecentActivity(ctx context.Context, userID string, window time.Duration) ([]ActivityRecord, error)
	LoadVotingHistory(ctx context.Context, userID string, window time.Duration) ([]VoteRecord, error)
	LoadReportingHistory(ctx context.Context, userID string, window time.Duration) ([]ReportRecord, error)
	LoadLocationHistory(ctx context.Context, userID string, window time.Duration) ([]LocationRecord, error)
	LoadEndorsements(ctx context.Context, userID string, window time.Duration) ([]EndorsementRecord, error)

	// LoadVoteTallies counts votes per target, leaving out excludeUserID's own votes.
	LoadVoteTallies(ctx context.Context, targetIDs []string, excludeUserID string) (map[string]VoteTally, error)
}

// ScanStore is the cross-user read side used by coordinated-attack detection.
type ScanStore interface {
	LoadRecentAccountCreations(ctx context.Context, window time.Duration, limit int) ([]UserRecord, error)
	LoadRecentVotes(ctx context.Context, window time.Duration, limit int) ([]VoteRecord, error)
	LoadRecentReports(ctx context.Context, window time.Duration, limit int) ([]ReportRecord, error)
	LoadRecentEndorsements(ctx context.Context, window time.Duration, limit int) ([]EndorsementRecord, error)
	ListSuspendedDevices(ctx context.Context, limit int) ([]string, error)
}

// IngestStore records raw user activity.
type IngestStore interface {
	SaveUser(ctx context.Context, user *UserRecord) error
	RecordActivity(ctx context.Context, rec *ActivityRecord) error
	SaveVote(ctx context.Context, vote *VoteRecord) error
	SaveReport(ctx context.Context, report *ReportRecord) error
	SaveLocation(ctx context.Context, loc *LocationRecord) error
	SaveEndorsement(ctx context.Context, e *EndorsementRecord) error
}

// RuleStore persists operator-defined risk rules.
type RuleStore interface {
	SaveRiskRule(ctx context.Context, rule *RiskRule) error
	GetRiskRule(ctx context.Context, ruleID string) (*RiskRule, error)
	ListRiskRules(ctx context.Context) ([]*RiskRule, error)
	DeleteRiskRule(ctx context.Context, ruleID string) error
}

// DataStore is the full persistence contract.
type DataStore interface {
	TrustStore
	BehaviorStore
	ScanStore
	IngestStore
	RuleStore
	MFAProvider
	SuspensionActuator

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" (lib/pq) or "pgx"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
