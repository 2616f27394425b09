package domain

import (
	"context"
	"time"
)

// Alert is an audit or alerting event raised by the engine.
type Alert struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Alert kinds.
const (
	AlertTrustScoreChange  = "trust_score_change"
	AlertHighRiskUser      = "high_risk_user"
	AlertUserSuspended     = "user_suspended"
	AlertCoordinatedAttack = "coordinated_attack"
	AlertActionBlocked     = "action_blocked"
)

// AlertSink receives alerts. RecordAlert must not block the caller on failure.
type AlertSink interface {
	RecordAlert(ctx context.Context, alert Alert)
}

// MFAProvider reports whether a user has multi-factor authentication enabled.
type MFAProvider interface {
	IsMFAEnabled(ctx context.Context, userID string) (bool, error)
}

// SuspensionActuator suspends accounts on behalf of the high-risk path.
type SuspensionActuator interface {
	SuspendUser(ctx context.Context, userID string, reason string) error
	ReinstateUser(ctx context.Context, userID string) error
}

// OriginResolver maps a raw network origin (an IP address) onto the group
// used to measure origin concentration, such as a subnet or an ASN.
type OriginResolver interface {
	Resolve(raw string) string
}

// EndorsementGraph finds circular endorsement among users.
type EndorsementGraph interface {
	RecordEndorsement(ctx context.Context, e EndorsementRecord) error

	// Rings returns groups of at least minSize users that endorse each other
	// in a cycle within the window. Members of each ring are sorted.
	Rings(ctx context.Context, window time.Duration, minSize int) ([][]string, error)

	Close(ctx context.Context) error
}
