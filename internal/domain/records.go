package domain

import "time"

// ActivityRecord is one user action as the store recorded it.
type ActivityRecord struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Action            ActionKind `json:"action"`
	TargetID          string     `json:"targetId,omitempty"`
	Origin            string     `json:"origin,omitempty"`
	DeviceFingerprint string     `json:"deviceFingerprint,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// VoteRecord is a single vote on a target, +1 or -1.
type VoteRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TargetID  string    `json:"targetId"`
	Value     int       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// VoteTally is the vote count on a target, excluding one voter.
type VoteTally struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// Majority returns +1, -1, or 0 on a tie.
func (t VoteTally) Majority() int {
	switch {
	case t.Up > t.Down:
		return 1
	case t.Down > t.Up:
		return -1
	}
	return 0
}

// ReportStatus tracks a report's review outcome.
type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportVerified ReportStatus = "verified"
	ReportRejected ReportStatus = "rejected"
)

// ReportRecord is one emergency report.
type ReportRecord struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	EventType string       `json:"eventType"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Status    ReportStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// LocationRecord is one observed position of a user.
type LocationRecord struct {
	UserID         string    `json:"userId"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracyMeters"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserStatus is the account state kept by the store.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

// UserRecord is the account data the engine reads.
type UserRecord struct {
	ID                string     `json:"id"`
	CreatedAt         time.Time  `json:"createdAt"`
	Origin            string     `json:"origin,omitempty"`
	DeviceFingerprint string     `json:"deviceFingerprint,omitempty"`
	MFAEnabled        bool       `json:"mfaEnabled"`
	Status            UserStatus `json:"status"`
	SuspendedReason   string     `json:"suspendedReason,omitempty"`
}

// EndorsementRecord is a directed endorsement between two users.
type EndorsementRecord struct {
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Timestamp  time.Time `json:"timestamp"`
}
