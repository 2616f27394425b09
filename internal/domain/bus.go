package domain

import (
	"context"
	"time"
)

// EventBus moves actions, verdicts, alerts and findings between components
// and, with NATS, between nodes.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls handler for every message on topic until the returned
	// subscription is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every payload travels in.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active registration on one topic.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the event bus.
type EventBusConfig struct {
	Type string // channel, nats

	// ChannelBufferSize is the per-subscriber queue length of the in-process bus.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup load-balances submitted actions across nodes.
	NATSQueueGroup string
}

// Topics.
const (
	TopicActionSubmitted  = "kestrel.action.submitted"
	TopicVerdict          = "kestrel.verdict"
	TopicAlert            = "kestrel.alert"
	TopicAttackDetected   = "kestrel.attack.detected"
	TopicProfileAnalyzed  = "kestrel.profile.analyzed"
	TopicTrustScoreChange = "kestrel.trust.changed"
)

// ActionMessage is the payload published on TopicActionSubmitted.
type ActionMessage struct {
	ID                string         `json:"id,omitempty"`
	UserID            string         `json:"userId"`
	Action            ActionKind     `json:"action"`
	TargetID          string         `json:"targetId,omitempty"`
	Value             int            `json:"value,omitempty"` // vote direction, +1 or -1
	Origin            string         `json:"origin,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	Location          *Coordinates   `json:"location,omitempty"`
	EventType         string         `json:"eventType,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	Context           ActionContext  `json:"context"`
	Data              map[string]any `json:"data,omitempty"`
}

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VerdictMessage is the payload published on TopicVerdict.
type VerdictMessage struct {
	Verdict    *Verdict          `json:"verdict"`
	Permission *PermissionResult `json:"permission,omitempty"`
	Update     *ScoreUpdate      `json:"update,omitempty"`
	Risk       float64           `json:"riskScore"`
}
