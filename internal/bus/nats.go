package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATSBus carries events between Kestrel nodes.
// Actions are delivered through a queue group, so each submitted action is
// scored by exactly one node; every other topic fans out to all subscribers.
type NATSBus struct {
	mu     sync.Mutex
	conn   *nats.Conn
	queue  string
	subs   map[string]*natsSubscription
	closed bool
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS. The initial connection is attempted up to
// NATSMaxReconnects times; afterwards the client reconnects on its own.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}
	queue := cfg.NATSQueueGroup
	if queue == "" {
		queue = "kestrel-pipeline"
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subj string
			if sub != nil {
				subj = sub.Subject
			}
			slog.Error("nats async error", "subject", subj, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("nats connect failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl(), "queue_group", queue)
	return &NATSBus{
		conn:  conn,
		queue: queue,
		subs:  make(map[string]*natsSubscription),
	}, nil
}

// queued reports whether topic is load-balanced across nodes.
func queued(topic string) bool {
	return topic == domain.TopicActionSubmitted
}

// Publish wraps payload in a Message envelope.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(&domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", topic, err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers each message on topic to handler. Handler errors are
// logged; NATS core has no redelivery.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping malformed nats message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("bus handler failed", "topic", topic, "message_id", msg.ID, "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", topic)
	}

	var ns *nats.Subscription
	var err error
	if queued(topic) {
		ns, err = b.conn.QueueSubscribe(topic, b.queue, deliver)
	} else {
		ns, err = b.conn.Subscribe(topic, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{id: uuid.NewString(), topic: topic, sub: ns, bus: b}
	b.subs[sub.id] = sub
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the subscriptions so in-flight actions finish, then closes
// the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.sub.Drain(); err != nil {
			slog.Warn("nats drain failed", "topic", s.topic, "error", err)
		}
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		slog.Warn("nats flush failed", "error", err)
	}
	b.conn.Close()
	return nil
}

// Unsubscribe stops delivery for this subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
