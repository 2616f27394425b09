// Package worker runs the bus-driven action pipeline: each submitted action
// is recorded, checked against the actor's band, re-analyzed and given a
// resistance verdict. Only actions that pass both gates move the trust score.
// The verdict is published back on the bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer gates an action on the actor's band and applies it to the trust score.
type Scorer interface {
	CanPerformAction(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.PermissionResult, error)
	CalculateTrustScore(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.ScoreUpdate, error)
}

// Analyzer refreshes a user's behavior profile.
type Analyzer interface {
	AnalyzeUserBehavior(ctx context.Context, userID string) (*domain.UserBehaviorProfile, error)
}

// Resistor produces the verdict for an action.
type Resistor interface {
	ApplyAttackResistance(ctx context.Context, userID string, action domain.ActionKind, data map[string]any) (*domain.Verdict, error)
}

// Deps are the pipeline stages. Ingest and Graph are optional.
type Deps struct {
	Scorer   Scorer
	Analyzer Analyzer
	Resistor Resistor
	Ingest   domain.IngestStore
	Graph    domain.EndorsementGraph
	Now      func() time.Time
}

// Worker processes submitted actions asynchronously from the EventBus.
type Worker struct {
	bus  domain.EventBus
	deps Deps

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	blocked   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topic overrides the action topic, mainly for tests
	Topic string
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, deps Deps) (*Worker, error) {
	if eventBus == nil || deps.Scorer == nil || deps.Analyzer == nil || deps.Resistor == nil {
		return nil, fmt.Errorf("%w: worker needs a bus, scorer, analyzer and resistor", domain.ErrInvalidConfig)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start subscribes to the action topic.
func (w *Worker) Start(cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicActionSubmitted
	}

	sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("action worker started", "topic", topic)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var action domain.ActionMessage
	if err := json.Unmarshal(msg.Payload, &action); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse action message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if action.ID == "" {
		action.ID = msg.ID
	}

	if _, err := w.Process(ctx, &action); err != nil {
		w.failed.Add(1)
		return err
	}
	return nil
}

// Process runs one action through the pipeline and publishes the verdict.
//
// User-initiated actions are scored only when the actor's band permits them
// and the resistance verdict does not block them. A denied action is still
// recorded as activity, so behavior analysis sees it, and the denial is
// returned as a blocked verdict. Penalty and boost skip both gates.
// Store failures while recording, scoring or analyzing are logged and the
// pipeline continues.
func (w *Worker) Process(ctx context.Context, msg *domain.ActionMessage) (*domain.VerdictMessage, error) {
	start := w.deps.Now()

	if msg.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if !msg.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAction, msg.Action)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = start
	}

	slog.Debug("processing action",
		"action_id", msg.ID,
		"user_id", msg.UserID,
		"action", msg.Action,
	)

	// 1. Record raw activity
	w.record(ctx, msg)

	// 2. Permission
	gated := msg.Action.SecuritySensitive()
	var permission *domain.PermissionResult
	if gated {
		var err error
		permission, err = w.permission(ctx, msg)
		if err != nil {
			return nil, err
		}
	}

	// 3. Re-analyze
	var risk float64
	profile, err := w.deps.Analyzer.AnalyzeUserBehavior(ctx, msg.UserID)
	switch {
	case err == nil:
		risk = profile.RiskScore
	case errors.Is(err, domain.ErrUserNotFound):
		slog.Debug("no account record for analysis", "user_id", msg.UserID)
	default:
		slog.Warn("behavior analysis failed", "user_id", msg.UserID, "error", err)
	}

	// 4. Verdict
	verdict, err := w.deps.Resistor.ApplyAttackResistance(ctx, msg.UserID, msg.Action, msg.Data)
	if verdict == nil {
		return nil, fmt.Errorf("resistance %s: %w", msg.ID, err)
	}
	if err != nil {
		slog.Warn("verdict reached without trust data", "user_id", msg.UserID, "error", err)
	}
	if permission != nil && !permission.Allowed {
		deny(verdict, permission)
	}

	// 5. Score
	var update *domain.ScoreUpdate
	if !verdict.Allowed {
		w.blocked.Add(1)
	}
	switch {
	case gated && !verdict.Allowed:
		slog.Info("action denied, score unchanged",
			"action_id", msg.ID,
			"user_id", msg.UserID,
			"action", msg.Action,
			"reasons", verdict.Reasons,
		)
	case msg.Action != domain.ActionVote:
		update, err = w.deps.Scorer.CalculateTrustScore(ctx, msg.UserID, msg.Action, msg.Context)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownAction) || errors.Is(err, domain.ErrInvalidInput) {
				return nil, fmt.Errorf("score %s: %w", msg.ID, err)
			}
			slog.Error("trust scoring failed",
				"action_id", msg.ID,
				"user_id", msg.UserID,
				"error", err,
			)
		}
	}

	// 6. Publish
	out := &domain.VerdictMessage{Verdict: verdict, Permission: permission, Update: update, Risk: risk}
	if err := bus.PublishJSON(ctx, w.bus, domain.TopicVerdict, out); err != nil {
		slog.Error("failed to publish verdict",
			"action_id", msg.ID,
			"error", err,
		)
	}

	w.processed.Add(1)
	slog.Info("action processed",
		"action_id", msg.ID,
		"user_id", msg.UserID,
		"action", msg.Action,
		"resistance", verdict.Resistance,
		"risk_score", risk,
		"duration_ms", w.deps.Now().Sub(start).Milliseconds(),
	)
	return out, nil
}

// permission asks the scorer whether the actor's band allows the action.
// A lookup failure denies it.
func (w *Worker) permission(ctx context.Context, msg *domain.ActionMessage) (*domain.PermissionResult, error) {
	p, err := w.deps.Scorer.CanPerformAction(ctx, msg.UserID, msg.Action, msg.Context)
	switch {
	case err == nil && p != nil:
		return p, nil
	case errors.Is(err, domain.ErrUnknownAction) || errors.Is(err, domain.ErrInvalidInput):
		return nil, fmt.Errorf("permission %s: %w", msg.ID, err)
	}
	slog.Warn("permission check failed", "action_id", msg.ID, "user_id", msg.UserID, "error", err)
	return &domain.PermissionResult{Allowed: false, Reason: "permission check unavailable"}, nil
}

// deny turns the verdict into a block carrying the permission's reason.
func deny(v *domain.Verdict, p *domain.PermissionResult) {
	v.Allowed = false
	v.Resistance = domain.ResistanceBlocked
	if p.Reason != "" {
		v.Reasons = append(v.Reasons, p.Reason)
	}
}

// record writes the raw action into the store and the endorsement graph.
func (w *Worker) record(ctx context.Context, msg *domain.ActionMessage) {
	if w.deps.Ingest != nil {
		var errs []error
		errs = append(errs, w.deps.Ingest.RecordActivity(ctx, &domain.ActivityRecord{
			ID:                msg.ID,
			UserID:            msg.UserID,
			Action:            msg.Action,
			TargetID:          msg.TargetID,
			Origin:            msg.Origin,
			DeviceFingerprint: msg.DeviceFingerprint,
			Timestamp:         msg.Timestamp,
		}))

		switch {
		case msg.Action == domain.ActionVote && msg.TargetID != "" && (msg.Value == 1 || msg.Value == -1):
			errs = append(errs, w.deps.Ingest.SaveVote(ctx, &domain.VoteRecord{
				ID:        msg.ID,
				UserID:    msg.UserID,
				TargetID:  msg.TargetID,
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
			}))
		case msg.Action == domain.ActionReport && msg.Location != nil:
			errs = append(errs, w.deps.Ingest.SaveReport(ctx, &domain.ReportRecord{
				ID:        msg.ID,
				UserID:    msg.UserID,
				EventType: msg.EventType,
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Status:    domain.ReportPending,
				Timestamp: msg.Timestamp,
			}))
		case msg.Action == domain.ActionEndorse && msg.TargetID != "":
			errs = append(errs, w.deps.Ingest.SaveEndorsement(ctx, w.endorsement(msg)))
		}

		if msg.Location != nil {
			errs = append(errs, w.deps.Ingest.SaveLocation(ctx, &domain.LocationRecord{
				UserID:    msg.UserID,
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Timestamp: msg.Timestamp,
			}))
		}

		if err := errors.Join(errs...); err != nil {
			slog.Warn("failed to record action", "action_id", msg.ID, "user_id", msg.UserID, "error", err)
		}
	}

	if w.deps.Graph != nil && msg.Action == domain.ActionEndorse && msg.TargetID != "" {
		if err := w.deps.Graph.RecordEndorsement(ctx, *w.endorsement(msg)); err != nil {
			slog.Warn("failed to record endorsement edge", "user_id", msg.UserID, "target_id", msg.TargetID, "error", err)
		}
	}
}

func (w *Worker) endorsement(msg *domain.ActionMessage) *domain.EndorsementRecord {
	return &domain.EndorsementRecord{
		FromUserID: msg.UserID,
		ToUserID:   msg.TargetID,
		Timestamp:  msg.Timestamp,
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("action worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Blocked           int64    `json:"blocked"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Blocked:           w.blocked.Load(),
	}
}
