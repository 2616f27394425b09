// Package alerting delivers engine alerts to logs and the event bus.
package alerting

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// LogSink writes alerts to the structured log.
type LogSink struct{}

// RecordAlert logs the alert at a level matching its severity.
func (LogSink) RecordAlert(ctx context.Context, a domain.Alert) {
	level := slog.LevelInfo
	switch a.Severity {
	case domain.SeverityHigh:
		level = slog.LevelWarn
	case domain.SeverityCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, a.Message,
		"alert_id", a.ID,
		"kind", a.Kind,
		"severity", a.Severity,
		"source", a.Source,
		"detail", a.Detail,
	)
}

// BusSink publishes alerts as JSON on TopicAlert.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates a sink over b.
func NewBusSink(b domain.EventBus) *BusSink {
	return &BusSink{bus: b}
}

// RecordAlert publishes the alert. Failures are logged, never returned.
func (s *BusSink) RecordAlert(ctx context.Context, a domain.Alert) {
	if err := bus.PublishJSON(ctx, s.bus, domain.TopicAlert, a); err != nil {
		slog.Warn("failed to publish alert", "alert_id", a.ID, "kind", a.Kind, "error", err)
	}
}

// Multi fans an alert out to every sink in order.
type Multi []domain.AlertSink

// RecordAlert forwards the alert to each non-nil sink.
func (m Multi) RecordAlert(ctx context.Context, a domain.Alert) {
	for _, s := range m {
		if s != nil {
			s.RecordAlert(ctx, a)
		}
	}
}
