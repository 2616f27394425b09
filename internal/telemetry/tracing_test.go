package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), domain.TracingConfig{}, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}

func TestNewExporter(t *testing.T) {
	ctx := context.Background()

	t.Run("Stdout", func(t *testing.T) {
		var buf bytes.Buffer
		exp, err := newExporter(ctx, domain.TracingConfig{ExporterType: "stdout"}, &buf)
		if err != nil || exp == nil {
			t.Fatalf("expected stdout exporter, got %v", err)
		}
		exp.Shutdown(ctx)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := newExporter(ctx, domain.TracingConfig{ExporterType: "jaeger"}, &bytes.Buffer{})
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
