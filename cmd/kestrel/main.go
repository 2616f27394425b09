// Kestrel - Trust scoring and sybil resistance for community platforms.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/origin"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/resistance"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sweep"
	"github.com/opensource-finance/kestrel/internal/sybil"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/trust"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Trust scoring and sybil resistance engine",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML, JSON or TOML config file")

	load := func() (*domain.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(newLogger(cfg.Logging, os.Stdout))
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newScanCmd(load), newMigrateCmd(load))
	return root
}

func newServeCmd(load func() (*domain.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, action worker and background sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newScanCmd(load func() (*domain.Config, error)) *cobra.Command {
	var users []string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one coordinated-attack scan and print the finding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return scan(cmd.Context(), cfg, users, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "also analyze these users (repeatable)")
	return cmd
}

func newMigrateCmd(load func() (*domain.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			repo, err := repository.New(cfg.Repository)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer repo.Close()
			slog.Info("schema is up to date", "driver", cfg.Repository.Driver)
			return nil
		},
	}
}

// newLogger builds the process logger. JSON is the default format.
func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// engine holds the wired components shared by serve and scan.
type engine struct {
	repo     *repository.SQLRepository
	cache    domain.Cache
	bus      domain.EventBus
	graph    domain.EndorsementGraph
	origins  domain.OriginResolver
	rules    *rules.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	trust    *trust.Manager
	sybil    *sybil.Engine
	resist   *resistance.Coordinator

	closers []func()
}

// build wires the storage, transport and engine layers. sinks picks the alert
// sink once the event bus exists.
func build(ctx context.Context, cfg *domain.Config, sinks func(domain.EventBus) domain.AlertSink) (*engine, error) {
	e := &engine{}
	ok := false
	defer func() {
		if !ok {
			e.close()
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	e.repo = repo
	e.closers = append(e.closers, func() { repo.Close() })
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	e.cache = cacheImpl
	e.closers = append(e.closers, func() { cacheImpl.Close() })
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	e.bus = busImpl
	e.closers = append(e.closers, func() { busImpl.Close() })
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	alerts := sinks(busImpl)

	g, err := graph.New(cfg.Graph, repo, cfg.Sybil.Detection.MaxRecords)
	if err != nil {
		return nil, fmt.Errorf("initialize endorsement graph: %w", err)
	}
	e.graph = g
	e.closers = append(e.closers, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Close(closeCtx)
	})
	slog.Info("endorsement graph initialized", "type", cfg.Graph.Type)

	origins, err := origin.New(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("initialize origin resolver: %w", err)
	}
	e.origins = origins
	if c, isCloser := origins.(io.Closer); isCloser {
		e.closers = append(e.closers, func() { c.Close() })
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Enabled {
		e.metrics = metrics.New(e.registry)
	}

	ruleEngine, err := rules.NewEngine(100)
	if err != nil {
		return nil, fmt.Errorf("initialize rule engine: %w", err)
	}
	e.rules = ruleEngine
	e.closers = append(e.closers, func() { ruleEngine.Close() })

	// Rules are configured via POST /rules; an unreadable table starts empty.
	if err := ruleEngine.ReloadFromStore(ctx, repo); err != nil {
		slog.Warn("failed to load risk rules, starting with none", "error", err)
	}

	e.trust, err = trust.NewManager(cfg.Trust, repo, cacheImpl, trust.Options{
		MFA:     repo,
		Alerts:  alerts,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize trust manager: %w", err)
	}

	e.sybil, err = sybil.NewEngine(cfg.Sybil, repo, e.trust, cacheImpl, sybil.Options{
		Rules:     ruleEngine,
		Graph:     g,
		Origins:   origins,
		Suspender: repo,
		Alerts:    alerts,
		Bus:       busImpl,
		Metrics:   e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize sybil engine: %w", err)
	}
	if err := e.sybil.SeedSuspendedDevices(ctx); err != nil {
		slog.Warn("failed to seed suspended devices", "error", err)
	}

	e.resist, err = resistance.NewCoordinator(cfg.Resistance, e.trust, e.sybil, resistance.Options{
		Alerts:  alerts,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize resistance coordinator: %w", err)
	}

	ok = true
	return e, nil
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func serve(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
	)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	hub := api.NewAlertHub()
	defer hub.Close()

	e, err := build(ctx, cfg, func(b domain.EventBus) domain.AlertSink {
		return alerting.Multi{alerting.LogSink{}, alerting.NewBusSink(b), hub}
	})
	if err != nil {
		return err
	}
	defer e.close()

	limiter, err := ratelimit.New(cfg.RateLimit, e.cache, e.trust, e.metrics, nil)
	if err != nil {
		return fmt.Errorf("initialize rate limiter: %w", err)
	}

	pipeline, err := worker.NewWorker(e.bus, worker.Deps{
		Scorer:   e.trust,
		Analyzer: e.sybil,
		Resistor: e.resist,
		Ingest:   e.repo,
		Graph:    e.graph,
	})
	if err != nil {
		return fmt.Errorf("initialize action worker: %w", err)
	}
	if err := pipeline.Start(worker.Config{}); err != nil {
		return fmt.Errorf("start action worker: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.Sweep.Enabled {
		sweeper, err := sweep.New(cfg.Sweep, e.sybil, e.trust, e.metrics)
		if err != nil {
			return fmt.Errorf("initialize sweep: %w", err)
		}
		go sweeper.Run(sweepCtx)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Trust:      e.trust,
		Sybil:      e.sybil,
		Resistance: e.resist,
		Pipeline:   pipeline,
		Limiter:    limiter,
		Users:      e.repo,
		Rules:      e.rules,
		RuleStore:  e.repo,
		Store:      e.repo,
		Cache:      e.cache,
		Version:    Version,
	}, hub, metricsHandler)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-serverErr:
		slog.Error("server failed, shutting down", "error", runErr)
	}

	stopSweep()

	// The worker goes first so queued actions are not scored against a closed store.
	if err := pipeline.Stop(); err != nil {
		slog.Error("failed to stop action worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	stats := pipeline.GetStats()
	slog.Info("kestrel shutdown complete",
		"processed", stats.Processed,
		"failed", stats.Failed,
		"blocked", stats.Blocked,
	)
	return runErr
}

func scan(ctx context.Context, cfg *domain.Config, users []string, out io.Writer) error {
	e, err := build(ctx, cfg, func(domain.EventBus) domain.AlertSink {
		return alerting.LogSink{}
	})
	if err != nil {
		return err
	}
	defer e.close()

	report := struct {
		Finding  *domain.CoordinatedAttackFinding `json:"finding"`
		Profiles []*domain.UserBehaviorProfile   `json:"profiles,omitempty"`
	}{}

	for _, id := range users {
		profile, err := e.sybil.AnalyzeUserBehavior(ctx, id)
		if err != nil {
			return fmt.Errorf("analyze %s: %w", id, err)
		}
		report.Profiles = append(report.Profiles, profile)
	}

	report.Finding, err = e.sybil.DetectCoordinatedAttacks(ctx)
	if err != nil {
		return fmt.Errorf("coordinated scan: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
