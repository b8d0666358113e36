// Package bootstrap wires the application together: configuration,
// logging, storage, both detection engines, the pipeline and the API
// server, plus graceful shutdown in dependency order.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"argus/anomaly"
	"argus/api"
	"argus/config"
	"argus/correlate"
	"argus/ingest"
	"argus/service"
	"argus/storage"
)

// App holds every initialized component of the service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite        *storage.SQLite
	RuleStore     *storage.RuleStore
	IncidentStore *storage.IncidentStore

	Engine   *correlate.Engine
	Detector *anomaly.Detector
	Dedup    *service.RedisDedup
	Hub      *api.Hub
	Pipeline *service.Pipeline
	Server   *api.API

	serverErrCh chan error
}

// NewApp loads configuration and initializes all components. Nothing is
// started yet; call Start afterwards.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Sugar:       sugar,
		serverErrCh: make(chan error, 1),
	}

	sugar.Info("Argus starting...")

	if err := os.MkdirAll(cfg.DataPaths.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataPaths.DataDir, err)
	}

	app.SQLite, err = storage.Open(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", cfg.DataPaths.SQLitePath, err)
	}
	app.RuleStore = storage.NewRuleStore(app.SQLite, sugar)
	app.IncidentStore = storage.NewIncidentStore(app.SQLite, sugar)

	app.Engine = correlate.NewEngine(&correlate.Config{
		MaxBuffers:      cfg.Correlation.MaxBuffers,
		CleanupInterval: cfg.Correlation.CleanupInterval,
		Logger:          sugar,
	})

	if err := app.loadRules(ctx); err != nil {
		return nil, err
	}

	mapping, err := app.loadMapping()
	if err != nil {
		return nil, err
	}
	app.Detector = anomaly.NewDetector(&anomaly.Config{
		ZScoreThreshold:  cfg.Anomaly.ZScoreThreshold,
		MinSamples:       cfg.Anomaly.MinSamples,
		MaxBaselines:     cfg.Anomaly.MaxBaselines,
		ExcludeAnomalies: cfg.Anomaly.ExcludeAnomalies,
		Mapping:          mapping,
		Logger:           sugar,
	})

	var dedup service.DedupCache
	if cfg.Dedup.Enabled {
		app.Dedup = service.NewRedisDedup(cfg.Dedup.Addr, cfg.Dedup.Password, cfg.Dedup.DB, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := app.Dedup.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to reach dedup cache at %s: %w", cfg.Dedup.Addr, err)
		}
		dedup = app.Dedup
		sugar.Infow("Dedup cache connected", "addr", cfg.Dedup.Addr)
	}

	app.Hub = api.NewHub(ctx, sugar)

	app.Pipeline = service.NewPipeline(service.Config{
		Normalizer:   ingest.NewNormalizer(sugar),
		Engine:       app.Engine,
		Detector:     app.Detector,
		IncidentSink: app.IncidentStore,
		FindingSink:  app.IncidentStore,
		Dedup:        dedup,
		DedupMinTTL:  cfg.Dedup.MinTTL,
		Publisher:    app.Hub,
		Logger:       sugar,
	})

	app.Server = api.NewAPI(api.Config{
		Pipeline:  app.Pipeline,
		Engine:    app.Engine,
		Rules:     app.RuleStore,
		Incidents: app.IncidentStore,
		Hub:       app.Hub,
		BodyLimit: cfg.API.BodyLimit,
		RateLimit: api.RateLimitConfig{
			Enabled:           cfg.API.RateLimit.Enabled,
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
		},
		Logger: sugar,
	})

	return app, nil
}

// loadRules imports the optional rule file into the store, then
// registers every enabled stored rule with the engine.
func (a *App) loadRules(ctx context.Context) error {
	if path := a.Config.Correlation.RulesFile; path != "" {
		rules, err := correlate.LoadRules(path)
		if err != nil {
			return fmt.Errorf("failed to load rule file %s: %w", path, err)
		}
		for _, rule := range rules {
			if err := a.RuleStore.SaveRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to persist rule %s: %w", rule.ID, err)
			}
		}
		a.Sugar.Infow("Rule file imported", "path", path, "rules", len(rules))
	}

	stored, err := a.RuleStore.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list stored rules: %w", err)
	}
	for _, rule := range stored {
		if err := a.Engine.RegisterRule(rule); err != nil {
			return fmt.Errorf("failed to register rule %s: %w", rule.ID, err)
		}
	}
	a.Sugar.Infow("Correlation rules registered", "count", len(stored))
	return nil
}

func (a *App) loadMapping() (*anomaly.MetricMapping, error) {
	path := a.Config.Anomaly.MappingFile
	if path == "" {
		a.Sugar.Info("No metric mapping configured, anomaly detection idle")
		return nil, nil
	}
	mapping, err := anomaly.LoadMetricMapping(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric mapping %s: %w", path, err)
	}
	a.Sugar.Infow("Metric mapping loaded", "path", path)
	return mapping, nil
}

// Start launches the stream hub and the API server.
func (a *App) Start() {
	go a.Hub.Start()

	addr := a.Config.ListenAddr()
	a.Sugar.Infow("API server starting", "addr", addr)
	go func() {
		if err := a.Server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErrCh <- err
		}
	}()
}

// WaitForShutdown blocks until SIGINT/SIGTERM or a fatal server error.
func (a *App) WaitForShutdown() error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
		return nil
	case err := <-a.serverErrCh:
		return fmt.Errorf("api server failed: %w", err)
	}
}

// Shutdown stops components in dependency order: inbound traffic first,
// then the engines, then storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Stop(ctx); err != nil {
		a.Sugar.Errorw("API server shutdown failed", "error", err)
	}

	a.Hub.Stop()
	a.Engine.Stop()

	if a.Dedup != nil {
		if err := a.Dedup.Close(); err != nil {
			a.Sugar.Errorw("Dedup cache close failed", "error", err)
		}
	}
	if err := a.SQLite.Close(); err != nil {
		a.Sugar.Errorw("SQLite close failed", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
