package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oryxsec/scanengine/internal/config"
	"github.com/oryxsec/scanengine/internal/engine"
	"github.com/oryxsec/scanengine/internal/events"
	"github.com/oryxsec/scanengine/internal/observability"
	"github.com/oryxsec/scanengine/internal/runtime"
	"github.com/oryxsec/scanengine/internal/storage"
	pgstore "github.com/oryxsec/scanengine/internal/storage/postgres"
	sqlitestore "github.com/oryxsec/scanengine/internal/storage/sqlite"
)

// SharedComponents holds the subsystems that both server and one-shot scan
// modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   storage.Store  // Unified store (SQLite or PostgreSQL).
	Runtime runtime.Engine // Container engine (real or degraded).
	Obs     *observability.Observability
	Engine  *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared between server and
// one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, publisher events.Publisher, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	// Container engine (real or degraded — explicit, never a silent fallback).
	rt, err := initRuntime(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing container engine: %w", err)
	}
	sc.Runtime = rt
	sc.addCleanup(func() { _ = rt.Close() })
	logger.Info("container engine initialized", slog.String("mode", string(rt.Mode())))

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() { _ = store.Close() })
	logger.Info("storage initialized", slog.String("driver", store.Driver()))

	// Readiness checks.
	obs.Health.AddCheck("engine", rt.Ping)
	obs.Health.AddCheck("storage", store.Ping)

	// Scan engine.
	var metrics engine.Metrics
	if obs.Metrics != nil {
		metrics = obs.Metrics
	}
	eng, err := engine.New(engine.Options{
		Runtime:   rt,
		Store:     store.Scans(),
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
		Config: engine.Config{
			DefaultTimeout: cfg.Engine.DefaultTimeout(),
			CPULimit:       cfg.Engine.CPULimit,
			MemoryLimitMB:  cfg.Engine.MemoryLimitMB,
			StopGrace:      cfg.Engine.StopGrace(),
			DefaultImage:   cfg.Engine.DefaultImage,
			PrePullImages:  cfg.Engine.PrePullImages,
		},
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing scan engine: %w", err)
	}
	sc.Engine = eng

	return sc, nil
}

// initRuntime selects the container engine from config. Real mode talks to a
// Docker-compatible engine; degraded mode fabricates clearly-labeled output.
func initRuntime(cfg *config.Config, logger *slog.Logger) (runtime.Engine, error) {
	switch cfg.Engine.EngineMode() {
	case "degraded":
		return runtime.NewSimulator(runtime.SimulatorConfig{
			ChunkDelay: cfg.Engine.SimChunkDelay(),
		}, logger), nil
	default:
		return runtime.NewDockerEngine(runtime.DockerConfig{
			Endpoint: cfg.Engine.Endpoint,
		}, logger)
	}
}

// initStore opens the configured storage backend and runs migrations.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		store, err = pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		store, err = sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.SQLitePath(),
			JournalMode: journalMode,
		}, logger)
	}
	if err != nil {
		return nil, err
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

// loadConfig reads the config file, falling back to runnable defaults when
// the default path does not exist. An explicitly named file that is missing
// is still an error.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		logger.Info("no config file found, using defaults", slog.String("path", path))
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}
