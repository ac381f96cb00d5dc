package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tpmjs/tpmjs/internal/config"
	"github.com/tpmjs/tpmjs/internal/gateway/httpapi"
	"github.com/tpmjs/tpmjs/internal/observability"
	"github.com/tpmjs/tpmjs/internal/runner"
	"github.com/tpmjs/tpmjs/internal/sandbox"
	"github.com/tpmjs/tpmjs/internal/storage"
	"github.com/tpmjs/tpmjs/internal/verify"
)

// SharedComponents holds the initialized subsystems that both server and
// one-shot modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs         *observability.Observability
	Store       *storage.Store // nil when the caller skips persistence.
	Provisioner sandbox.Provisioner
	Runner      *runner.Runner
	Executor    httpapi.Executor // Runner, possibly instrumented.
	Extractor   *runner.Extractor
	Verifier    *verify.Verifier

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
func initShared(cfg *config.Config, logger *slog.Logger, withStore bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		})
	}

	// Storage.
	if withStore {
		store, err := storage.Open(storageConfig(cfg), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("opening store: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() { _ = store.Close() })

		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("db", store.Ping)
		}
		logger.Debug("store opened", slog.String("driver", store.Driver()))
	}

	// Sandbox provisioner.
	prov, err := buildProvisioner(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	if obs.MetricsOrNil() != nil {
		prov = observability.NewInstrumentedProvisioner(prov, cfg.Sandbox.Backend, obs.MetricsOrNil())
	}
	sc.Provisioner = prov

	// Executor pipeline.
	sc.Runner = runner.New(prov, runner.Config{
		RegistryURL:    cfg.Registry.URL,
		InstallTimeout: cfg.InstallTimeout(),
		RunTimeout:     cfg.RunTimeout(),
	}, logger)

	sc.Executor = observability.NewInstrumentedExecutor(sc.Runner, obs.MetricsOrNil(), obs.TracerOrNil())
	sc.Extractor = runner.NewExtractor(sc.Runner, cfg.SchemaCooldown(), logger)

	sc.Verifier = verify.New(verify.Config{
		DevMode:      cfg.Server.DevMode,
		ProbeTimeout: cfg.ProbeTimeout(),
	}, logger)

	return sc, nil
}

// buildProvisioner selects the sandbox backend from config.
func buildProvisioner(cfg *config.Config, logger *slog.Logger) (sandbox.Provisioner, error) {
	switch cfg.Sandbox.Backend {
	case "docker", "":
		return sandbox.NewDockerProvisioner(sandbox.DockerConfig{
			Image:          cfg.Sandbox.Image,
			DefaultTimeout: cfg.RunTimeout(),
			Lifetime:       time.Duration(cfg.Sandbox.LifetimeS) * time.Second,
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       cfg.Sandbox.CPULimit,
			PIDsLimit:      cfg.Sandbox.MaxPids,
			NetworkAllowed: true, // registry installs need egress
		}, logger), nil
	case "process":
		return sandbox.NewProcessProvisioner(sandbox.ProcessConfig{
			DefaultTimeout: cfg.RunTimeout(),
			MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
}

// storageConfig maps application config onto the store. With no storage
// section the default is SQLite under the data directory.
func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{
			Driver: "sqlite",
			SQLite: storage.SQLiteConfig{Path: cfg.DatabasePath()},
		}
	}

	sc := storage.Config{Driver: cfg.Storage.Driver}
	if cfg.Storage.SQLite != nil && cfg.Storage.SQLite.Path != "" {
		sc.SQLite.Path = cfg.Storage.SQLite.Path
	} else {
		sc.SQLite.Path = cfg.DatabasePath()
	}
	if cfg.Storage.Postgres != nil {
		sc.Postgres = storage.PostgresConfig{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second,
		}
	}
	return sc
}

// newLogger builds the process-wide structured logger.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
