package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/tpmjs/tpmjs/internal/config"
	"github.com/tpmjs/tpmjs/internal/gateway/httpapi"
	"github.com/tpmjs/tpmjs/internal/health"
	"github.com/tpmjs/tpmjs/internal/mcp"
	"github.com/tpmjs/tpmjs/internal/ratelimit"
)

var (
	serverConfigPath string
	serverAddr       string
	serverDebug      bool
	serverDocs       bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP gateway",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `tpmjs --config path` and `tpmjs server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serverDebug, "debug", false, "enable debug logging")
		cmd.Flags().BoolVar(&serverDocs, "docs", false, "serve OpenAPI docs")
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := newLogger(serverDebug)

	cfg, err := config.Load(goutils.Env("TPMJS_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}

	logger.Info("starting in server mode",
		slog.String("config", serverConfigPath),
		slog.String("addr", cfg.Server.Addr),
		slog.String("backend", cfg.Sandbox.Backend),
	)

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Per-collection MCP dispatch backed by stored collections.
	dispatcher := mcp.NewDispatcher(sc.Store.Collections(), sc.Executor, logger)

	// Batch tool health checker (optional).
	if hc := cfg.HealthCheck; hc != nil && hc.Enabled {
		checker, err := health.NewChecker(sc.Executor, sc.Store.Tools(), sc.Store.Tools(),
			&health.CheckerConfig{
				Schedule:      hc.Schedule,
				MaxConcurrent: hc.MaxConcurrent,
			}, logger)
		if err != nil {
			return err
		}
		cancelChecker := checker.Start(ctx)
		defer cancelChecker()
		logger.Debug("health checker started", slog.String("schedule", hc.Schedule))
	}

	// Per-caller rate limiting (optional).
	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.Server.RateLimit})
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.Addr,
		EnableDocs: serverDocs,
	}
	if cfg.Server.APIKey != "" {
		gwCfg.APIKeys = map[string]string{cfg.Server.APIKey: "default"}
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if m := sc.Obs.Metrics; m != nil {
			gwCfg.Metrics = m
			gwCfg.MetricsRegistry = m.Registry
			if mc := cfg.Observability.Metrics; mc != nil {
				gwCfg.MetricsPath = mc.Path
			}
		}
		if ts := sc.Obs.Tracer; ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Executor, limiter, logger).
		WithSchemaExtractor(sc.Extractor).
		WithVerifier(sc.Verifier).
		WithRegistry(sc.Store.Tools(), sc.Store.Collections(), sc.Store.Tools()).
		WithMCP(dispatcher).
		WithSSE(true)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
