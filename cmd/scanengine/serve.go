package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/oryxsec/scanengine/internal/config"
	"github.com/oryxsec/scanengine/internal/events/ws"
	"github.com/oryxsec/scanengine/internal/gateway"
	"github.com/oryxsec/scanengine/internal/gateway/httpapi"
	"github.com/oryxsec/scanengine/internal/ratelimit"
	"github.com/oryxsec/scanengine/internal/reaper"
	"github.com/oryxsec/scanengine/internal/runtime"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start in server mode (HTTP API, WebSocket event stream)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `scanengine --config path` and `scanengine serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the scan engine in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("ORYX_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.Addr = servePort
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	// Live event fan-out. The hub is the engine's publisher; the WebSocket
	// and SSE endpoints subscribe to it.
	hub := ws.NewHub(logger)
	defer hub.Close()

	sc, err := initShared(cfg, hub, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Verify engine reachability and pre-pull images. In real mode an
	// unreachable engine fails startup.
	if err := sc.Engine.WarmUp(ctx); err != nil {
		return fmt.Errorf("engine warm-up: %w", err)
	}

	// Orphaned-container sweep (optional).
	var orphanReaper *reaper.Reaper
	if cfg.Reaper != nil && cfg.Reaper.Enabled {
		lister, ok := sc.Runtime.(runtime.Lister)
		if !ok {
			return fmt.Errorf("reaper enabled but the container engine cannot list containers")
		}
		var reaperMetrics reaper.Metrics
		if sc.Obs.Metrics != nil {
			reaperMetrics = sc.Obs.Metrics
		}
		orphanReaper = reaper.New(sc.Runtime, lister, sc.Engine, reaperMetrics, reaper.Config{
			Schedule: cfg.Reaper.CronSchedule(),
			MaxAge:   cfg.Reaper.MaxAge(),
		}, logger)
		if err := orphanReaper.Start(ctx); err != nil {
			return fmt.Errorf("starting orphan reaper: %w", err)
		}
		defer orphanReaper.Stop()
	}

	// Build enabled gateways.
	gateways, err := buildGateways(cfg, sc, hub, logger)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	// Kill remaining scans and wait for their supervisors to finish.
	if err := sc.Engine.Cleanup(shutdownCtx); err != nil {
		logger.Error("draining scans", slog.String("error", err.Error()))
	}

	return nil
}

// buildGateways assembles the caller-facing surfaces from config. The
// WebSocket event stream is served on the HTTP gateway's listener.
func buildGateways(cfg *config.Config, sc *SharedComponents, hub *ws.Hub, logger *slog.Logger) ([]gateway.Gateway, error) {
	var gateways []gateway.Gateway

	if cfg.Gateways.HTTP != nil && cfg.Gateways.HTTP.Enabled {
		httpCfg := httpapi.Config{
			ListenAddr:    cfg.Gateways.HTTP.ListenAddr(),
			EnableDocs:    true,
			HealthChecker: sc.Obs.Health,
		}
		if cfg.Gateways.HTTP.APIKey != "" {
			httpCfg.APIKeys = map[string]string{cfg.Gateways.HTTP.APIKey: "api"}
		}
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			httpCfg.Metrics = sc.Obs.Metrics
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}

		var limiter *ratelimit.Limiter
		if cfg.Gateways.HTTP.RateLimit > 0 {
			limiter = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: cfg.Gateways.HTTP.RateLimit,
			})
		}

		gw := httpapi.NewGateway(httpCfg, sc.Engine, sc.Store.Scans(), limiter, logger).
			WithEventStream(hub)

		if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
			wsServer := ws.NewServer(hub, ws.ServerConfig{
				Token: cfg.Gateways.WebSocket.Token,
			}, logger)
			gw.WithHandler(cfg.Gateways.WebSocket.StreamPath(), wsServer.Handler())
			logger.Debug("websocket event stream mounted",
				slog.String("path", cfg.Gateways.WebSocket.StreamPath()),
			)
		}

		gateways = append(gateways, gw)
	} else if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
		return nil, fmt.Errorf("gateways.websocket requires gateways.http to be enabled")
	}

	return gateways, nil
}
