// Polymarket copy-trading bot — mirrors configured whale addresses' fills
// on Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine         — supervisor: wires every collaborator, runs the periodic maintenance ticks
//	internal/ingest         — whale-event websocket subscription and frame parsing
//	internal/aggregator     — coalesces fills arriving close together into one mirror order
//	internal/risk           — stateless per-order guard plus the portfolio-level kill switch
//	internal/worker         — sizes, guards, and fill-and-kill-submits one mirror order per event
//	internal/market         — TTL price/metadata caches in front of the exchange REST client
//	internal/exchange       — Polymarket CLOB REST client and L1/L2 authentication
//	internal/persistence    — embedded Pebble store for trade records, positions, and stats
//	internal/config         — YAML config, hot-reloadable trader list
//	internal/api            — read-only HTTP control plane
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polycopy/internal/api"
	"polycopy/internal/config"
	"polycopy/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		handlers := api.NewHandlers(eng.Store(), eng.Traders())
		apiServer = api.NewServer(cfg.Dashboard, handlers, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("control plane server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("copy-trading bot started",
		"dry_run", cfg.DryRun,
		"workers", cfg.Copy.WorkerPoolSize,
		"max_global_exposure", cfg.Risk.MaxGlobalExposure,
	)
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop control plane", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
