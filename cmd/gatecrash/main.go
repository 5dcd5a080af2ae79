package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/use-agent/gatecrash/api"
	"github.com/use-agent/gatecrash/captcha"
	"github.com/use-agent/gatecrash/challenge"
	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/egress"
	"github.com/use-agent/gatecrash/metrics"
	"github.com/use-agent/gatecrash/scrape"
	"github.com/use-agent/gatecrash/session"
	"github.com/use-agent/gatecrash/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("gatecrash starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxSessions", cfg.Pool.MaxSessions,
	)

	// ── 3. Metrics registry ─────────────────────────────────────────
	m := metrics.New()

	// ── 4. Browser engine and session pool ──────────────────────────
	engine, err := session.NewRodEngine(cfg.Browser, cfg.Scrape)
	if err != nil {
		slog.Error("failed to launch browser engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	pool := session.NewPool(engine, cfg.Pool, m)

	// ── 5. Egress registry ──────────────────────────────────────────
	notifier := webhook.New(cfg.Webhook.URL, cfg.Webhook.Secret)
	registry, err := egress.New(cfg.Egress, egress.NewWgQuick(), egress.NewTCPProber(cfg.Egress.ProbeTimeout), m, notifier)
	if err != nil {
		slog.Error("failed to initialise egress registry", "error", err)
		os.Exit(1)
	}
	if cfg.Egress.SeedFile != "" {
		if err := registry.Seed(cfg.Egress.SeedFile); err != nil {
			slog.Warn("egress seed file not loaded", "path", cfg.Egress.SeedFile, "error", err)
		}
	}
	registry.Start()

	// ── 6. Challenge recovery ───────────────────────────────────────
	var oracle captcha.Oracle
	if cfg.Captcha.ClientKey != "" {
		oracle = captcha.NewClient(cfg.Captcha, nil)
	} else {
		slog.Warn("no captcha client key configured, challenges will not be solved")
	}
	controller := challenge.NewController(nil, oracle, registry, cfg.Recovery, m)

	// ── 7. Scrape service ───────────────────────────────────────────
	svc := scrape.NewService(pool, controller, nil, cfg.Scrape, m)

	// ── 8. Router and HTTP server ───────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(svc, pool, registry, cfg, startTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 9. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Give in-flight scrapes a short window to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	registry.Stop()
	if err := registry.Disconnect(ctx); err != nil {
		slog.Warn("egress disconnect on shutdown failed", "error", err)
	}

	pool.Close()

	// engine.Close() runs via defer and kills Chrome.
	slog.Info("gatecrash stopped")
}

// initLogger configures slog based on the LogConfig. With a file
// configured, output rotates via lumberjack instead of going to stdout.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}
