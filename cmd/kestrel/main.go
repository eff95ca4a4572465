// Kestrel - Spending anomaly detection for personal finance.
// Copyright (c) 2026 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration before logging so the log level applies
	configPath := os.Getenv("KESTREL_CONFIG")
	if configPath == "" {
		configPath = "./kestrel.yaml"
	}
	cfg, err := domain.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logLevel := parseLogLevel(cfg.Logging.Level)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"config", configPath,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize custom rule engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Warm the engine from the database for any users named up front.
	// Everyone else loads their rules via POST /rules/reload.
	if envUsers := os.Getenv("KESTREL_USERS"); envUsers != "" {
		if err := loadRulesFromDatabase(ctx, repo, engine, splitUsers(envUsers)); err != nil {
			slog.Warn("failed to preload rules", "error", err)
		}
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize detection pipeline; an invalid configuration aborts here
	detector, err := pipeline.New(cfg.Detection, pipeline.WithCustomRules(engine))
	if err != nil {
		slog.Error("invalid detection configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("detection pipeline initialized",
		"trees", cfg.Detection.EnsembleTreeCount,
		"sigma", cfg.Detection.SigmaThreshold,
		"contamination", cfg.Detection.ContaminationFraction,
	)

	// Initialize async scoring worker
	var asyncWorker *worker.Worker
	if os.Getenv("KESTREL_ASYNC_WORKER") != "false" {
		asyncWorker = worker.NewWorker(busImpl, repo, detector)

		var userIDs []string
		if envUsers := os.Getenv("KESTREL_USERS"); envUsers != "" {
			userIDs = splitUsers(envUsers)
		}

		if err := asyncWorker.Start(worker.Config{UserIDs: userIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "user_count", len(userIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, detector, engine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase preloads stored custom rules for known users.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine, userIDs []string) error {
	total := 0
	for _, userID := range userIDs {
		dbRules, err := repo.ListRuleConfigs(ctx, userID)
		if err != nil {
			return fmt.Errorf("list rules for %s: %w", userID, err)
		}
		if len(dbRules) == 0 {
			continue
		}
		if err := engine.LoadRules(dbRules); err != nil {
			return fmt.Errorf("load rules for %s: %w", userID, err)
		}
		total += len(dbRules)
	}
	if total > 0 {
		slog.Info("rules preloaded from database", "count", total, "users", len(userIDs))
	}
	return nil
}

func splitUsers(envUsers string) []string {
	var out []string
	for _, u := range strings.Split(envUsers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║     Spending Anomaly Detection Engine     ║")
	fmt.Println("  ║      Hovering over every expense.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score             - Score an inline batch")
	fmt.Println("    POST /score/stored      - Score stored transactions")
	fmt.Println("    POST /score/async       - Queue a scoring run")
	fmt.Println("    GET  /reports           - List recent reports")
	fmt.Println("    GET  /reports/{id}      - Get report by ID")
	fmt.Println("    POST /transactions      - Ingest a transaction")
	fmt.Println("    GET  /transactions/{id} - Get transaction by ID")
	fmt.Println("    GET  /baselines         - Per-category spending baselines")
	fmt.Println("    GET  /rules             - List custom rules")
	fmt.Println("    POST /rules             - Create a custom rule")
	fmt.Println("    POST /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
