// Kestrel - Background anomaly scoring for bank transactions.
// Copyright (c) 2025 opensource.finance
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const defaultConfigPath = "kestrel.toml"

func main() {
	configPath := os.Getenv("KESTREL_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration",
			"path", configPath,
			"error", err,
		)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"path", configPath,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"scoring_enabled", cfg.Scoring.Enabled,
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		slog.Info("trace propagation enabled", "service", cfg.Tracing.ServiceName)
	}

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
	slog.Info("event bus initialized", "type", cfg.EventBus.Type, "namespace", cfg.EventBus.Namespace)

	// Initialize alert policy
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.ReloadRules(cfg.Alerts.Rules); err != nil {
		slog.Error("failed to load alert rules", "error", err)
		os.Exit(1)
	}
	slog.Info("alert policy initialized", "rules_count", engine.RulesCount())

	// The bundle is read on the first scoring unit, not at startup.
	loader := scoring.NewLoader(cfg.Scoring.ModelPath, nil)
	publisher := worker.NewPublisher(busImpl, cfg.EventBus.Namespace, engine, cacheImpl)
	scheduler := scoring.NewScheduler(scoring.Config{
		Enabled:  cfg.Scoring.Enabled,
		Store:    repo,
		Loader:   loader,
		Notifier: publisher,
	})
	slog.Info("scoring scheduler initialized",
		"enabled", cfg.Scoring.Enabled,
		"model_path", cfg.Scoring.ModelPath,
	)

	// Ingest consumer
	var ingest *worker.Worker
	if cfg.Scoring.ConsumeIngested {
		ingest = worker.NewWorker(busImpl, scheduler)
		if err := ingest.Start(worker.Config{Namespaces: []string{cfg.EventBus.Namespace}}); err != nil {
			slog.Error("failed to start ingest consumer", "error", err)
			ingest = nil
		}
	}

	// Alert rules follow the config file; everything else needs a restart.
	watcher := startWatcher(ctx, configPath, engine)
	if watcher != nil {
		defer watcher.Close()
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Scheduler: scheduler,
		Engine:    engine,
		RollupTTL: cfg.Cache.RollupTTL,
		Version:   Version,
	})

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

	// Stop consuming before the server so no new units start.
	if ingest != nil {
		if err := ingest.Stop(); err != nil {
			slog.Error("failed to stop ingest consumer", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("waiting for scoring units", "in_flight", scheduler.InFlight())
	scheduler.Wait()

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
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
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// startWatcher reloads alert rules when the config file changes. It returns
// nil when there is no file to watch.
func startWatcher(ctx context.Context, path string, engine *rules.Engine) *config.Watcher {
	if _, err := os.Stat(path); err != nil {
		slog.Info("config file not found, hot reload disabled", "path", path)
		return nil
	}

	w := config.NewWatcher(path)
	w.OnChange(func(cfg *domain.Config) {
		if err := engine.ReloadRules(cfg.Alerts.Rules); err != nil {
			slog.Error("failed to reload alert rules", "error", err)
			return
		}
		slog.Info("alert rules reloaded", "rules_count", engine.RulesCount())
	})
	if err := w.Start(); err != nil {
		slog.Warn("config watcher not started", "path", path, "error", err)
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-w.Errors():
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return w
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║      Transaction Anomaly Scoring          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Model:    %s\n", cfg.Scoring.ModelPath)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /transactions              - Store a transaction and schedule scoring")
	fmt.Println("    GET    /transactions/{id}         - Get transaction with fraud fields")
	fmt.Println("    DELETE /transactions/{id}         - Mark transaction removed")
	fmt.Println("    POST   /transactions/{id}/review  - Record a review decision")
	fmt.Println("    GET    /risks/rollup              - Pending suspected counts by tier")
	fmt.Println("    GET    /risks/pending             - Review queue by fraud score")
	fmt.Println("    POST   /scoring/enqueue           - Schedule scoring for IDs")
	fmt.Println("    POST   /scoring/preview           - Score without persisting")
	fmt.Println("    GET    /scoring/model             - Loaded bundle summary")
	fmt.Println("    GET    /alerts/rules              - Active alert rules")
	fmt.Println("    GET    /health                    - Health check")
	fmt.Println("    GET    /ready                     - Readiness check")
	fmt.Println()
}
