package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	configfile "github.com/arbiterai/costgate/internal/adapters/config/file"
	"github.com/arbiterai/costgate/internal/adapters/events/direct"
	"github.com/arbiterai/costgate/internal/adapters/storage/sqlite"
	"github.com/arbiterai/costgate/internal/engine"
	"github.com/arbiterai/costgate/internal/fallbackpool"
	"github.com/arbiterai/costgate/internal/janitor"
	"github.com/arbiterai/costgate/internal/ledger"
	"github.com/arbiterai/costgate/internal/limiter"
	"github.com/arbiterai/costgate/internal/metrics"
	"github.com/arbiterai/costgate/internal/pkg/config"
	"github.com/arbiterai/costgate/internal/pricing"
	"github.com/arbiterai/costgate/internal/resolver"
	"github.com/arbiterai/costgate/internal/server"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("COSTGATE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	provider, err := configfile.NewProvider(configPath, logger)
	if err != nil {
		log.Fatalf("Failed to create config provider: %v", err)
	}
	defer provider.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := provider.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := sqlite.New(cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	table, err := pricing.NewTable(cfg.Pricing)
	if err != nil {
		log.Fatalf("Failed to build price table: %v", err)
	}

	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)

	publisher, err := direct.NewPublisher(store, logger)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer publisher.Close()

	tracker := fallbackpool.NewTracker(store, fallbackpool.WithLogger(logger))
	eng, err := engine.New(engine.Params{
		Store:          store,
		Pricing:        table,
		Limits:         limiter.NewRegistry(store.GetSpendingLimit, nil),
		Ledgers:        ledger.NewRegistry(store.GetWorkspace, nil, nil),
		Resolver:       resolver.New(store, tracker),
		Publisher:      publisher,
		Metrics:        mets,
		Logger:         logger,
		DefaultRouting: cfg.Routing,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	// Price changes land without a restart; everything else needs one.
	if err := provider.Watch(ctx, func(next *config.Config) {
		reloaded, err := pricing.NewTable(next.Pricing)
		if err != nil {
			logger.Error("reloaded pricing rejected", slog.String("error", err.Error()))
			return
		}
		eng.SetPricing(reloaded)
		logger.Info("price table reloaded")
	}); err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	jan, err := janitor.New(store, cfg.Retention, janitor.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create janitor: %v", err)
	}
	if err := jan.Start(ctx); err != nil {
		log.Fatalf("Failed to start janitor: %v", err)
	}
	defer jan.Stop()

	srv := server.New(cfg.Server.Port, logger)
	server.NewHandlers(eng).Mount(srv, registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("costgate started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.DSN),
		slog.String("config", configPath))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("costgate shutdown complete")
}
