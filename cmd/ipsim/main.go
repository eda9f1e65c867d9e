// ipsim - Instant payments what-if simulator.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/ipsim/internal/api"
	"github.com/opensource-finance/ipsim/internal/bus"
	"github.com/opensource-finance/ipsim/internal/cache"
	"github.com/opensource-finance/ipsim/internal/config"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/metrics"
	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/repository"
	"github.com/opensource-finance/ipsim/internal/scenario"
	"github.com/opensource-finance/ipsim/internal/sim"
	"github.com/opensource-finance/ipsim/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ipsim: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting ipsim",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"model_version", sim.ModelVersion,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"enforce_presets", cfg.Simulation.EnforcePresets,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ipsim failed", "error", err)
		os.Exit(1)
	}

	slog.Info("ipsim shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := policy.NewEngine(0)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	defer engine.Close()

	recorder := metrics.NewRecorder()

	svc, err := scenario.New(cfg.Simulation, scenario.Options{
		Cache:      cacheImpl,
		Repository: repo,
		Bus:        busImpl,
		Policies:   engine,
		Metrics:    recorder,
		Logger:     slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scenario service: %w", err)
	}

	// Policies are configured via POST /policies; start with whatever is stored.
	if count, err := svc.ReloadPolicies(ctx); err != nil {
		slog.Warn("failed to load policies from database", "error", err)
	} else {
		slog.Info("policy engine initialized", "policy_count", count)
	}

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{QueueGroup: cfg.EventBus.QueueGroup}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, svc, api.Deps{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    recorder,
	}, Version)

	ln, err := srv.Listen()
	if err != nil {
		if asyncWorker != nil {
			asyncWorker.Stop()
		}
		return err
	}

	slog.Info("ipsim is ready", "addr", ln.Addr().String())
	printBanner(cfg, Version)

	serveErr := srv.Serve(ctx, ln, 10*time.Second)
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                  IPSIM                    |")
	fmt.Println("  |   Instant payments what-if simulator      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Model:    %s\n", sim.ModelVersion)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /presets            - Accepted sizes, seeds and thresholds")
	fmt.Println("    POST /evaluate           - KPI snapshot for both gates")
	fmt.Println("    POST /vop/scan           - VoP sensitivity curve")
	fmt.Println("    POST /fraud/scan         - Fraud sensitivity curve")
	fmt.Println("    GET  /fraud/curve.csv    - Fraud curve download")
	fmt.Println("    POST /scans              - Submit an async scan")
	fmt.Println("    GET  /runs/{id}          - Get a recorded run")
	fmt.Println("    POST /policies           - Create a review policy")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /metrics            - Prometheus metrics")
	fmt.Println()
}
