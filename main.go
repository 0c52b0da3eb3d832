package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/engine"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/quality"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/recovery"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/scheduler"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/similarity"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/store"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/streaming"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/synthesis"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	registry := agents.NewRegistry(logger)
	var watcher *config.RoutingWatcher
	if cfg.Service.AgentRoutingPath != "" {
		watcher, err = config.NewRoutingWatcher(cfg.Service.AgentRoutingPath, registry.LoadRouting, logger)
		if err != nil {
			logger.Fatal("Failed to load agent routing", zap.Error(err))
		}
		defer watcher.Stop()
	} else {
		logger.Warn("No agent routing file configured; dispatch will fail until endpoints are registered")
	}

	researchStore, err := store.Open(cfg.Store, cfg.Service.Retention, logger)
	if err != nil {
		logger.Fatal("Failed to open research store", zap.Error(err))
	}
	defer researchStore.Close()
	logger.Info("Research store ready", zap.String("backend", cfg.Store.Backend))

	scorer := similarity.NewJaccard()
	breakers := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(), logger)
	client := agents.NewHTTPClient(10*time.Minute, logger)

	eng := engine.New(
		cfg,
		scheduler.New(client, registry, breakers, cfg.Scheduler, logger),
		recovery.NewManager(cfg.Recovery, registry, breakers, logger),
		aggregate.New(cfg.Aggregator, scorer, logger),
		quality.NewValidator(cfg.Quality, scorer, logger),
		synthesis.NewSynthesizer(cfg.Synthesis, scorer, logger),
		state.NewRegistry(cfg.Service.Retention, logger),
		researchStore,
		streaming.NewManager(256),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sweeperStop := make(chan struct{})
	eng.StartSweeper(cfg.Service.SweepInterval, sweeperStop)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.AdminPort),
		Handler: adminMux,
	}
	go func() {
		logger.Info("Admin server listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Admin server failed", zap.Error(err))
		}
	}()

	logger.Info("Orchestrator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	close(sweeperStop)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	eng.Shutdown(shutdownCtx)
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown", zap.Error(err))
	}
	logger.Info("Orchestrator stopped")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
