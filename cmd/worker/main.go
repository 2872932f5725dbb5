package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/paypulse/internal/config"
	"github.com/jwalitptl/paypulse/internal/handler/health"
	"github.com/jwalitptl/paypulse/internal/repository/postgres"
	"github.com/jwalitptl/paypulse/pkg/lock"
	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/messaging"
	redisbroker "github.com/jwalitptl/paypulse/pkg/messaging/redis"
	"github.com/jwalitptl/paypulse/pkg/metrics"
	"github.com/jwalitptl/paypulse/pkg/worker"
)

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger
	appLogger := logger.NewLogger(cfg.ToLoggerConfig())
	log.Logger = *appLogger.Zerolog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	checks := map[string]health.Check{"database": db.PingContext}

	// Initialize broker
	broker, err := messaging.NewBroker(ctx, cfg.ToBrokerConfig(), appLogger)
	if err != nil {
		appLogger.Fatal(err, "Failed to create message broker")
	}
	defer broker.Close()

	var locker worker.Locker
	if cfg.Outbox.DistributedLock {
		client, err := redisbroker.NewClient(ctx, cfg.ToBrokerConfig().Redis)
		if err != nil {
			appLogger.Fatal(err, "Failed to connect to Redis for the relay lease")
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client, appLogger)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize outbox processor
	processor := worker.NewOutboxProcessor(
		postgres.NewOutboxRepository(postgres.NewBaseRepository(db)),
		broker,
		locker,
		cfg.ToRelayConfig(),
		appLogger,
		metrics.NewMetrics("paypulse", "relay", registry),
	)

	// Health check and metrics endpoints
	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(checks, registry).RegisterRoutes(engine)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Start(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health check server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Fatal(err, "Outbox relay exited with error")
	}
	appLogger.Info("Outbox relay stopped")
}
