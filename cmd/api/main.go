package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/paypulse/internal/config"
	"github.com/jwalitptl/paypulse/internal/handler/health"
	outboxHandler "github.com/jwalitptl/paypulse/internal/handler/outbox"
	"github.com/jwalitptl/paypulse/internal/handler/transfer"
	"github.com/jwalitptl/paypulse/internal/middleware"
	"github.com/jwalitptl/paypulse/internal/repository/postgres"
	"github.com/jwalitptl/paypulse/internal/router"
	"github.com/jwalitptl/paypulse/internal/service/audit"
	outboxService "github.com/jwalitptl/paypulse/internal/service/outbox"
	"github.com/jwalitptl/paypulse/internal/service/saga"
	"github.com/jwalitptl/paypulse/pkg/auth"
	"github.com/jwalitptl/paypulse/pkg/idempotency"
	"github.com/jwalitptl/paypulse/pkg/ledgerclient"
	"github.com/jwalitptl/paypulse/pkg/lock"
	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/messaging"
	redisbroker "github.com/jwalitptl/paypulse/pkg/messaging/redis"
	"github.com/jwalitptl/paypulse/pkg/metrics"
	"github.com/jwalitptl/paypulse/pkg/validator"
	"github.com/jwalitptl/paypulse/pkg/worker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(cfg.ToLoggerConfig())
	log.Logger = *appLogger.Zerolog()

	if err := validator.RegisterGin(); err != nil {
		appLogger.Fatal(err, "failed to register validators")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	// Initialize repositories
	base := postgres.NewBaseRepository(db)
	txnRepo := postgres.NewTransactionRepository(base)
	outboxRepo := postgres.NewOutboxRepository(base)
	auditRepo := postgres.NewAuditRepository(base)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics("paypulse", "api", registry)

	checks := map[string]health.Check{"database": db.PingContext}

	var redisClient *goredis.Client
	if cfg.Idempotency.Driver == "redis" || (cfg.Outbox.EmbeddedRelay && cfg.Outbox.DistributedLock) {
		redisClient, err = redisbroker.NewClient(ctx, cfg.ToBrokerConfig().Redis)
		if err != nil {
			appLogger.Fatal(err, "failed to connect to Redis")
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// Initialize services
	auditSvc := audit.NewService(auditRepo, appLogger)
	ledgerClient := ledgerclient.New(cfg.ToLedgerClientConfig(), appMetrics, appLogger)
	coordinator := saga.NewCoordinator(ledgerClient, txnRepo, auditSvc, appMetrics, cfg.ToSagaConfig(), appLogger)

	var store idempotency.Store
	if cfg.Idempotency.Driver == "redis" {
		store = idempotency.NewRedisStore(redisClient, cfg.Idempotency.TTL)
	} else {
		store = idempotency.NewMemoryStore(cfg.Idempotency.TTL)
	}

	var (
		relay     outboxService.Relay
		processor *worker.OutboxProcessor
	)
	if cfg.Outbox.EmbeddedRelay {
		broker, err := messaging.NewBroker(ctx, cfg.ToBrokerConfig(), appLogger)
		if err != nil {
			appLogger.Fatal(err, "failed to connect to message broker")
		}
		defer broker.Close()

		var locker worker.Locker
		if cfg.Outbox.DistributedLock {
			locker = lock.NewRedisLocker(redisClient, appLogger)
		}
		processor = worker.NewOutboxProcessor(outboxRepo, broker, locker, cfg.ToRelayConfig(), appLogger, appMetrics)
		relay = processor
	}
	outboxSvc := outboxService.NewService(outboxRepo, relay, appLogger)

	// Initialize handlers and router
	var limit rate.Limit
	if cfg.RateLimit.Enabled {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	authMiddleware := middleware.NewAuthMiddleware(auth.NewVerifier(cfg.ToAuthConfig()))
	r := router.NewRouter(authMiddleware, health.NewHandler(checks, registry), router.RouterConfig{
		Mode:       cfg.Server.Mode,
		RateLimit:  limit,
		RateBurst:  cfg.RateLimit.Burst,
		Registerer: registry,
	})
	r.RegisterTransferAPI(
		transfer.NewHandler(coordinator, txnRepo, store, appLogger),
		outboxHandler.NewHandler(outboxSvc),
	)

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Transfer API listening", "addr", srv.Addr, "embedded_relay", cfg.Outbox.EmbeddedRelay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	if processor != nil {
		g.Go(func() error {
			return processor.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Fatal(err, "server exited with error")
	}
	appLogger.Info("Server exited properly")
}
