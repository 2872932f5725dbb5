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
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/paypulse/internal/config"
	"github.com/jwalitptl/paypulse/internal/handler/health"
	ledgerHandler "github.com/jwalitptl/paypulse/internal/handler/ledger"
	"github.com/jwalitptl/paypulse/internal/middleware"
	"github.com/jwalitptl/paypulse/internal/repository/postgres"
	"github.com/jwalitptl/paypulse/internal/router"
	"github.com/jwalitptl/paypulse/internal/service/audit"
	ledgerService "github.com/jwalitptl/paypulse/internal/service/ledger"
	"github.com/jwalitptl/paypulse/pkg/auth"
	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/validator"
)

// The ledger service owns balances. Its wallet.balance.changed events land in
// the shared outbox table and are relayed by cmd/worker.
func main() {
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

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	base := postgres.NewBaseRepository(db)
	auditSvc := audit.NewService(postgres.NewAuditRepository(base), appLogger)
	svc := ledgerService.NewService(postgres.NewAccountRepository(base), auditSvc, appLogger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	authMiddleware := middleware.NewAuthMiddleware(auth.NewVerifier(cfg.ToAuthConfig()))
	r := router.NewRouter(authMiddleware, health.NewHandler(map[string]health.Check{"database": db.PingContext}, registry), router.RouterConfig{
		Mode:          cfg.Server.Mode,
		MetricsPrefix: "paypulse_ledger_http",
		Registerer:    registry,
	})
	r.RegisterLedgerAPI(ledgerHandler.NewHandler(svc))

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.LedgerPort),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Ledger API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down ledger server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Fatal(err, "ledger server exited with error")
	}
	appLogger.Info("Ledger server exited properly")
}
