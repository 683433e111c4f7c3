package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/config"
	"github.com/boddenberg/ob-client-go/internal/handler"
	"github.com/boddenberg/ob-client-go/internal/infra/bankconfig"
	"github.com/boddenberg/ob-client-go/internal/infra/memstore"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/infra/postgres"
	"github.com/boddenberg/ob-client-go/internal/openbanking"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("banks_file", cfg.BanksFile),
		zap.String("bank_id", cfg.BankID),
		zap.Bool("allow_unpinned", cfg.AllowUnpinned),
		zap.Bool("postgres_audit", cfg.DatabaseURL != ""),
		zap.Duration("session_ttl", cfg.SessionTTL),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "ob-client")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Bank registry ---
	registry, err := bankconfig.Load(cfg.BanksFile)
	if err != nil {
		logger.Fatal("failed to load bank registry", zap.String("path", cfg.BanksFile), zap.Error(err))
	}
	bankID := cfg.BankID
	if bankID == "" {
		ids := registry.IDs()
		if len(ids) != 1 {
			logger.Fatal("BANK_ID is required when the registry holds several banks", zap.Strings("banks", ids))
		}
		bankID = ids[0]
	}

	// --- Stores ---
	opts := openbanking.Options{
		Logger:        logger,
		Metrics:       metrics,
		AllowUnpinned: cfg.AllowUnpinned,
		SessionTTL:    cfg.SessionTTL,
	}

	key, err := cfg.SealKey()
	if err != nil {
		logger.Fatal("invalid token seal key", zap.Error(err))
	}
	if key != nil {
		tokens, err := memstore.NewTokenStore(key)
		if err != nil {
			logger.Fatal("failed to create token store", zap.Error(err))
		}
		opts.TokenStore = tokens
	} else {
		logger.Warn("TOKEN_SEAL_KEY not set, tokens are sealed with a per-process key")
	}

	if cfg.DatabaseURL != "" {
		audit, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open audit database", zap.Error(err))
		}
		defer audit.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = audit.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Fatal("failed to migrate audit log", zap.Error(err))
		}
		opts.AuditLog = audit
		logger.Info("consent audit log stored in PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, consent audit log kept in memory")
	}

	if cfg.CACertFile != "" {
		pool, err := loadCertPool(cfg.CACertFile)
		if err != nil {
			logger.Fatal("failed to load CA bundle", zap.String("path", cfg.CACertFile), zap.Error(err))
		}
		opts.RootCAs = pool
	}

	// --- Open Banking client ---
	ob := openbanking.New(registry, opts)
	defer ob.Close()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = ob.Initialize(initCtx, bankID)
	cancel()
	if err != nil {
		logger.Fatal("failed to initialize open banking client", zap.String("bank_id", bankID), zap.Error(err))
	}

	if cfg.OpsToken == "" {
		logger.Warn("OPS_TOKEN not set, ops routes are unauthenticated")
	}

	// --- Router ---
	router := handler.NewRouter(ob, metrics, cfg.OpsToken, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port), zap.String("bank_id", bankID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
