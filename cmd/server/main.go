// Package main is the entry point for the txguard API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"txguard/internal/core/txcoord"
	"txguard/internal/domain/auth"
	"txguard/internal/domain/ledger"
	"txguard/internal/domain/ledger/policy"
	"txguard/internal/domain/ledger/store"
	v1 "txguard/internal/infrastructure/http/v1"
	"txguard/internal/infrastructure/storage/postgres"
	"txguard/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting txguard server")

	poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
	if maxConns := getEnvInt("DB_MAX_CONNS", 0); maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalw("failed to run migrations", "error", err)
	}
	log.Info("database migrations applied")

	source := postgres.NewSource(pool)

	mgrOpts := txcoord.DefaultManagerOptions()
	mgrOpts.DefaultTimeout = getEnvDuration("TX_DEFAULT_TIMEOUT", 30*time.Second)
	mgrOpts.EnforceReadOnly = getEnv("TX_ENFORCE_READ_ONLY", "true") == "true"
	mgrOpts.ValidateExistingTransaction = getEnv("TX_VALIDATE_JOIN", "true") == "true"
	mgr := txcoord.NewManager(source, mgrOpts)

	ledgerStore := store.New(source)

	idempoTTL := getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour)
	idempoStore := postgres.NewIdempotencyStore(source, mgr, idempoTTL)

	go pool.WatchStats(ctx, getEnvDuration("DB_POOL_STATS_INTERVAL", time.Minute))

	outboxPublisher := postgres.NewOutboxPublisher(source)
	outboxRelay := postgres.NewOutboxRelay(source, mgr, getEnvInt("OUTBOX_BATCH_SIZE", 100), postgres.LogOutboxHandler{})
	go runOutboxRelay(ctx, log, outboxRelay, getEnvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second))

	auditService, err := postgres.NewAuditService(source)
	if err != nil {
		log.Fatalw("failed to initialize audit service", "error", err)
	}

	riskThreshold, err := decimal.NewFromString(getEnv("TRANSFER_RISK_THRESHOLD", "10000"))
	if err != nil {
		log.Fatalw("invalid TRANSFER_RISK_THRESHOLD", "error", err)
	}
	riskEvaluator, err := policy.NewEvaluator(riskThreshold)
	if err != nil {
		log.Fatalw("failed to initialize risk evaluator", "error", err)
	}

	ledgerService := ledger.NewService(mgr, ledgerStore, idempoStore, outboxPublisher, auditService, riskEvaluator)

	jwtSecret := getEnv("JWT_SECRET", "change-me-in-production")
	jwtService := auth.NewJWTService(auth.DefaultJWTConfig(jwtSecret))

	router := v1.NewRouter(v1.RouterConfig{
		Pool:             pool,
		Logger:           log,
		JWTValidator:     jwtService,
		JWTService:       jwtService,
		LedgerService:    ledgerService,
		LedgerStore:      ledgerStore,
		IdempotencyStore: idempoStore,
	})

	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// runOutboxRelay polls the outbox on a fixed interval until ctx is done.
func runOutboxRelay(ctx context.Context, log *logger.Logger, relay *postgres.OutboxRelay, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := relay.ProcessBatch(ctx)
			if err != nil {
				log.Warnw("outbox relay batch failed", "error", err)
				continue
			}
			if processed > 0 {
				log.Infow("outbox relay processed batch", "count", processed)
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
