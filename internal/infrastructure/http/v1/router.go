// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/gin-contrib/gzip"

	"txguard/internal/domain/auth"
	"txguard/internal/domain/ledger"
	"txguard/internal/domain/ledger/store"
	"txguard/internal/infrastructure/http/v1/handlers"
	"txguard/internal/infrastructure/http/v1/middleware"
	"txguard/internal/infrastructure/storage/postgres"
	"txguard/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	Pool             *postgres.Pool
	Logger           *logger.Logger
	JWTValidator     middleware.JWTValidator
	JWTService       *auth.JWTService
	LedgerService    *ledger.Service
	LedgerStore      *store.Store
	IdempotencyStore *postgres.IdempotencyStore
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.Pool)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	baseHandler := handlers.NewBaseHandler()
	ledgerHandler := handlers.NewLedgerHandler(baseHandler, cfg.LedgerService, cfg.LedgerStore)
	authHandler := handlers.NewAuthHandler(baseHandler, cfg.JWTService)

	v1 := router.Group("/api/v1")

	v1.POST("/auth/token", authHandler.IssueToken)

	protected := v1.Group("")
	protected.Use(middleware.Auth(cfg.JWTValidator))

	wallets := protected.Group("/wallets")
	wallets.POST("", middleware.Idempotency(cfg.IdempotencyStore), ledgerHandler.CreateWallet)
	wallets.GET("/:id", ledgerHandler.GetWallet)

	// Transfer implements its own REQUIRES_NEW idempotency key record
	// inside ledger.Service, so it deliberately skips the generic
	// middleware.Idempotency wrapper used above for wallet creation:
	// applying both would race two AcquireKey calls over the same key.
	transfers := protected.Group("/transfers")
	transfers.POST("", ledgerHandler.Transfer)

	return router
}
