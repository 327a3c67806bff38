// Package verifyapi exposes the server-side payment verification endpoint.
// Its sole responsibility is pass/fail plus echoing the claimed credit delta
// for client-side audit logging; it holds an audit trail, not a canonical
// ledger.
package verifyapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/internal/verify"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/arcanalabs/credits/pkg/solrpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Run boots the HTTP server using the supplied configuration and database.
func Run(ctx context.Context, cfg Config, db *gorm.DB) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rpcClient, err := solrpc.NewClient(solrpc.Config{RPCURL: cfg.RPCURL, Timeout: cfg.RPCTimeout})
	if err != nil {
		return fmt.Errorf("rpc client: %w", err)
	}
	verifier, err := verify.NewService(rpcClient, logger)
	if err != nil {
		return fmt.Errorf("verify service: %w", err)
	}

	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := credits.NewService(store, clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	handler := &httpHandler{
		logger:   logger,
		verifier: verifier,
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		sleep:    sleepContext,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("verifyapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	v1.POST("/payments/verify-and-grant", handler.handleVerifyAndGrant)

	return router
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
