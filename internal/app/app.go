package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/api"
	"github.com/ayo6706/sharded-wallet/internal/api/handler"
	"github.com/ayo6706/sharded-wallet/internal/auth"
	"github.com/ayo6706/sharded-wallet/internal/config"
	"github.com/ayo6706/sharded-wallet/internal/idempotency"
	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"github.com/ayo6706/sharded-wallet/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps storage, the HTTP server and the saga recovery and
// reconciliation workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()
	logger.Info("storage ready",
		zap.String("driver", cfg.StorageDriver),
		zap.Int32s("regions", st.shards.Regions()),
	)

	checks := []handler.ReadinessCheck{
		{Name: "master", Check: st.master.Ping},
		{Name: "shards", Check: st.shards.Ping},
	}

	// A nil *redis.Client must not reach the store as a non-nil Cmdable.
	var cache redis.Cmdable
	if cfg.RedisURL != "" {
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		cache = redisClient
		checks = append(checks, handler.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	idemStore := idempotency.NewStore(cache, st.master, cfg.IdempotencyTTL)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	globalLog := service.NewGlobalLogSync(st.master, cfg.GlobalLogTimeout)
	saga := service.NewSagaOrchestrator(globalLog, cfg.SagaStepTimeout)
	services := api.Services{
		Identity:  service.NewIdentityService(st.master, st.shards, tokens),
		Wallet:    service.NewWalletService(st.shards, globalLog),
		Transfers: service.NewTransferService(st.master, st.shards, saga, globalLog),
	}

	recovery := service.NewSagaRecoveryService(st.shards, saga, cfg.SagaStaleAfter)
	recoveryWorker := worker.NewSagaRecoveryWorker(recovery).
		WithPollInterval(cfg.SagaRecoveryInterval).
		WithBatchSize(cfg.SagaRecoveryBatch)
	stopRecovery := recoveryWorker.Run(ctx)
	logger.Info("saga recovery worker started",
		zap.Duration("interval", cfg.SagaRecoveryInterval),
		zap.Duration("stale_after", cfg.SagaStaleAfter),
		zap.Int32("batch", cfg.SagaRecoveryBatch),
	)

	reconciliation := service.NewReconciliationService(st.shards, cfg.SagaStaleAfter)
	reconciliationWorker := worker.NewReconciliationWorker(reconciliation).WithInterval(cfg.ReconciliationInterval)
	stopReconciliation := reconciliationWorker.Run(ctx)
	logger.Info("reconciliation worker started", zap.Duration("interval", cfg.ReconciliationInterval))

	router := api.NewRouter(cfg, logger, tokens, idemStore, handler.NewHealthHandler(checks...), services)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Drain HTTP first so in-flight sagas finish before the workers stop.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("stopping workers")
	stopRecovery()
	stopReconciliation()

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
