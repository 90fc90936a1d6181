package api

import (
	"net/http"

	"github.com/ayo6706/sharded-wallet/internal/api/handler"
	"github.com/ayo6706/sharded-wallet/internal/api/middleware"
	"github.com/ayo6706/sharded-wallet/internal/api/spec"
	"github.com/ayo6706/sharded-wallet/internal/config"
	"github.com/ayo6706/sharded-wallet/internal/idempotency"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Services are the ledger operations exposed over HTTP.
type Services struct {
	Identity  *service.IdentityService
	Wallet    *service.WalletService
	Transfers *service.TransferService
}

type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	tokens    middleware.TokenParser
	idemStore *idempotency.Store
	health    *handler.HealthHandler
	services  Services
}

func NewRouter(cfg *config.Config, logger *zap.Logger, tokens middleware.TokenParser, idemStore *idempotency.Store, health *handler.HealthHandler, services Services) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if health == nil {
		health = handler.NewHealthHandler()
	}
	return &Router{
		cfg:       cfg,
		logger:    logger,
		tokens:    tokens,
		idemStore: idemStore,
		health:    health,
		services:  services,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	authHandler := handler.NewAuthHandler(api.services.Identity)
	accountHandler := handler.NewAccountHandler(api.services.Wallet)
	transferHandler := handler.NewTransferHandler(api.services.Transfers)
	idempotent := middleware.IdempotencyMiddleware(api.idemStore, api.logger, api.cfg.RequireIdempotencyKey)

	r.Get("/health/live", api.health.Live)
	r.Get("/health/ready", api.health.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Public Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/auth/register", authHandler.Register)
		r.Post("/v1/auth/login", authHandler.Login)
	})

	// Protected Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(api.tokens))
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/accounts/me", accountHandler.Me)
		r.Get("/v1/transactions/history", accountHandler.History)

		r.Group(func(r chi.Router) {
			r.Use(idempotent)
			r.Post("/v1/transactions/topup", accountHandler.TopUp)
			r.Post("/v1/transactions/withdraw", accountHandler.Withdraw)
			r.Post("/v1/transactions/transfer", transferHandler.Transfer)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		handler.RespondError(w, req, http.StatusNotFound, "resource/not-found", "route not found")
	})
	return r
}
