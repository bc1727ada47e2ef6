package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/haven-realty/haven-authz/internal/access"
	"github.com/haven-realty/haven-authz/internal/app"
	"github.com/haven-realty/haven-authz/internal/bundles"
	"github.com/haven-realty/haven-authz/internal/directory"
	"github.com/haven-realty/haven-authz/internal/grants"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/platform/cache"
	"github.com/haven-realty/haven-authz/internal/platform/db"
	"github.com/haven-realty/haven-authz/internal/shared"
	"github.com/haven-realty/haven-authz/internal/verify"
	"github.com/haven-realty/haven-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	identityClient := identity.NewClient(cfg.IdentityAPIURL, cfg.IdentityAPISecret)

	permCache := access.NewPermissionCache(access.CacheOptions{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	})
	broadcaster := access.NewBroadcaster(redisClient, permCache, logger)
	if err := broadcaster.Listen(ctx); err != nil {
		logger.Error("subscribe cache invalidations", slog.Any("error", err))
		os.Exit(1)
	}
	accessService := access.NewService(identityClient, permCache, broadcaster, logger)
	accessHandler := access.NewHandler(logger, accessService)

	grantRepo := grants.NewRepository(dbpool)
	grantService := grants.NewService(grantRepo, accessService, auditLogger, logger)
	grantsHandler := grants.NewHandler(logger, grantService)

	bundleRepo := bundles.NewRepository(dbpool)
	bundleService := bundles.NewService(bundleRepo, identityClient, accessService, auditLogger, logger)
	bundlesHandler := bundles.NewHandler(logger, bundleService)

	directoryRepo := directory.NewRepository(dbpool)
	verifyService := verify.NewService(identityClient, directoryRepo, accessService, auditLogger, logger)
	verifyHandler := verify.NewHandler(logger, verifyService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AccessHandler:  accessHandler,
		GrantsHandler:  grantsHandler,
		BundlesHandler: bundlesHandler,
		VerifyHandler:  verifyHandler,
		JobHandler:     jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
